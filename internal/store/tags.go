package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cruciblehq/ross/internal/clock"
	"github.com/opencontainers/go-digest"
)

func tagPath(root, repository, tag string) string {
	return filepath.Join(root, tagsDir, filepath.FromSlash(repository), tag)
}

// SetTag binds (repository, tag) to digest, returning the digest it
// previously pointed at, if any. Parent directories are created as
// needed. Callers must not issue concurrent SetTag/DeleteTag calls for
// the same (repository, tag) pair; this serializes per pair internally to
// make sequential caller intent safe.
func (s *Store) SetTag(repository, tag string, d digest.Digest) (digest.Digest, error) {
	key := repository + ":" + tag
	s.tagLocks.Lock(key)
	defer s.tagLocks.Unlock(key)

	p := tagPath(s.root, repository, tag)
	var prior digest.Digest
	if rec, err := readTagRecord(p); err == nil {
		prior = digest.NewDigestFromEncoded(digest.Algorithm(rec.DigestAlgorithm), rec.DigestHash)
	}

	if err := os.MkdirAll(filepath.Dir(p), dirMode); err != nil {
		return "", fmt.Errorf("store: mkdir tag dir: %w", err)
	}

	rec := tagRecord{
		DigestAlgorithm: d.Algorithm().String(),
		DigestHash:      d.Encoded(),
		UpdatedAt:       clock.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("store: marshal tag: %w", err)
	}
	if err := os.WriteFile(p, data, fileMode); err != nil {
		return "", fmt.Errorf("store: write tag: %w", err)
	}
	return prior, nil
}

// ResolveTag returns the digest bound to (repository, tag) and the media
// type of the manifest it resolves to.
func (s *Store) ResolveTag(repository, tag string) (digest.Digest, string, error) {
	p := tagPath(s.root, repository, tag)
	rec, err := readTagRecord(p)
	if err != nil {
		return "", "", ErrTagNotFound
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(rec.DigestAlgorithm), rec.DigestHash)

	mi, err := s.statManifest(d)
	if err != nil {
		// The manifest itself may be gone (e.g. swept by GC); the tag
		// binding is still reported, with a default media type.
		return d, "application/vnd.oci.image.manifest.v1+json", nil
	}
	return d, mi.MediaType, nil
}

// ListTags lists every tag bound under repository.
func (s *Store) ListTags(repository string) ([]TagInfo, error) {
	dir := filepath.Join(s.root, tagsDir, filepath.FromSlash(repository))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list tags for %s: %w", repository, err)
	}

	out := make([]TagInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rec, err := readTagRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, TagInfo{
			Tag:       e.Name(),
			Digest:    digest.NewDigestFromEncoded(digest.Algorithm(rec.DigestAlgorithm), rec.DigestHash),
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// DeleteTag removes the (repository, tag) binding, returning false if it
// was already absent.
func (s *Store) DeleteTag(repository, tag string) (bool, error) {
	key := repository + ":" + tag
	s.tagLocks.Lock(key)
	defer s.tagLocks.Unlock(key)

	p := tagPath(s.root, repository, tag)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		return false, fmt.Errorf("store: delete tag: %w", err)
	}
	return true, nil
}

// repositoriesAndTags enumerates every (repository, tag, digest) triple
// currently bound in the store, used by garbage_collect.
func (s *Store) repositoriesAndTags() (map[string][]TagInfo, error) {
	repos, err := s.repositories()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]TagInfo, len(repos))
	for _, repo := range repos {
		tags, err := s.ListTags(repo)
		if err != nil {
			return nil, err
		}
		out[repo] = tags
	}
	return out, nil
}

func readTagRecord(p string) (tagRecord, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return tagRecord{}, err
	}
	var rec tagRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return tagRecord{}, fmt.Errorf("store: unmarshal tag: %w", err)
	}
	return rec, nil
}
