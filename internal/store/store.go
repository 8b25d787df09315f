package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/cruciblehq/ross/internal/clock"
	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"
)

const (
	blobsDir     = "blobs"
	manifestsDir = "manifests"
	tagsDir      = "tags"

	dirMode  = 0o755
	fileMode = 0o644
)

// BlobInfo is the metadata persisted alongside a blob's content.
type BlobInfo struct {
	MediaType  string          `json:"media_type"`
	Size       int64           `json:"size"`
	CreatedAt  clock.Timestamp `json:"created_at"`
	AccessedAt clock.Timestamp `json:"accessed_at"`
}

// ManifestInfo is the metadata persisted alongside a manifest's content.
type ManifestInfo struct {
	MediaType string          `json:"media_type"`
	Size      int64           `json:"size"`
	CreatedAt clock.Timestamp `json:"created_at"`
}

// TagInfo describes one (repository, tag) binding.
type TagInfo struct {
	Tag       string
	Digest    digest.Digest
	UpdatedAt clock.Timestamp
}

// tagRecord is the on-disk representation of a tag file.
type tagRecord struct {
	DigestAlgorithm string          `json:"digest_algorithm"`
	DigestHash      string          `json:"digest_hash"`
	UpdatedAt       clock.Timestamp `json:"updated_at"`
}

// Info summarizes the store's total content, returned by GetStoreInfo.
type Info struct {
	TotalSize     int64
	BlobCount     int
	ManifestCount int
	TagCount      int
}

// Store is a content-addressable filesystem store for blobs, manifests,
// and the mutable tags that point at them. The zero value is not usable;
// construct one with [New].
type Store struct {
	root string

	// tagLocks serializes set_tag/delete_tag for the same (repository, tag)
	// pair, per spec.md §5 ("concurrent set_tag on the same pair is the
	// caller's error" — we go one step further and make the caller's
	// sequential intent safe by serializing internally).
	tagLocks *locker.Locker
}

// New returns a Store rooted at root, creating the top-level directories
// if they do not already exist.
func New(root string) (*Store, error) {
	for _, dir := range []string{blobsDir, manifestsDir, tagsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), dirMode); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{root: root, tagLocks: locker.New()}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func blobDir(root, dir string, d digest.Digest) string {
	return filepath.Join(root, dir, d.Algorithm().String())
}

func blobPath(root, dir string, d digest.Digest) string {
	return filepath.Join(blobDir(root, dir, d), d.Encoded())
}

func metaPath(p string) string { return p + ".meta" }

// PutBlob stores data under its content digest. If expected is non-empty,
// the computed digest must match it or the write fails with
// [ErrDigestMismatch] and no file is created. If content already exists
// under the computed digest, the write is a no-op (idempotent).
func (s *Store) PutBlob(ctx context.Context, mediaType string, data io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	return s.putContent(ctx, blobsDir, mediaType, data, expected)
}

// PutManifest stores manifest content the same way PutBlob stores blobs,
// under the separate manifests/ namespace.
func (s *Store) PutManifest(ctx context.Context, mediaType string, data io.Reader) (digest.Digest, int64, error) {
	return s.putContent(ctx, manifestsDir, mediaType, data, "")
}

func (s *Store) putContent(ctx context.Context, dir, mediaType string, data io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	digester := digest.Canonical.Digester()
	tmp, err := os.CreateTemp(s.root, "tmp-put-*")
	if err != nil {
		return "", 0, fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), data)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("store: write content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("store: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("store: close temp file: %w", err)
	}

	computed := digester.Digest()
	if expected != "" && expected != computed {
		return "", 0, fmt.Errorf("store: %s: computed %s, expected %s: %w", dir, computed, expected, ErrDigestMismatch)
	}

	destDir := filepath.Join(s.root, dir, computed.Algorithm().String())
	if err := os.MkdirAll(destDir, dirMode); err != nil {
		return "", 0, fmt.Errorf("store: mkdir %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, computed.Encoded())

	if _, err := os.Stat(dest); err == nil {
		// Idempotent: identical content already present.
		return computed, size, nil
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, fmt.Errorf("store: rename into place: %w", err)
	}
	removeTemp = false

	now := clock.Now()
	var metaBytes []byte
	if dir == blobsDir {
		metaBytes, err = json.Marshal(BlobInfo{MediaType: mediaType, Size: size, CreatedAt: now, AccessedAt: now})
	} else {
		metaBytes, err = json.Marshal(ManifestInfo{MediaType: mediaType, Size: size, CreatedAt: now})
	}
	if err != nil {
		return "", 0, fmt.Errorf("store: marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath(dest), metaBytes, fileMode); err != nil {
		return "", 0, fmt.Errorf("store: write metadata: %w", err)
	}

	log.G(ctx).WithField("digest", computed).WithField("size", size).Debug("store: content written")
	return computed, size, nil
}

// GetBlob reads blob content starting at offset for length bytes. A
// negative length reads to EOF. Fails with [ErrBlobNotFound] if the blob
// is absent, or [ErrInvalidRange] if offset is beyond the blob's size.
func (s *Store) GetBlob(ctx context.Context, d digest.Digest, offset, length int64) ([]byte, error) {
	return s.getContent(ctx, blobsDir, d, offset, length, true)
}

// GetManifest reads full manifest content and its media type.
func (s *Store) GetManifest(ctx context.Context, d digest.Digest) ([]byte, string, error) {
	data, err := s.getContent(ctx, manifestsDir, d, 0, -1, false)
	if err != nil {
		return nil, "", err
	}
	info, err := s.statManifest(d)
	if err != nil {
		return nil, "", err
	}
	return data, info.MediaType, nil
}

func (s *Store) getContent(ctx context.Context, dir string, d digest.Digest, offset, length int64, touchAccess bool) ([]byte, error) {
	p := blobPath(s.root, dir, d)
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		if dir == blobsDir {
			return nil, ErrBlobNotFound
		}
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", d, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", d, err)
	}
	if offset > st.Size() {
		return nil, ErrInvalidRange
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("store: seek %s: %w", d, err)
		}
	}

	var data []byte
	if length < 0 {
		data, err = io.ReadAll(f)
	} else {
		data = make([]byte, length)
		var n int
		n, err = io.ReadFull(f, data)
		data = data[:n]
		if err == io.ErrUnexpectedEOF {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", d, err)
	}

	if touchAccess {
		s.touchAccessed(p)
	}
	_ = ctx
	return data, nil
}

func (s *Store) touchAccessed(p string) {
	info, err := s.readMeta(p)
	if err != nil {
		return
	}
	bi, ok := info.(BlobInfo)
	if !ok {
		return
	}
	bi.AccessedAt = clock.Now()
	data, err := json.Marshal(bi)
	if err != nil {
		return
	}
	// Best-effort; a failed access-time update never fails the read.
	_ = os.WriteFile(metaPath(p), data, fileMode)
}

// readMeta regenerates default metadata when the sidecar file is missing,
// per the store's invariant that readers tolerate missing .meta files.
func (s *Store) readMeta(p string) (any, error) {
	data, err := os.ReadFile(metaPath(p))
	isBlob := strings.Contains(filepath.ToSlash(p), "/"+blobsDir+"/")
	if err != nil {
		st, statErr := os.Stat(p)
		if statErr != nil {
			return nil, statErr
		}
		if isBlob {
			return BlobInfo{MediaType: "application/octet-stream", Size: st.Size(), CreatedAt: clock.From(st.ModTime()), AccessedAt: clock.From(st.ModTime())}, nil
		}
		return ManifestInfo{MediaType: "application/vnd.oci.image.manifest.v1+json", Size: st.Size(), CreatedAt: clock.From(st.ModTime())}, nil
	}
	if isBlob {
		var bi BlobInfo
		if err := json.Unmarshal(data, &bi); err != nil {
			return nil, fmt.Errorf("store: unmarshal blob metadata: %w", err)
		}
		return bi, nil
	}
	var mi ManifestInfo
	if err := json.Unmarshal(data, &mi); err != nil {
		return nil, fmt.Errorf("store: unmarshal manifest metadata: %w", err)
	}
	return mi, nil
}

// StatBlob returns blob metadata without reading content.
func (s *Store) StatBlob(ctx context.Context, d digest.Digest) (BlobInfo, error) {
	info, err := s.statBlobNoTouch(d)
	if err != nil {
		return BlobInfo{}, err
	}
	s.touchAccessed(blobPath(s.root, blobsDir, d))
	return info, nil
}

// statBlobNoTouch reads blob metadata without updating accessed_at, for
// callers (garbage collection's mark phase) that must not perturb the
// access-time signal they themselves rely on.
func (s *Store) statBlobNoTouch(d digest.Digest) (BlobInfo, error) {
	p := blobPath(s.root, blobsDir, d)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return BlobInfo{}, ErrBlobNotFound
	}
	info, err := s.readMeta(p)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("store: stat blob %s: %w", d, err)
	}
	return info.(BlobInfo), nil
}

func (s *Store) statManifest(d digest.Digest) (ManifestInfo, error) {
	p := blobPath(s.root, manifestsDir, d)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return ManifestInfo{}, ErrManifestNotFound
	}
	info, err := s.readMeta(p)
	if err != nil {
		return ManifestInfo{}, fmt.Errorf("store: stat manifest %s: %w", d, err)
	}
	return info.(ManifestInfo), nil
}

// HasBlob reports whether the blob is present.
func (s *Store) HasBlob(d digest.Digest) bool {
	_, err := os.Stat(blobPath(s.root, blobsDir, d))
	return err == nil
}

// DeleteBlob removes a blob and its metadata. Returns false if it was
// already absent. The caller is responsible for ensuring nothing still
// references it.
func (s *Store) DeleteBlob(d digest.Digest) (bool, error) {
	return s.deleteContent(blobsDir, d)
}

// DeleteManifest removes a manifest and its metadata.
func (s *Store) DeleteManifest(d digest.Digest) (bool, error) {
	return s.deleteContent(manifestsDir, d)
}

func (s *Store) deleteContent(dir string, d digest.Digest) (bool, error) {
	p := blobPath(s.root, dir, d)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		return false, fmt.Errorf("store: remove %s: %w", d, err)
	}
	os.Remove(metaPath(p))
	return true, nil
}

// ListBlobs returns digests of every stored blob whose media type
// contains mediaTypeFilter (empty matches all).
func (s *Store) ListBlobs(mediaTypeFilter string) ([]digest.Digest, error) {
	return s.listContent(blobsDir, mediaTypeFilter)
}

// ListManifests returns digests of every stored manifest whose media type
// contains mediaTypeFilter (empty matches all).
func (s *Store) ListManifests(mediaTypeFilter string) ([]digest.Digest, error) {
	return s.listContent(manifestsDir, mediaTypeFilter)
}

func (s *Store) listContent(dir, mediaTypeFilter string) ([]digest.Digest, error) {
	root := filepath.Join(s.root, dir)
	algDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}

	var out []digest.Digest
	for _, alg := range algDirs {
		if !alg.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, alg.Name()))
		if err != nil {
			return nil, fmt.Errorf("store: list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), ".meta") {
				continue
			}
			d := digest.NewDigestFromEncoded(digest.Algorithm(alg.Name()), e.Name())
			if mediaTypeFilter != "" {
				p := filepath.Join(root, alg.Name(), e.Name())
				info, err := s.readMeta(p)
				if err != nil {
					continue
				}
				var mt string
				if dir == blobsDir {
					mt = info.(BlobInfo).MediaType
				} else {
					mt = info.(ManifestInfo).MediaType
				}
				if !strings.Contains(mt, mediaTypeFilter) {
					continue
				}
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// GetStoreInfo computes aggregate size and count statistics across the
// entire store.
func (s *Store) GetStoreInfo() (Info, error) {
	var info Info

	blobs, err := s.listContent(blobsDir, "")
	if err != nil {
		return info, err
	}
	info.BlobCount = len(blobs)
	for _, d := range blobs {
		bi, err := s.StatBlob(context.Background(), d)
		if err == nil {
			info.TotalSize += bi.Size
		}
	}

	manifests, err := s.listContent(manifestsDir, "")
	if err != nil {
		return info, err
	}
	info.ManifestCount = len(manifests)
	for _, d := range manifests {
		mi, err := s.statManifest(d)
		if err == nil {
			info.TotalSize += mi.Size
		}
	}

	repos, err := s.repositories()
	if err != nil {
		return info, err
	}
	for _, repo := range repos {
		tags, err := s.ListTags(repo)
		if err != nil {
			continue
		}
		info.TagCount += len(tags)
	}

	return info, nil
}

// Repositories lists every repository with at least one tag binding.
func (s *Store) Repositories() ([]string, error) {
	return s.repositories()
}

func (s *Store) repositories() ([]string, error) {
	var repos []string
	root := filepath.Join(s.root, tagsDir)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == root || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return nil
		}
		repo := filepath.ToSlash(rel)
		if len(repos) == 0 || repos[len(repos)-1] != repo {
			repos = append(repos, repo)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	// WalkDir visits files in lexical order per directory; dedupe below
	// since the loop above only catches consecutive duplicates.
	seen := make(map[string]bool, len(repos))
	out := repos[:0]
	for _, r := range repos {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out, err
}
