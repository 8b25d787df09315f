package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// GCResult reports the outcome of a garbage_collect pass.
type GCResult struct {
	BlobsRemoved     int
	ManifestsRemoved int
	BytesFreed       int64
	DeletedDigests   []digest.Digest
}

// GarbageCollect performs a mark-and-sweep over the store: every digest
// reachable from a tag (or, when delete_untagged is false, from any
// stored manifest at all) is marked live, along with the config and layer
// digests each referenced manifest names. Anything left unmarked is
// eligible for deletion. In dry_run mode, no files are touched but counts
// and the deletion list are still computed identically, so dry and real
// runs always agree.
func (s *Store) GarbageCollect(dryRun, deleteUntagged bool) (GCResult, error) {
	live := make(map[digest.Digest]bool)

	repoTags, err := s.repositoriesAndTags()
	if err != nil {
		return GCResult{}, fmt.Errorf("store: gc: %w", err)
	}
	for _, tags := range repoTags {
		for _, t := range tags {
			live[t.Digest] = true
		}
	}

	allManifests, err := s.listContent(manifestsDir, "")
	if err != nil {
		return GCResult{}, fmt.Errorf("store: gc: %w", err)
	}

	if !deleteUntagged {
		for _, d := range allManifests {
			live[d] = true
		}
	}

	// Trace every live manifest's config and layer digests so their blobs
	// survive the sweep too.
	for d := range cloneKeys(live) {
		s.markManifestReferences(d, live)
	}

	var result GCResult

	for _, d := range allManifests {
		if live[d] {
			continue
		}
		mi, statErr := s.statManifest(d)
		result.ManifestsRemoved++
		result.DeletedDigests = append(result.DeletedDigests, d)
		if statErr == nil {
			result.BytesFreed += mi.Size
		}
		if !dryRun {
			if _, err := s.DeleteManifest(d); err != nil {
				return result, fmt.Errorf("store: gc: delete manifest %s: %w", d, err)
			}
		}
	}

	allBlobs, err := s.listContent(blobsDir, "")
	if err != nil {
		return result, fmt.Errorf("store: gc: %w", err)
	}
	for _, d := range allBlobs {
		if live[d] {
			continue
		}
		bi, statErr := s.statBlobNoTouch(d)
		result.BlobsRemoved++
		result.DeletedDigests = append(result.DeletedDigests, d)
		if statErr == nil {
			result.BytesFreed += bi.Size
		}
		if !dryRun {
			if _, err := s.DeleteBlob(d); err != nil {
				return result, fmt.Errorf("store: gc: delete blob %s: %w", d, err)
			}
		}
	}

	return result, nil
}

// markManifestReferences parses a manifest (or index) and marks the
// digests of everything it points at as live: its config blob and every
// layer for a single manifest, or every per-platform manifest (recursed)
// for an index.
func (s *Store) markManifestReferences(d digest.Digest, live map[digest.Digest]bool) {
	data, _, err := s.GetManifest(context.Background(), d)
	if err != nil {
		return
	}

	var probe struct {
		MediaType string `json:"mediaType"`
		Manifests []ocispec.Descriptor `json:"manifests"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && len(probe.Manifests) > 0 {
		for _, desc := range probe.Manifests {
			if !live[desc.Digest] {
				live[desc.Digest] = true
				s.markManifestReferences(desc.Digest, live)
			}
		}
		return
	}

	var m ocispec.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	live[m.Config.Digest] = true
	for _, l := range m.Layers {
		live[l.Digest] = true
	}
}

func cloneKeys(m map[digest.Digest]bool) map[digest.Digest]bool {
	out := make(map[digest.Digest]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
