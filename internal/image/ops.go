package image

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/ross/internal/store"
)

// Service exposes the image-level read and management operations on top
// of a Store: list, inspect, remove, and tag. Pull lives on [Puller]
// since it additionally needs a registry client and a snapshotter.
type Service struct {
	store *store.Store
}

// NewService returns a Service backed by st.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// List enumerates every (repository, tag) binding currently stored and
// resolves each one's manifest and config to build its Image summary.
// Bindings whose manifest or config blob is missing are silently
// skipped, matching the original implementation's tolerance for
// partially garbage-collected state.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Image, error) {
	repos, err := s.store.Repositories()
	if err != nil {
		return nil, classify(err)
	}

	var images []Image
	for _, repo := range repos {
		if filter.Repository != "" && filter.Repository != repo {
			continue
		}
		tags, err := s.store.ListTags(repo)
		if err != nil {
			continue
		}
		for _, t := range tags {
			img, err := s.describe(ctx, repo, t.Tag, t.Digest)
			if err != nil {
				continue
			}
			images = append(images, img)
		}
	}
	return images, nil
}

// Inspect returns the detailed view of the image a (repository, tag)
// pair resolves to.
func (s *Service) Inspect(ctx context.Context, repository, tag string) (Inspection, error) {
	d, _, err := s.store.ResolveTag(repository, tag)
	if err != nil {
		return Inspection{}, classify(fmt.Errorf("%w: %s:%s", ErrImageNotFound, repository, tag))
	}
	img, err := s.describe(ctx, repository, tag, d)
	if err != nil {
		return Inspection{}, classify(err)
	}

	_, configBytes, err := s.manifestAndConfig(ctx, d)
	if err != nil {
		return Inspection{Image: img}, nil
	}
	var cfg ocispec.Image
	if err := json.Unmarshal(configBytes, &cfg); err != nil {
		return Inspection{Image: img}, nil
	}

	history := make([]History, 0, len(cfg.History))
	for _, h := range cfg.History {
		history = append(history, History{CreatedBy: h.CreatedBy, Comment: h.Comment})
	}
	return Inspection{Image: img, History: history}, nil
}

// Tag binds repository:tag to the manifest digest that the existing tag
// sourceRepository:sourceTag resolves to in the store.
func (s *Service) Tag(repository, tag, sourceRepository, sourceTag string) error {
	d, _, err := s.store.ResolveTag(sourceRepository, sourceTag)
	if err != nil {
		return classify(fmt.Errorf("%w: %s:%s", ErrImageNotFound, sourceRepository, sourceTag))
	}
	if _, err := s.store.SetTag(repository, tag, d); err != nil {
		return fmt.Errorf("image: tag: %w", err)
	}
	return nil
}

// Remove deletes the repository:tag binding. The manifest is only deleted
// if no other tag in the store still references the same manifest digest,
// so a manifest tagged under two names is never pulled out from under the
// other tag. Config and layer blobs are not deleted here; they stay in the
// store until garbage collection. Snapshot data is deliberately retained
// (see DESIGN.md).
func (s *Service) Remove(repository, tag string) (RemoveResult, error) {
	d, _, err := s.store.ResolveTag(repository, tag)
	if err != nil {
		return RemoveResult{}, classify(fmt.Errorf("%w: %s:%s", ErrImageNotFound, repository, tag))
	}

	ok, err := s.store.DeleteTag(repository, tag)
	if err != nil {
		return RemoveResult{}, fmt.Errorf("image: delete tag: %w", err)
	}
	if !ok {
		return RemoveResult{}, classify(fmt.Errorf("%w: %s:%s", ErrImageNotFound, repository, tag))
	}
	result := RemoveResult{Untagged: []string{fmt.Sprintf("%s:%s", repository, tag)}}

	stillReferenced, err := s.digestStillTagged(d)
	if err != nil {
		return result, fmt.Errorf("image: check remaining references: %w", err)
	}
	if !stillReferenced {
		if ok, _ := s.store.DeleteManifest(d); ok {
			result.Deleted = append(result.Deleted, d.String())
		}
	}
	return result, nil
}

func (s *Service) digestStillTagged(d digest.Digest) (bool, error) {
	repos, err := s.store.Repositories()
	if err != nil {
		return false, err
	}
	for _, repo := range repos {
		tags, err := s.store.ListTags(repo)
		if err != nil {
			continue
		}
		for _, t := range tags {
			if t.Digest == d {
				return true, nil
			}
		}
	}
	return false, nil
}

// describe builds an Image summary for one (repository, tag, digest)
// triple, grounded in the original implementation's list(): resolve the
// manifest, resolve its config blob, and total layer sizes.
func (s *Service) describe(ctx context.Context, repository, tag string, d digest.Digest) (Image, error) {
	manifest, configBytes, err := s.manifestAndConfig(ctx, d)
	if err != nil {
		return Image{}, err
	}

	var cfg ocispec.Image
	_ = json.Unmarshal(configBytes, &cfg)

	var totalSize int64
	layers := make([]string, 0, len(manifest.Layers))
	for _, l := range manifest.Layers {
		totalSize += l.Size
		layers = append(layers, l.Digest.String())
	}

	return Image{
		ID:           d.String(),
		RepoTags:     []string{fmt.Sprintf("%s:%s", repository, tag)},
		RepoDigests:  []string{fmt.Sprintf("%s@%s", repository, d)},
		Architecture: cfg.Architecture,
		OS:           cfg.OS,
		Size:         totalSize,
		VirtualSize:  totalSize,
		Labels:       cfg.Config.Labels,
		RootFS:       &RootFS{Type: "layers", Layers: layers},
	}, nil
}

func (s *Service) manifestAndConfig(ctx context.Context, d digest.Digest) (ocispec.Manifest, []byte, error) {
	manifestBytes, _, err := s.store.GetManifest(ctx, d)
	if err != nil {
		return ocispec.Manifest{}, nil, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return ocispec.Manifest{}, nil, fmt.Errorf("image: decode manifest: %w", err)
	}
	configBytes, err := s.store.GetBlob(ctx, manifest.Config.Digest, 0, -1)
	if err != nil {
		return manifest, nil, err
	}
	return manifest, configBytes, nil
}
