package image

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/ross/internal/store"
)

// seedImage writes a minimal config blob and manifest into st and tags
// it repository:tag, returning the manifest digest.
func seedImage(t *testing.T, st *store.Store, repository, tag string) digest.Digest {
	t.Helper()
	ctx := context.Background()

	cfg := ocispec.Image{
		Platform: ocispec.Platform{Architecture: "amd64", OS: "linux"},
		Config:   ocispec.ImageConfig{Labels: map[string]string{"maintainer": "test"}},
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfgDigest, cfgSize, err := st.PutBlob(ctx, ocispec.MediaTypeImageConfig, bytes.NewReader(cfgBytes), "")
	if err != nil {
		t.Fatalf("put config: %v", err)
	}

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: cfgDigest, Size: cfgSize},
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: cfgDigest, Size: 42},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	manifestDigest, _, err := st.PutManifest(ctx, ocispec.MediaTypeImageManifest, bytes.NewReader(manifestBytes))
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}

	if _, err := st.SetTag(repository, tag, manifestDigest); err != nil {
		t.Fatalf("set tag: %v", err)
	}
	return manifestDigest
}

func TestListReturnsSeededImage(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	d := seedImage(t, st, "library/nginx", "latest")

	svc := NewService(st)
	images, err := svc.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("len(images) = %d, want 1", len(images))
	}
	if images[0].ID != d.String() {
		t.Errorf("ID = %q, want %q", images[0].ID, d)
	}
	if images[0].RepoTags[0] != "library/nginx:latest" {
		t.Errorf("RepoTags = %v", images[0].RepoTags)
	}
	if images[0].Architecture != "amd64" {
		t.Errorf("Architecture = %q, want amd64", images[0].Architecture)
	}
}

func TestRemoveUntagsAndDeletesUnreferencedManifest(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	seedImage(t, st, "library/nginx", "latest")

	svc := NewService(st)
	result, err := svc.Remove("library/nginx", "latest")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(result.Untagged) != 1 || len(result.Deleted) != 1 {
		t.Fatalf("Remove result = %+v", result)
	}

	if _, err := svc.List(context.Background(), ListFilter{}); err != nil {
		t.Fatalf("List after remove: %v", err)
	}
}

func TestRemoveKeepsManifestStillTaggedElsewhere(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	d := seedImage(t, st, "library/nginx", "latest")
	if _, err := st.SetTag("library/nginx", "stable", d); err != nil {
		t.Fatalf("set second tag: %v", err)
	}

	svc := NewService(st)
	result, err := svc.Remove("library/nginx", "latest")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(result.Deleted) != 0 {
		t.Errorf("Deleted = %v, want empty (still referenced by :stable)", result.Deleted)
	}
}

func TestTagBindsExistingDigest(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	seedImage(t, st, "library/nginx", "latest")

	svc := NewService(st)
	if err := svc.Tag("library/nginx", "v2", "library/nginx", "latest"); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	images, err := svc.List(context.Background(), ListFilter{Repository: "library/nginx"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("len(images) = %d, want 2", len(images))
	}
}
