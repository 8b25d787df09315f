package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/ross/internal/shim"
	"github.com/cruciblehq/ross/internal/snapshot"
	"github.com/cruciblehq/ross/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	snap, err := snapshot.New(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	sh, err := shim.New(t.TempDir())
	if err != nil {
		t.Fatalf("shim.New: %v", err)
	}
	return NewService(st, snap, sh)
}

// seedImage writes a one-layer image (config + manifest, tagged) into
// st, committing a matching snapshot for its sole layer in snap so
// Create's top-layer check succeeds unless skipSnapshot is set.
func seedImage(t *testing.T, st *store.Store, snap *snapshot.Snapshotter, repository, tag string, imageCfg ocispec.ImageConfig, skipSnapshot bool) {
	t.Helper()
	ctx := context.Background()

	cfg := ocispec.Image{
		Platform: ocispec.Platform{Architecture: "amd64", OS: "linux"},
		Config:   imageCfg,
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfgDigest, cfgSize, err := st.PutBlob(ctx, ocispec.MediaTypeImageConfig, bytes.NewReader(cfgBytes), "")
	if err != nil {
		t.Fatalf("put config: %v", err)
	}

	layerData := []byte("layer contents")
	layerDigest, layerSize, err := st.PutBlob(ctx, ocispec.MediaTypeImageLayerGzip, bytes.NewReader(layerData), "")
	if err != nil {
		t.Fatalf("put layer: %v", err)
	}

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: cfgDigest, Size: cfgSize},
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: layerDigest, Size: layerSize},
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

	if !skipSnapshot {
		if _, err := snap.Prepare(layerDigest.String()+"-active", "", nil); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if err := snap.Commit(layerDigest.String(), layerDigest.String()+"-active", nil); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
}

func TestCreateImageNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(context.Background(), CreateParams{Image: "library/missing:latest"})
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("Create err = %v, want ErrImageNotFound", err)
	}
}

func TestCreateTopLayerMissing(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	snap, err := snapshot.New(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot.New: %v", err)
	}
	sh, err := shim.New(t.TempDir())
	if err != nil {
		t.Fatalf("shim.New: %v", err)
	}
	seedImage(t, st, snap, "library/nginx", "latest", ocispec.ImageConfig{}, true)

	svc := NewService(st, snap, sh)
	_, err = svc.Create(context.Background(), CreateParams{Image: "library/nginx:latest"})
	if !errors.Is(err, ErrTopLayerMissing) {
		t.Errorf("Create err = %v, want ErrTopLayerMissing", err)
	}
}

func TestMergeConfigUserOverridesImageDefaults(t *testing.T) {
	image := ocispec.ImageConfig{
		Entrypoint: []string{"/entrypoint.sh"},
		Cmd:        []string{"serve"},
		Env:        []string{"PATH=/image/bin"},
		WorkingDir: "/image",
		User:       "1000:1000",
	}
	user := Config{
		Cmd:        []string{"version"},
		Env:        []string{"DEBUG=1"},
		WorkingDir: "/home/app",
	}

	merged := mergeConfig(image, user)

	if len(merged.Entrypoint) != 1 || merged.Entrypoint[0] != "/entrypoint.sh" {
		t.Errorf("Entrypoint = %v, want image default preserved", merged.Entrypoint)
	}
	if len(merged.Cmd) != 1 || merged.Cmd[0] != "version" {
		t.Errorf("Cmd = %v, want user override", merged.Cmd)
	}
	if merged.WorkingDir != "/home/app" {
		t.Errorf("WorkingDir = %q, want user override", merged.WorkingDir)
	}
	if merged.User != "1000:1000" {
		t.Errorf("User = %q, want image default", merged.User)
	}
	want := []string{"PATH=/image/bin", "DEBUG=1"}
	if len(merged.Env) != len(want) || merged.Env[0] != want[0] || merged.Env[1] != want[1] {
		t.Errorf("Env = %v, want %v", merged.Env, want)
	}
}

func TestMergeConfigFallsBackToImageDefaultsWhenUserEmpty(t *testing.T) {
	image := ocispec.ImageConfig{Cmd: []string{"nginx", "-g", "daemon off;"}}
	merged := mergeConfig(image, Config{})
	if len(merged.Cmd) != 3 || merged.Cmd[2] != "daemon off;" {
		t.Errorf("Cmd = %v, want image default", merged.Cmd)
	}
	if merged.Labels == nil {
		t.Error("Labels should default to an empty, non-nil map")
	}
}

func TestParseSignal(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "TERM"},
		{"KILL", "KILL"},
		{"SIGKILL", "KILL"},
		{"9", "KILL"},
		{"sigterm", "TERM"},
		{"2", "INT"},
	}
	for _, c := range cases {
		got, err := parseSignal(c.in)
		if err != nil {
			t.Errorf("parseSignal(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseSignal(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := parseSignal("BOGUS"); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("parseSignal(BOGUS) err = %v, want ErrInvalidSignal", err)
	}
}

func TestListEmptyByDefault(t *testing.T) {
	svc := newTestService(t)
	if got := svc.List(ListFilter{}); len(got) != 0 {
		t.Errorf("List() = %v, want empty", got)
	}
	if got := svc.List(ListFilter{All: true}); len(got) != 0 {
		t.Errorf("List(All) = %v, want empty", got)
	}
}
