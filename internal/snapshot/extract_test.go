package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name string
	body string
	mode int64
	dir  bool
}

func buildLayer(t *testing.T, entries []tarEntry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.name, err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("Write(%s): %v", e.name, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return &buf
}

func TestExtractLayerBasic(t *testing.T) {
	s := newTestSnapshotter(t)
	layer := buildLayer(t, []tarEntry{
		{name: "app", dir: true},
		{name: "app/bin", body: "#!/bin/sh\necho hi\n", mode: 0o755},
	})

	key, size, err := s.ExtractLayer(context.Background(), layer, "", "layer1", nil)
	if err != nil {
		t.Fatalf("ExtractLayer: %v", err)
	}
	if key != "layer1" {
		t.Errorf("key = %q, want layer1", key)
	}
	if size == 0 {
		t.Errorf("size = 0, want > 0")
	}

	info, err := s.Stat("layer1")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Kind != KindCommitted {
		t.Errorf("Kind = %v, want Committed", info.Kind)
	}

	content, err := os.ReadFile(filepath.Join(s.fsDir("layer1"), "app", "bin"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "#!/bin/sh\necho hi\n" {
		t.Errorf("content mismatch: %q", content)
	}
}

func TestExtractLayerMaliciousArchiveAborts(t *testing.T) {
	s := newTestSnapshotter(t)
	layer := buildLayer(t, []tarEntry{
		{name: "../../etc/passwd", body: "evil"},
	})

	_, _, err := s.ExtractLayer(context.Background(), layer, "", "bad-layer", nil)
	if !errors.Is(err, ErrMaliciousArchive) {
		t.Fatalf("err = %v, want ErrMaliciousArchive", err)
	}

	if _, err := s.Stat("bad-layer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("committed snapshot should not exist after aborted extraction, got err=%v", err)
	}
	if _, err := s.Stat("bad-layer-extract"); !errors.Is(err, ErrNotFound) {
		t.Errorf("temporary extraction snapshot should be cleaned up, got err=%v", err)
	}
}

func TestExtractLayerWhiteoutFlatBackend(t *testing.T) {
	s := newTestSnapshotter(t)
	if s.overlaySupported {
		t.Skip("whiteout-as-deletion only applies to the flat-rootfs backend; this host has real overlay support")
	}

	base := buildLayer(t, []tarEntry{
		{name: "keep.txt", body: "keep"},
		{name: "remove.txt", body: "gone"},
	})
	if _, _, err := s.ExtractLayer(context.Background(), base, "", "base", nil); err != nil {
		t.Fatalf("extract base: %v", err)
	}

	overlay := buildLayer(t, []tarEntry{
		{name: ".wh.remove.txt", body: ""},
	})
	if _, _, err := s.ExtractLayer(context.Background(), overlay, "base", "overlay", nil); err != nil {
		t.Fatalf("extract overlay: %v", err)
	}

	info, err := s.Stat("overlay")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	mounts, err := s.Mounts("overlay")
	if err != nil {
		t.Fatalf("Mounts: %v", err)
	}
	merged := mounts[0].Source

	if _, err := os.Stat(filepath.Join(merged, "keep.txt")); err != nil {
		t.Errorf("keep.txt should survive flattening: %v", err)
	}
	if _, err := os.Stat(filepath.Join(merged, "remove.txt")); !os.IsNotExist(err) {
		t.Errorf("remove.txt should have been whited out, stat err=%v", err)
	}

	found := false
	for _, w := range info.Whiteouts {
		if w == "remove.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("Whiteouts = %v, want to contain remove.txt", info.Whiteouts)
	}
}
