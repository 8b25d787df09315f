package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestSnapshotter(t *testing.T) *Snapshotter {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPrepareCommitRemove(t *testing.T) {
	s := newTestSnapshotter(t)

	if _, err := s.Prepare("layer1", "", nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if err := s.Commit("layer1-committed", "layer1", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	info, err := s.Stat("layer1-committed")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Kind != KindCommitted {
		t.Errorf("Kind = %v, want Committed", info.Kind)
	}
	if info.Labels["k"] != "v" {
		t.Errorf("Labels[k] = %q, want v", info.Labels["k"])
	}

	if _, err := s.Stat("layer1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old active key should be gone, got err=%v", err)
	}

	if err := s.Remove("layer1-committed"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Stat("layer1-committed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestPrepareAlreadyExists(t *testing.T) {
	s := newTestSnapshotter(t)
	if _, err := s.Prepare("k", "", nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := s.Prepare("k", "", nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second Prepare error = %v, want ErrAlreadyExists", err)
	}
}

func TestPrepareRejectsUncommittedParent(t *testing.T) {
	s := newTestSnapshotter(t)
	if _, err := s.Prepare("active1", "", nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := s.Prepare("child", "active1", nil); !errors.Is(err, ErrParentNotCommitted) {
		t.Fatalf("err = %v, want ErrParentNotCommitted", err)
	}
	if _, err := s.Prepare("child", "missing-parent", nil); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("err = %v, want ErrParentNotFound", err)
	}
}

func TestRemoveHasDependents(t *testing.T) {
	s := newTestSnapshotter(t)
	mustCommit(t, s, "base", "")
	if _, err := s.Prepare("child", "base", nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Remove("base"); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("Remove err = %v, want ErrHasDependents", err)
	}
}

func mustCommit(t *testing.T, s *Snapshotter, name, parent string) {
	t.Helper()
	activeKey := name + "-prep"
	if _, err := s.Prepare(activeKey, parent, nil); err != nil {
		t.Fatalf("Prepare(%s): %v", activeKey, err)
	}
	if err := s.Commit(name, activeKey, nil); err != nil {
		t.Fatalf("Commit(%s): %v", name, err)
	}
}

func TestMountSpecBaseAndChain(t *testing.T) {
	s := newTestSnapshotter(t)
	mustCommit(t, s, "l1", "")
	mustCommit(t, s, "l2", "l1")

	base, err := s.Mounts("l1")
	if err != nil {
		t.Fatalf("Mounts(l1): %v", err)
	}
	if len(base) != 1 {
		t.Fatalf("base mounts = %d entries, want 1", len(base))
	}
	if !s.overlaySupported && base[0].Type != "bind" {
		t.Errorf("base mount type = %q, want bind", base[0].Type)
	}

	if _, err := s.Prepare("active-on-l2", "l2", nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	mounts, err := s.Mounts("active-on-l2")
	if err != nil {
		t.Fatalf("Mounts(active-on-l2): %v", err)
	}
	if len(mounts) != 1 {
		t.Fatalf("mounts = %d entries, want 1", len(mounts))
	}
	if s.overlaySupported {
		if mounts[0].Type != "overlay" {
			t.Fatalf("Type = %q, want overlay", mounts[0].Type)
		}
	} else {
		if mounts[0].Type != "bind" {
			t.Fatalf("flat backend Type = %q, want bind", mounts[0].Type)
		}
	}
}

func TestListFilter(t *testing.T) {
	s := newTestSnapshotter(t)
	mustCommit(t, s, "root", "")
	mustCommit(t, s, "childA", "root")
	mustCommit(t, s, "childB", "root")

	children := s.List("root", true)
	if len(children) != 2 {
		t.Fatalf("List(root) = %d entries, want 2", len(children))
	}

	all := s.List("", false)
	if len(all) != 3 {
		t.Fatalf("List(all) = %d entries, want 3", len(all))
	}
}

func TestUsageCountsOwnFilesOnly(t *testing.T) {
	s := newTestSnapshotter(t)
	mustCommit(t, s, "root", "")
	if err := os.WriteFile(filepath.Join(s.fsDir("root"), "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	bytes, inodes, err := s.Usage("root")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if bytes != 5 || inodes != 1 {
		t.Fatalf("Usage = (%d, %d), want (5, 1)", bytes, inodes)
	}
}

func TestCleanupRemovesUntrackedDirs(t *testing.T) {
	s := newTestSnapshotter(t)
	mustCommit(t, s, "tracked", "")

	stray := filepath.Join(s.root, "stray-dir")
	if err := os.MkdirAll(stray, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stray, "junk"), []byte("1234"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	freed, err := s.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if freed != 4 {
		t.Errorf("freed = %d, want 4", freed)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Errorf("stray dir should have been removed")
	}
	if _, err := os.Stat(s.keyDir("tracked")); err != nil {
		t.Errorf("tracked snapshot should survive cleanup: %v", err)
	}
}

func TestReopenRebuildsIndexFromDisk(t *testing.T) {
	root := t.TempDir()
	s1, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustCommit(t, s1, "persisted", "")

	s2, err := New(root)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	info, err := s2.Stat("persisted")
	if err != nil {
		t.Fatalf("Stat after reopen: %v", err)
	}
	if info.Kind != KindCommitted {
		t.Errorf("Kind after reopen = %v, want Committed", info.Kind)
	}
}
