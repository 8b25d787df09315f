package shim

import (
	"errors"
	"testing"

	"github.com/cruciblehq/ross/internal/clock"
)

func newTestShim(t *testing.T) *Shim {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndLoadRecordRoundTrip(t *testing.T) {
	s := newTestShim(t)

	rec := &record{
		Info: Info{
			ID:        "abc123",
			Name:      "test-container",
			Image:     "example/image:latest",
			State:     StateCreated,
			CreatedAt: clock.Now(),
		},
		Config: Config{Image: "example/image:latest", Cmd: []string{"/bin/sh"}},
	}
	if err := s.saveRecord(rec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	loaded, err := s.loadRecord("abc123")
	if err != nil {
		t.Fatalf("loadRecord: %v", err)
	}
	if loaded.Info.ID != rec.Info.ID || loaded.Info.Name != rec.Info.Name {
		t.Errorf("loaded record = %+v, want %+v", loaded.Info, rec.Info)
	}
	if len(loaded.Config.Cmd) != 1 || loaded.Config.Cmd[0] != "/bin/sh" {
		t.Errorf("loaded config cmd = %v", loaded.Config.Cmd)
	}
}

func TestGetUnknownContainerNotFound(t *testing.T) {
	s := newTestShim(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrContainerNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrContainerNotFound", err)
	}
}

func TestListReflectsInMemoryIndex(t *testing.T) {
	s := newTestShim(t)

	rec := &record{Info: Info{ID: "one", State: StateCreated, CreatedAt: clock.Now()}}
	if err := s.saveRecord(rec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}
	s.mu.Lock()
	s.containers[rec.Info.ID] = rec
	s.mu.Unlock()

	list := s.List()
	if len(list) != 1 || list[0].ID != "one" {
		t.Errorf("List() = %+v, want one entry with ID one", list)
	}
}

func TestReopenRebuildsIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := &record{Info: Info{ID: "persisted", State: StateStopped, CreatedAt: clock.Now()}}
	if err := s.saveRecord(rec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	info, err := reopened.Get("persisted")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if info.State != StateStopped {
		t.Errorf("State = %v, want Stopped", info.State)
	}
}

func TestStartRejectsNonCreatedState(t *testing.T) {
	s := newTestShim(t)
	rec := &record{Info: Info{ID: "running1", State: StateRunning, CreatedAt: clock.Now()}}
	if err := s.saveRecord(rec); err != nil {
		t.Fatalf("saveRecord: %v", err)
	}
	s.mu.Lock()
	s.containers[rec.Info.ID] = rec
	s.mu.Unlock()

	if err := s.Start(nil, "running1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start on running container err = %v, want ErrInvalidState", err)
	}
}
