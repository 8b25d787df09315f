package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/locker"

	"github.com/cruciblehq/ross/internal/clock"
)

// Kind is a snapshot's lifecycle stage.
type Kind int

const (
	KindView Kind = iota
	KindActive
	KindCommitted
)

func (k Kind) String() string {
	switch k {
	case KindView:
		return "view"
	case KindActive:
		return "active"
	case KindCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Info describes a snapshot's identity and metadata, independent of
// whether the backend is overlay or flat-rootfs.
type Info struct {
	Key       string            `json:"key"`
	Parent    string            `json:"parent,omitempty"`
	Kind      Kind              `json:"kind"`
	CreatedAt clock.Timestamp   `json:"created_at"`
	UpdatedAt clock.Timestamp   `json:"updated_at"`
	Labels    map[string]string `json:"labels,omitempty"`

	// OpaqueDirs and Whiteouts record paths (relative to fs/) that were
	// marked opaque or deleted during layer extraction. They are never
	// materialized as files (per §4.3.2 step 5); the flat-rootfs backend
	// replays them when flattening a parent chain.
	OpaqueDirs []string `json:"opaque_dirs,omitempty"`
	Whiteouts  []string `json:"whiteouts,omitempty"`
}

// Mount is one entry of a mount specification; Target is left for the
// caller (the shim, which knows the bundle's rootfs path) to fill in.
type Mount struct {
	Type    string   `json:"type"`
	Source  string   `json:"source"`
	Target  string   `json:"target,omitempty"`
	Options []string `json:"options,omitempty"`
}

type metadataFile struct {
	Info Info `json:"info"`
}

// Snapshotter manages the snapshot tree rooted at a single directory. The
// in-memory index is the source of truth for open operations; it is
// rebuilt from disk at New.
type Snapshotter struct {
	root  string
	locks *locker.Locker

	mu    sync.RWMutex
	index map[string]*Info

	// overlaySupported selects the backend: overlay mounts when true,
	// the flat-rootfs copy-based fallback (§4.3.5) otherwise.
	overlaySupported bool
}

// New opens (creating if necessary) a snapshotter rooted at root,
// rebuilding its in-memory index by enumerating existing snapshot
// directories and their metadata.json files.
func New(root string) (*Snapshotter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}

	s := &Snapshotter{
		root:             root,
		locks:            locker.New(),
		index:            make(map[string]*Info),
		overlaySupported: detectOverlaySupport(root),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read snapshot root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := readMetadata(s.metadataPath(e.Name()))
		if err != nil {
			continue // directory without usable metadata; left for Cleanup
		}
		s.index[e.Name()] = info
	}

	return s, nil
}

func (s *Snapshotter) keyDir(key string) string      { return filepath.Join(s.root, key) }
func (s *Snapshotter) fsDir(key string) string        { return filepath.Join(s.keyDir(key), "fs") }
func (s *Snapshotter) workDir(key string) string      { return filepath.Join(s.keyDir(key), "work") }
func (s *Snapshotter) metadataPath(key string) string { return filepath.Join(s.keyDir(key), "metadata.json") }

func readMetadata(path string) (*Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf metadataFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, err
	}
	return &mf.Info, nil
}

func writeMetadata(path string, info *Info) error {
	mf := metadataFile{Info: *info}
	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// lookup returns a copy of the indexed Info for key, holding only a read
// lock for the duration.
func (s *Snapshotter) lookup(key string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.index[key]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Prepare creates a new Active snapshot under key, optionally chained to
// parent, and returns its mount specification.
func (s *Snapshotter) Prepare(key, parent string, labels map[string]string) ([]Mount, error) {
	return s.create(key, parent, labels, KindActive)
}

// View creates a read-only snapshot: like Prepare, but without a work/
// directory and with a mount spec that omits upperdir/workdir.
func (s *Snapshotter) View(key, parent string, labels map[string]string) ([]Mount, error) {
	return s.create(key, parent, labels, KindView)
}

func (s *Snapshotter) create(key, parent string, labels map[string]string, kind Kind) ([]Mount, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if _, exists := s.lookup(key); exists {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}

	if parent != "" {
		pInfo, ok := s.lookup(parent)
		if !ok {
			return nil, fmt.Errorf("%s: %w", parent, ErrParentNotFound)
		}
		if pInfo.Kind != KindCommitted {
			return nil, fmt.Errorf("%s: %w", parent, ErrParentNotCommitted)
		}
	}

	if err := os.MkdirAll(s.fsDir(key), 0o755); err != nil {
		return nil, fmt.Errorf("create fs dir: %w", err)
	}
	if kind == KindActive {
		if err := os.MkdirAll(s.workDir(key), 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	now := clock.Now()
	info := &Info{
		Key:       key,
		Parent:    parent,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
		Labels:    labels,
	}
	if err := writeMetadata(s.metadataPath(key), info); err != nil {
		os.RemoveAll(s.keyDir(key))
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	s.mu.Lock()
	s.index[key] = info
	s.mu.Unlock()

	return s.buildMounts(*info)
}

// Commit requires activeKey to name an Active snapshot, then renames its
// directory to name, merges labels (new keys win), and marks it
// Committed.
func (s *Snapshotter) Commit(name, activeKey string, labels map[string]string) error {
	s.locks.Lock(activeKey)
	defer s.locks.Unlock(activeKey)
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	info, ok := s.lookup(activeKey)
	if !ok {
		return fmt.Errorf("%s: %w", activeKey, ErrNotFound)
	}
	if info.Kind != KindActive {
		return fmt.Errorf("%s: %w", activeKey, ErrNotActive)
	}
	if _, exists := s.lookup(name); exists {
		return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}

	if err := os.Rename(s.keyDir(activeKey), s.keyDir(name)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	merged := make(map[string]string, len(info.Labels)+len(labels))
	for k, v := range info.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}

	committed := &Info{
		Key:        name,
		Parent:     info.Parent,
		Kind:       KindCommitted,
		CreatedAt:  info.CreatedAt,
		UpdatedAt:  clock.Now(),
		Labels:     merged,
		OpaqueDirs: info.OpaqueDirs,
		Whiteouts:  info.Whiteouts,
	}
	if err := writeMetadata(s.metadataPath(name), committed); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	s.mu.Lock()
	delete(s.index, activeKey)
	s.index[name] = committed
	s.mu.Unlock()

	return nil
}

// Remove deletes key's directory and index entry. Fails with
// ErrHasDependents if another snapshot names key as parent.
func (s *Snapshotter) Remove(key string) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	if _, ok := s.lookup(key); !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	s.mu.RLock()
	for _, info := range s.index {
		if info.Parent == key {
			s.mu.RUnlock()
			return fmt.Errorf("%s: %w", key, ErrHasDependents)
		}
	}
	s.mu.RUnlock()

	if err := os.RemoveAll(s.keyDir(key)); err != nil {
		return fmt.Errorf("remove snapshot dir: %w", err)
	}

	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()

	return nil
}

// Stat returns the metadata for key.
func (s *Snapshotter) Stat(key string) (Info, error) {
	info, ok := s.lookup(key)
	if !ok {
		return Info{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return info, nil
}

// Mounts returns the mount specification for an existing key.
func (s *Snapshotter) Mounts(key string) ([]Mount, error) {
	info, ok := s.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return s.buildMounts(info)
}

// List returns Info for every snapshot, filtered to those whose parent
// equals parentFilter when hasFilter is true (with hasFilter true, ""
// selects the snapshots that have no parent).
func (s *Snapshotter) List(parentFilter string, hasFilter bool) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.index))
	for _, info := range s.index {
		if hasFilter && info.Parent != parentFilter {
			continue
		}
		out = append(out, *info)
	}
	return out
}

// Usage reports the size in bytes and inode count of files directly under
// key's fs/ directory (not including inherited parent content).
func (s *Snapshotter) Usage(key string) (bytes int64, inodes int64, err error) {
	if _, ok := s.lookup(key); !ok {
		return 0, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	err = filepath.WalkDir(s.fsDir(key), func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		bytes += fi.Size()
		inodes++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("compute usage: %w", err)
	}
	return bytes, inodes, nil
}

// Cleanup scans the root directory for child directories with no tracked
// in-memory entry and removes them, returning the bytes freed.
func (s *Snapshotter) Cleanup() (int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read snapshot root: %w", err)
	}

	s.mu.RLock()
	tracked := make(map[string]struct{}, len(s.index))
	for k := range s.index {
		tracked[k] = struct{}{}
	}
	s.mu.RUnlock()

	var freed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := tracked[e.Name()]; ok {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		size, err := dirSize(dir)
		if err == nil {
			freed += size
		}
		os.RemoveAll(dir)
	}
	return freed, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
