package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/ross/internal/clock"
	"github.com/google/uuid"
	"github.com/moby/locker"
)

// Shim drives runc against bundles it prepares under root, tracking every
// container's lifecycle state in an in-memory index backed by a
// metadata.json sidecar per container, rebuilt from disk at startup —
// mirroring RuncShim::new's load_containers call in the Rust original.
type Shim struct {
	root string // <data-root>/containers and <data-root>/runc live here
	runc *runc
	lock *locker.Locker

	mu         sync.RWMutex
	containers map[string]*record
}

// New opens (or initializes) the container store rooted at root.
func New(root string) (*Shim, error) {
	containersDir := filepath.Join(root, "containers")
	if err := os.MkdirAll(containersDir, 0o755); err != nil {
		return nil, fmt.Errorf("shim: create containers dir: %w", err)
	}

	// Best-effort: lets reapExitCode see container init processes that
	// reparent to us after runc's own process exits, instead of to PID 1.
	_ = enableSubreaper()

	s := &Shim{
		root:       root,
		runc:       newRunc(filepath.Join(root, runcRoot)),
		lock:       locker.New(),
		containers: make(map[string]*record),
	}

	entries, err := os.ReadDir(containersDir)
	if err != nil {
		return nil, fmt.Errorf("shim: read containers dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.loadRecord(e.Name())
		if err != nil {
			continue
		}
		s.containers[rec.Info.ID] = rec
	}

	return s, nil
}

func (s *Shim) containerDir(id string) string { return filepath.Join(s.root, "containers", id) }
func (s *Shim) bundleDir(id string) string     { return filepath.Join(s.containerDir(id), "bundle") }
func (s *Shim) metadataPath(id string) string  { return filepath.Join(s.containerDir(id), "metadata.json") }

func (s *Shim) loadRecord(id string) (*record, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Shim) saveRecord(rec *record) error {
	if err := os.MkdirAll(s.containerDir(rec.Info.ID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metadataPath(rec.Info.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metadataPath(rec.Info.ID))
}

// Create prepares a bundle (rootfs mount, generated config.json) for a new
// container and records it in state Created, without starting it. This is
// runc_shim.rs's create, generalized to spec.md §4.4's merge rules.
func (s *Shim) Create(ctx context.Context, opts CreateOpts) (Info, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	bundle := s.bundleDir(id)
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return Info{}, fmt.Errorf("shim: create rootfs dir: %w", err)
	}

	if err := mountRootfs(opts.Mounts, rootfs); err != nil {
		return Info{}, err
	}

	spec, err := generateSpec(opts, id, rootfs)
	if err != nil {
		return Info{}, err
	}
	specData, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("shim: marshal runtime spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), specData, 0o644); err != nil {
		return Info{}, fmt.Errorf("shim: write config.json: %w", err)
	}

	for _, name := range []string{"stdout.log", "stderr.log"} {
		if err := os.WriteFile(filepath.Join(bundle, name), nil, 0o644); err != nil {
			return Info{}, fmt.Errorf("shim: create %s: %w", name, err)
		}
	}

	info := Info{
		ID:         id,
		Name:       opts.Name,
		Image:      opts.Config.Image,
		State:      StateCreated,
		CreatedAt:  clock.Now(),
		BundlePath: bundle,
		RootfsPath: rootfs,
	}
	rec := &record{Info: info, Config: opts.Config, HostConfig: opts.HostConfig}

	if err := s.saveRecord(rec); err != nil {
		return Info{}, fmt.Errorf("shim: save container metadata: %w", err)
	}

	s.mu.Lock()
	s.containers[id] = rec
	s.mu.Unlock()

	return info, nil
}

func (s *Shim) get(id string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	return rec, nil
}

// Start runs the created bundle via `runc create` followed by
// `runc start`, transitioning Created -> Running.
func (s *Shim) Start(ctx context.Context, id string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State != StateCreated {
		return classify(fmt.Errorf("%w: container %s is %s, want created", ErrInvalidState, id, rec.Info.State))
	}

	pidFile := filepath.Join(rec.Info.BundlePath, "container.pid")
	consoleSocket := ""

	stdoutFile, err := os.OpenFile(filepath.Join(rec.Info.BundlePath, "stdout.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("shim: open stdout.log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(filepath.Join(rec.Info.BundlePath, "stderr.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("shim: open stderr.log: %w", err)
	}
	defer stderrFile.Close()

	if err := s.runc.create(ctx, id, rec.Info.BundlePath, pidFile, consoleSocket, stdoutFile, stderrFile); err != nil {
		return err
	}
	if err := s.runc.start(ctx, id); err != nil {
		return err
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			rec.Info.Pid = pid
		}
	}

	rec.Info.State = StateRunning
	rec.Info.StartedAt = clock.Now()
	return s.saveRecord(rec)
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs, per spec.md
// §4.6's graceful-stop rule (mirrors runc_shim.rs's stop).
func (s *Shim) Stop(ctx context.Context, id string, timeout time.Duration) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State != StateRunning {
		return classify(fmt.Errorf("%w: container %s is not running", ErrInvalidState, id))
	}

	if err := s.runc.kill(ctx, id, "TERM"); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}

	_ = s.runc.kill(ctx, id, "KILL")

	pid := rec.Info.Pid
	if code, ok := reapExitCode(pid); ok {
		rec.Info.ExitCode = code
	}

	rec.Info.State = StateStopped
	rec.Info.FinishedAt = clock.Now()
	rec.Info.Pid = 0
	rec.Info.HasExit = true
	return s.saveRecord(rec)
}

// Kill sends an arbitrary signal to a running container's init process.
func (s *Shim) Kill(ctx context.Context, id, sig string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State != StateRunning {
		return classify(fmt.Errorf("%w: container %s is not running", ErrInvalidState, id))
	}
	return s.runc.kill(ctx, id, sig)
}

// Delete removes a container's runc state, unmounts its rootfs, and
// removes its on-disk directory. force also stops a running container
// first.
func (s *Shim) Delete(ctx context.Context, id string, force bool) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State == StateRunning && !force {
		return classify(fmt.Errorf("%w: container %s is running", ErrContainerRunning, id))
	}

	if err := s.runc.delete(ctx, id, force); err != nil {
		// runc may have already reaped the container on natural exit;
		// that's not a failure to delete our own record.
		if !strings.Contains(err.Error(), "does not exist") {
			return err
		}
	}

	if err := unmountRootfs(rec.Info.RootfsPath); err != nil {
		return err
	}
	if err := os.RemoveAll(s.containerDir(id)); err != nil {
		return fmt.Errorf("shim: remove container dir: %w", err)
	}

	s.mu.Lock()
	delete(s.containers, id)
	s.mu.Unlock()

	return nil
}

// Pause freezes a running container's cgroup via `runc pause`.
func (s *Shim) Pause(ctx context.Context, id string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State != StateRunning {
		return classify(fmt.Errorf("%w: container %s is not running", ErrInvalidState, id))
	}
	if err := s.runc.pause(ctx, id); err != nil {
		return err
	}
	rec.Info.State = StatePaused
	return s.saveRecord(rec)
}

// Resume thaws a paused container via `runc resume`.
func (s *Shim) Resume(ctx context.Context, id string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	if rec.Info.State != StatePaused {
		return classify(fmt.Errorf("%w: container %s is %s, want paused", ErrInvalidState, id, rec.Info.State))
	}
	if err := s.runc.resume(ctx, id); err != nil {
		return err
	}
	rec.Info.State = StateRunning
	return s.saveRecord(rec)
}

// List returns every known container's current info.
func (s *Shim) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.containers))
	for _, rec := range s.containers {
		out = append(out, rec.Info)
	}
	return out
}

// Get returns a single container's current info.
func (s *Shim) Get(id string) (Info, error) {
	rec, err := s.get(id)
	if err != nil {
		return Info{}, classify(err)
	}
	return rec.Info, nil
}

// GetConfig returns the merged process and host configuration a
// container was created with, for inspection.
func (s *Shim) GetConfig(id string) (Config, HostConfig, error) {
	rec, err := s.get(id)
	if err != nil {
		return Config{}, HostConfig{}, classify(err)
	}
	return rec.Config, rec.HostConfig, nil
}

// Rename updates a container's display name without touching its runc
// state or bundle.
func (s *Shim) Rename(id, name string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	rec, err := s.get(id)
	if err != nil {
		return classify(err)
	}
	rec.Info.Name = name
	return s.saveRecord(rec)
}

// Wait blocks until a container's init process exits, polling `runc
// state` at a fixed interval (the mechanism runc_shim.rs's wait uses,
// since runc has no native blocking wait for a detached container).
func (s *Shim) Wait(ctx context.Context, id string) (WaitResult, error) {
	rec, err := s.get(id)
	if err != nil {
		return WaitResult{}, classify(err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := s.runc.state(ctx, id)
		stopped := err != nil || st.Status == "stopped"
		if stopped {
			s.lock.Lock(id)
			if !rec.Info.HasExit {
				if code, ok := reapExitCode(rec.Info.Pid); ok {
					rec.Info.ExitCode = code
				}
			}
			rec.Info.State = StateStopped
			rec.Info.FinishedAt = clock.Now()
			rec.Info.Pid = 0
			rec.Info.HasExit = true
			_ = s.saveRecord(rec)
			s.lock.Unlock(id)
			return WaitResult{ExitCode: rec.Info.ExitCode}, nil
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Exec runs a one-shot process inside a running container's namespaces,
// the supplemented operation of §4.4.
func (s *Shim) Exec(ctx context.Context, id string, args, env []string) (ExecResult, error) {
	rec, err := s.get(id)
	if err != nil {
		return ExecResult{}, classify(err)
	}
	if rec.Info.State != StateRunning {
		return ExecResult{}, classify(fmt.Errorf("%w: container %s is not running", ErrInvalidState, id))
	}
	result, err := s.runc.exec(ctx, id, args, env)
	if err != nil {
		return ExecResult{}, err
	}
	return *result, nil
}

// Logs returns the container's recorded stdout/stderr, tailing the last
// tail lines of each when tail > 0. The bundle's stdout.log and
// stderr.log hold raw bytes with no per-line timestamp, so entries are
// stamped with the read time and ordered stdout-then-stderr rather than
// true chronological interleaving.
func (s *Shim) Logs(ctx context.Context, id string, tail int) ([]LogEntry, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, classify(err)
	}

	now := clock.Now()
	var entries []LogEntry
	for _, stream := range []string{"stdout", "stderr"} {
		lines, err := readLines(filepath.Join(rec.Info.BundlePath, stream+".log"), tail)
		if err != nil {
			return nil, fmt.Errorf("shim: read %s.log: %w", stream, err)
		}
		for _, line := range lines {
			entries = append(entries, LogEntry{Timestamp: now, Stream: stream, Data: line})
		}
	}
	return entries, nil
}

// readLines splits path's content on newlines, returning the last n
// lines (or all of them when n <= 0).
func readLines(path string, n int) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(data, []byte("\n"))
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// RunInteractive starts a container with a PTY attached to its init
// process, streaming output to out and applying input/resize events read
// from in until the container exits. This implements run_interactive from
// runc_shim.rs: runc is handed a console-socket path, and the PTY master
// fd it sends back over that socket is pumped until EOF.
func (s *Shim) RunInteractive(ctx context.Context, id string, in <-chan InputEvent, out chan<- OutputEvent) error {
	s.lock.Lock(id)
	rec, err := s.get(id)
	if err != nil {
		s.lock.Unlock(id)
		return classify(err)
	}
	if rec.Info.State != StateCreated {
		s.lock.Unlock(id)
		return classify(fmt.Errorf("%w: container %s is %s, want created", ErrInvalidState, id, rec.Info.State))
	}

	consoleSocketPath := filepath.Join(rec.Info.BundlePath, "console.sock")
	listener, err := newConsoleListener(consoleSocketPath)
	if err != nil {
		s.lock.Unlock(id)
		return err
	}
	defer listener.Close()

	pidFile := filepath.Join(rec.Info.BundlePath, "container.pid")

	createErrCh := make(chan error, 1)
	go func() {
		createErrCh <- s.runc.create(ctx, id, rec.Info.BundlePath, pidFile, consoleSocketPath, nil, nil)
	}()

	pty, err := listener.acceptPTY()
	if err != nil {
		s.lock.Unlock(id)
		return err
	}
	defer pty.Close()

	if err := setRawMode(pty); err != nil {
		s.lock.Unlock(id)
		return err
	}

	if err := <-createErrCh; err != nil {
		s.lock.Unlock(id)
		return err
	}
	if err := s.runc.start(ctx, id); err != nil {
		s.lock.Unlock(id)
		return err
	}

	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			rec.Info.Pid = pid
		}
	}
	rec.Info.State = StateRunning
	rec.Info.StartedAt = clock.Now()
	_ = s.saveRecord(rec)
	s.lock.Unlock(id)

	done := pumpPTY(pty, in, out)
	<-done

	result, waitErr := s.Wait(ctx, id)
	out <- OutputEvent{Kind: EventExit, Exit: result}
	return waitErr
}
