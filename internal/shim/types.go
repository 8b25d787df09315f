package shim

import (
	"github.com/cruciblehq/ross/internal/clock"
	"github.com/cruciblehq/ross/internal/snapshot"
)

// State is a container's position in the lifecycle state machine (§4.6).
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config is the merged, runtime-facing process configuration for a
// container: the result of applying §4.4's entrypoint/cmd/env/user/cwd
// merge rules to an image config and the caller's overrides.
type Config struct {
	Image       string
	Hostname    string
	User        string // "uid[:gid]"; empty means 0:0
	Env         []string
	Cmd         []string
	Entrypoint  []string
	WorkingDir  string
	Labels      map[string]string
	TTY         bool
	OpenStdin   bool
}

// HostConfig carries host-side options that affect the runtime spec but
// are not part of the container's own process configuration.
type HostConfig struct {
	Binds          []string // "host:container[:options]"
	NetworkMode    string   // "host" selects host networking; anything else (including "") is a private netns
	Privileged     bool
	ReadonlyRootfs bool
	AutoRemove     bool
}

// CreateOpts is everything Create needs to prepare a bundle: the merged
// config, host options, and the mount specification the snapshotter
// returned for this container's rootfs.
type CreateOpts struct {
	// ID, when set, is used as the container id instead of generating a
	// new one. The container package sets this so the id is known before
	// Create runs, letting it derive a matching snapshot key up front.
	ID         string
	Name       string
	Config     Config
	HostConfig HostConfig
	Mounts     []snapshot.Mount
}

// Info is a container's externally-visible state, persisted to
// metadata.json and returned by Get/List.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      State
	Pid        int // 0 when not Running
	ExitCode   int
	HasExit    bool
	CreatedAt  clock.Timestamp
	StartedAt  clock.Timestamp
	FinishedAt clock.Timestamp
	BundlePath string
	RootfsPath string
}

// WaitResult is the outcome of a container process exiting.
type WaitResult struct {
	ExitCode int
	Err      string // non-empty on abnormal wait failures
}

// EventKind classifies an OutputEvent or InputEvent.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventExit
	EventStdin
	EventResize
)

// OutputEvent is one item on a container's output stream: stdout/stderr
// bytes, or a terminal Exit carrying the wait result.
type OutputEvent struct {
	Kind EventKind
	Data []byte
	Exit WaitResult
}

// InputEvent is one item sent to an interactive container: either bytes
// for stdin, or a terminal window-resize request.
type InputEvent struct {
	Kind   EventKind
	Data   []byte
	Width  uint16
	Height uint16
}

// LogEntry is one line of a container's recorded stdout/stderr, as
// returned by Logs.
type LogEntry struct {
	Timestamp clock.Timestamp
	Stream    string // "stdout" or "stderr"
	Data      []byte
}

// Stats is one cgroup-sourced sample, as returned by a single call to
// Shim.Stats while the container is running. Shim.Stats does not emit a
// periodic series, and it leaves NetRxBytes and NetTxBytes at zero.
type Stats struct {
	Timestamp   clock.Timestamp
	CPUUsageNs  uint64
	MemoryBytes uint64
	MemoryLimit uint64
	BlockRead   uint64
	BlockWrite  uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
}

// ExecResult is the outcome of a one-shot exec inside a running
// container's namespaces (§4.4's supplemented exec operation).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// record is the on-disk persisted form of a container, written to
// bundle/../metadata.json (one level above bundle/, at containers/<id>/).
type record struct {
	Info       Info
	Config     Config
	HostConfig HostConfig
}
