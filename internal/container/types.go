package container

import "github.com/cruciblehq/ross/internal/shim"

// Config is the caller-supplied process configuration for a new
// container. Create merges it with the resolved image's own config:
// an empty Entrypoint, Cmd, WorkingDir, or User falls back to the
// image's; Env is appended after the image's own entries (§4.4's
// order-preserving, key-replacing env merge then applies on top).
type Config struct {
	Hostname   string
	User       string // "uid[:gid]"; empty defers to the image, then 0:0
	Env        []string
	Cmd        []string
	Entrypoint []string
	WorkingDir string
	Labels     map[string]string
	TTY        bool
	OpenStdin  bool
}

// HostConfig carries host-side options. Nothing about it is
// image-derived, so it's identical to the shim's own HostConfig.
type HostConfig = shim.HostConfig

// CreateParams is everything Create needs: a name, an image reference
// resolvable to a local tag or manifest digest, and the caller's
// config overrides.
type CreateParams struct {
	Name       string
	Image      string
	Config     Config
	HostConfig HostConfig
}

// Info is a container's externally visible state.
type Info = shim.Info

// Inspection is the detailed view Inspect returns: the container's
// state plus the merged configuration it was created with.
type Inspection struct {
	Info       Info
	Config     shim.Config
	HostConfig HostConfig
}

// ListFilter narrows List's results.
type ListFilter struct {
	All bool // include non-running containers; otherwise only Running ones
}

// RemoveOpts controls Remove's behavior. RemoveVolumes is accepted for
// interface parity with the boundary's remove(force, remove_volumes)
// signature but has no effect: no volume subsystem is implemented.
type RemoveOpts struct {
	Force         bool
	RemoveVolumes bool
}

type (
	WaitResult  = shim.WaitResult
	LogEntry    = shim.LogEntry
	Stats       = shim.Stats
	ExecResult  = shim.ExecResult
	OutputEvent = shim.OutputEvent
	InputEvent  = shim.InputEvent
)
