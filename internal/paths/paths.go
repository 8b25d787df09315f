package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "rossd"

	// defaultDataRoot is where blobs, manifests, tags, snapshots, and
	// container state live when no override is configured, per §6's
	// filesystem layout.
	defaultDataRoot = "/var/lib/ross"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/rossd or /run/user/<uid>/rossd
//	macOS:   ~/Library/Caches/rossd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
//
//	Linux:   $XDG_RUNTIME_DIR/rossd/rossd.sock
//	macOS:   ~/Library/Caches/rossd/run/rossd.sock
func Socket() string {
	return filepath.Join(Runtime(), "rossd.sock")
}

// Default path to the PID file.
//
//	Linux:   $XDG_RUNTIME_DIR/rossd/rossd.pid
//	macOS:   ~/Library/Caches/rossd/run/rossd.pid
func PIDFile() string {
	return filepath.Join(Runtime(), "rossd.pid")
}

// DataRoot is where the store, snapshotter, and shim persist their state
// (blobs/, manifests/, tags/, snapshots/, containers/), unless overridden
// by configuration.
func DataRoot() string {
	return defaultDataRoot
}
