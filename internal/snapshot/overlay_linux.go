//go:build linux

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// detectOverlaySupport probes for overlayfs by performing an actual test
// mount under dir, rather than trusting /proc/filesystems (which can list
// "overlay" as a compiled-in module without the combination of options we
// need actually working, e.g. inside some container runtimes).
func detectOverlaySupport(dir string) bool {
	td, err := os.MkdirTemp(dir, ".overlay-check-")
	if err != nil {
		return false
	}
	defer os.RemoveAll(td)

	lower, upper, work, merged := filepath.Join(td, "lower"), filepath.Join(td, "upper"), filepath.Join(td, "work"), filepath.Join(td, "merged")
	for _, d := range []string{lower, upper, work, merged} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return false
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return false
	}
	_ = unix.Unmount(merged, 0)
	return true
}

// overlayOpaqueXattr names the xattr overlayfs consults to hide a lower
// directory's entries: "trusted.*" when running with CAP_SYS_ADMIN over
// the full namespace, "user.*" under an unprivileged (rootless) mount.
// Root privilege detection here is approximate: try trusted first, fall
// back to user on EPERM.
func overlayOpaqueXattr() string {
	return "trusted.overlay.opaque"
}

// markOpaque sets the overlay opaque xattr on dir so the kernel hides
// same-named entries from lower (parent) layers at mount time.
func markOpaque(dir string) error {
	err := unix.Setxattr(dir, overlayOpaqueXattr(), []byte("y"), 0)
	if err == unix.EPERM || err == unix.ENOTSUP {
		err = unix.Setxattr(dir, "user.overlay.opaque", []byte("y"), 0)
	}
	return err
}

// writeOverlayWhiteout replaces path with overlayfs's native whiteout
// representation: a character device with major/minor 0/0.
func writeOverlayWhiteout(path string) error {
	if err := unix.Mknod(path, unix.S_IFCHR|0o000, 0); err != nil {
		return fmt.Errorf("mknod whiteout %s: %w", path, err)
	}
	return nil
}
