//go:build linux

package shim

import (
	"fmt"
	"strings"

	"github.com/cruciblehq/ross/internal/snapshot"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// mountRootfs applies the snapshotter's mount specification to target,
// mirroring runc_shim.rs's mount_rootfs: only the first (and, for overlay,
// only) entry in mounts is used.
func mountRootfs(mounts []snapshot.Mount, target string) error {
	if len(mounts) == 0 {
		return fmt.Errorf("%w: no mounts provided", ErrRuntime)
	}
	m := mounts[0]
	if m.Type == "bind" {
		return mountBind(m, target)
	}
	flags, data := parseMountOptions(m.Options)
	if err := unix.Mount(m.Source, target, m.Type, flags, data); err != nil {
		return fmt.Errorf("%w: mount rootfs: %w", ErrRuntime, err)
	}
	return nil
}

// mountBind applies a bind mount, matching mount_bind's two-step dance: a
// plain bind mount ignores MS_RDONLY on the initial call (the kernel
// requires a separate MS_REMOUNT pass to make a bind mount read-only), so
// "ro" is deferred to a remount once the bind itself is in place.
func mountBind(m snapshot.Mount, target string) error {
	flags, readonly := bindMountFlags(m.Options)

	if err := unix.Mount(m.Source, target, "", flags, ""); err != nil {
		return fmt.Errorf("%w: bind mount rootfs: %w", ErrRuntime, err)
	}

	if readonly {
		remountFlags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY
		if flags&unix.MS_REC != 0 {
			remountFlags |= unix.MS_REC
		}
		if err := unix.Mount("", target, "", uintptr(remountFlags), ""); err != nil {
			return fmt.Errorf("%w: remount rootfs read-only: %v", ErrRuntime, err)
		}
	}

	return nil
}

// bindMountFlags translates a bind mount's option list into the MS_BIND
// family of flags: "rbind" pulls in MS_REC, "ro" is reported separately
// since it can't be set on the initial bind call and instead drives a
// follow-up MS_REMOUNT.
func bindMountFlags(options []string) (flags uintptr, readonly bool) {
	flags = unix.MS_BIND
	for _, o := range options {
		switch o {
		case "rbind":
			flags |= unix.MS_REC
		case "ro":
			readonly = true
		case "rw":
			// default; nothing to set
		}
	}
	return flags, readonly
}

// unmountRootfs lazily detaches target, then confirms via /proc/self/mountinfo
// that it actually came loose — MNT_DETACH succeeds even while the mount is
// still busy underneath a lingering process, so remove's teardown needs the
// separate check rather than trusting the syscall's return alone.
func unmountRootfs(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && err != unix.EINVAL {
		return fmt.Errorf("%w: unmount rootfs: %v", ErrRuntime, err)
	}
	if mounted, err := mountinfo.Mounted(target); err == nil && mounted {
		return fmt.Errorf("%w: %s is still mounted after detach", ErrRuntime, target)
	}
	return nil
}

// parseMountOptions splits a mount option list into the subset the kernel
// recognizes as numeric flags (only "ro" here, since overlay's own
// lowerdir/upperdir/workdir options must remain in the data string) and a
// comma-joined data string, matching how overlay mounts are specified.
func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var data []string
	for _, o := range options {
		if o == "ro" {
			flags |= unix.MS_RDONLY
			continue
		}
		data = append(data, o)
	}
	return flags, strings.Join(data, ",")
}
