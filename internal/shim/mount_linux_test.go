//go:build linux

package shim

import (
	"errors"
	"testing"

	"github.com/cruciblehq/ross/internal/snapshot"
	"golang.org/x/sys/unix"
)

func TestBindMountFlagsRBind(t *testing.T) {
	flags, readonly := bindMountFlags([]string{"rw", "rbind"})
	if flags&unix.MS_BIND == 0 {
		t.Errorf("flags = %#x, want MS_BIND set", flags)
	}
	if flags&unix.MS_REC == 0 {
		t.Errorf("flags = %#x, want MS_REC set for rbind", flags)
	}
	if readonly {
		t.Errorf("readonly = true, want false for rw option")
	}
}

func TestBindMountFlagsReadOnly(t *testing.T) {
	flags, readonly := bindMountFlags([]string{"ro", "rbind"})
	if flags&unix.MS_BIND == 0 {
		t.Errorf("flags = %#x, want MS_BIND set", flags)
	}
	if !readonly {
		t.Errorf("readonly = false, want true for ro option")
	}
}

// TestMountRootfsDispatchesBindType drives mountRootfs with a bind spec
// against a target that cannot exist, so the call fails on target
// resolution (ENOENT) rather than on an unknown fstype (ENODEV). Before
// the fix, mountRootfs passed Type straight through to unix.Mount as the
// filesystem name and this spec produced ENODEV regardless of target;
// the assertion below is really about *why* the mount failed, not that
// it failed.
func TestMountRootfsDispatchesBindType(t *testing.T) {
	err := mountRootfs([]snapshot.Mount{{
		Type:    "bind",
		Source:  t.TempDir(),
		Options: []string{"rw", "rbind"},
	}}, "/nonexistent/path/for/ross-mount-test")
	if err == nil {
		t.Fatal("mountRootfs on a nonexistent target: want error, got nil")
	}
	if errno, ok := rootErrno(err); ok && errno == unix.ENODEV {
		t.Errorf("mountRootfs returned ENODEV, want a target-resolution error: %v", err)
	}
}

func rootErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
