//go:build linux

package shim

import "golang.org/x/sys/unix"

// enableSubreaper marks this process as a subreaper (PR_SET_CHILD_SUBREAPER)
// so container init processes started by `runc create`/`runc start` in
// detached mode, which reparent once runc's own process exits, land on us
// instead of on PID 1 — the same trick containerd-shim uses to be able to
// reap a detached container's real exit status.
func enableSubreaper() error {
	return unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
}

// reapExitCode blocks until pid exits and returns its exit status via
// wait4. ok is false if pid was never reparented to us (e.g. on a host
// without subreaper support), in which case the caller has no real exit
// code to report.
func reapExitCode(pid int) (code int, ok bool) {
	if pid <= 0 {
		return 0, false
	}
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false
		}
		return ws.ExitStatus(), true
	}
}
