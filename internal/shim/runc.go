package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/moby/sys/signal"
)

// runcRoot is where runc keeps its own state (distinct from our bundle/
// metadata layout), namespaced per spec.md's data root.
const runcRoot = "runc"

// runc is a thin wrapper around the runc CLI binary, mirroring the
// tokio::process::Command invocations in runc_shim.rs's create/start/
// kill/delete/pause/resume methods rather than using a client library —
// the same command-line surface, one process per call.
type runc struct {
	root string // --root, state/log directory for this runc instance
}

func newRunc(stateRoot string) *runc {
	return &runc{root: stateRoot}
}

func (r *runc) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"--root", r.root}, args...)
	return exec.CommandContext(ctx, "runc", full...)
}

// create runs `runc create` against a prepared bundle, detached, with the
// console fd handed off over consoleSocket when tty is requested. When no
// console socket is used, the init process's stdio is wired straight to
// stdout/stderr so non-interactive output lands in the bundle's log files
// rather than being lost to the detached runc command.
func (r *runc) create(ctx context.Context, id, bundle, pidFile, consoleSocket string, stdout, stderr io.Writer) error {
	args := []string{"create", "--bundle", bundle, "--pid-file", pidFile}
	if consoleSocket != "" {
		args = append(args, "--console-socket", consoleSocket)
	}
	args = append(args, id)

	cmd := r.command(ctx, args...)
	var errBuf bytes.Buffer
	if consoleSocket == "" && stdout != nil && stderr != nil {
		cmd.Stdout = stdout
		cmd.Stderr = io.MultiWriter(stderr, &errBuf)
	} else {
		cmd.Stderr = &errBuf
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: runc create: %s", ErrRuntime, bytes.TrimSpace(errBuf.Bytes()))
	}
	return nil
}

// start runs `runc start`, moving a created container to running.
func (r *runc) start(ctx context.Context, id string) error {
	cmd := r.command(ctx, "start", id)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: runc start: %s", ErrRuntime, bytes.TrimSpace(out))
	}
	return nil
}

// runcState mirrors the subset of `runc state`'s JSON output this shim
// consumes.
type runcState struct {
	ID     string `json:"id"`
	Pid    int    `json:"pid"`
	Status string `json:"status"` // "created", "running", "stopped", "paused"
}

func (r *runc) state(ctx context.Context, id string) (*runcState, error) {
	cmd := r.command(ctx, "state", id)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: runc state: %v", ErrRuntime, err)
	}
	var st runcState
	if err := json.Unmarshal(out, &st); err != nil {
		return nil, fmt.Errorf("%w: runc state: decode: %v", ErrRuntime, err)
	}
	return &st, nil
}

// kill sends sig (a name like "TERM" or "KILL") to the container's init
// process via `runc kill`.
func (r *runc) kill(ctx context.Context, id, sig string) error {
	resolved, ok := signal.SignalMap[sig]
	if !ok {
		return fmt.Errorf("%w: unknown signal %q", ErrRuntime, sig)
	}
	cmd := r.command(ctx, "kill", id, strconv.Itoa(int(resolved)))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: runc kill: %s", ErrRuntime, bytes.TrimSpace(out))
	}
	return nil
}

// delete removes a stopped container's runc state. force also kills a
// still-running container first, matching `runc delete --force`.
func (r *runc) delete(ctx context.Context, id string, force bool) error {
	args := []string{"delete"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)

	cmd := r.command(ctx, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: runc delete: %s", ErrRuntime, bytes.TrimSpace(out))
	}
	return nil
}

func (r *runc) pause(ctx context.Context, id string) error {
	cmd := r.command(ctx, "pause", id)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: runc pause: %s", ErrRuntime, bytes.TrimSpace(out))
	}
	return nil
}

func (r *runc) resume(ctx context.Context, id string) error {
	cmd := r.command(ctx, "resume", id)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: runc resume: %s", ErrRuntime, bytes.TrimSpace(out))
	}
	return nil
}

// exec runs a one-shot process inside a running container's namespaces
// via `runc exec`, capturing output for the supplemented exec operation
// (§4.4).
func (r *runc) exec(ctx context.Context, id string, args []string, env []string) (*ExecResult, error) {
	full := []string{"exec", "--cwd", "/"}
	for _, e := range env {
		full = append(full, "--env", e)
	}
	full = append(full, id)
	full = append(full, args...)

	cmd := r.command(ctx, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("%w: runc exec: %v", ErrRuntime, err)
}
