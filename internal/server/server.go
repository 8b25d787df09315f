package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cruciblehq/ross/internal/container"
	"github.com/cruciblehq/ross/internal/image"
	"github.com/cruciblehq/ross/internal/paths"
	"github.com/cruciblehq/ross/internal/registry"
	"github.com/cruciblehq/ross/internal/shim"
	"github.com/cruciblehq/ross/internal/snapshot"
	"github.com/cruciblehq/ross/internal/store"
)

// ErrServer wraps setup and I/O failures that occur outside of any single
// command's handler.
var ErrServer = errors.New("server error")

const (
	// Group name used to grant socket access. Members of this group can
	// connect to the daemon socket without owning the process.
	socketGroup = "ross"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// defaultMaxConcurrentDownloads bounds the pull pipeline's layer
	// fetch concurrency when Config doesn't override it.
	defaultMaxConcurrentDownloads = 3
)

// Holds server configuration.
type Config struct {
	SocketPath string // Override for the Unix socket path. Empty uses the default.
	DataRoot   string // Override for the on-disk data root. Empty uses [paths.DataRoot].
}

// Server listens on a Unix domain socket and dispatches newline-delimited
// JSON commands to the runtime-core services beneath it.
type Server struct {
	socketPath string
	listener   net.Listener
	startedAt  time.Time
	done       chan struct{}

	store      *store.Store
	snap       *snapshot.Snapshotter
	shim       *shim.Shim
	registry   *registry.Client
	puller     *image.Puller
	images     *image.Service
	containers *container.Service
}

// Creates a new server instance, wiring the store, snapshotter, shim,
// registry client, and the image and container services on top of them.
// The socket is not opened until [Start] is called.
func New(cfg Config) (*Server, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}

	dataRoot := cfg.DataRoot
	if dataRoot == "" {
		dataRoot = paths.DataRoot()
	}

	st, err := store.New(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: open store: %w", ErrServer, err)
	}
	snap, err := snapshot.New(filepath.Join(dataRoot, "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("%w: open snapshotter: %w", ErrServer, err)
	}
	sh, err := shim.New(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: open shim: %w", ErrServer, err)
	}

	reg := registry.NewClient(func(string) registry.Credentials { return registry.Credentials{} })
	puller := image.NewPuller(st, reg, snap, defaultMaxConcurrentDownloads)

	return &Server{
		socketPath: socketPath,
		done:       make(chan struct{}),
		store:      st,
		snap:       snap,
		shim:       sh,
		registry:   reg,
		puller:     puller,
		images:     image.NewService(st),
		containers: container.NewService(st, snap, sh),
	}, nil
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("server listening on socket", "path", s.socketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. The daemon does not run as
// root; any user in the ross group can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	if g, err := user.LookupGroup(socketGroup); err == nil {
		if gid, err := strconv.Atoi(g.Gid); err == nil {
			if err := os.Chown(socketPath, -1, gid); err != nil {
				slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
			}
		}
	} else {
		slog.Warn("socket group not found, socket accessible to owner only", "group", socketGroup)
	}

	return nil
}

// Shuts down the server and cleans up resources.
func (s *Server) Stop() error {
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}

	if s.listener != nil {
		s.listener.Close()
	}

	os.Remove(s.socketPath)
	os.Remove(paths.PIDFile())

	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	cmd, payload, err := Decode(line)
	if err != nil {
		s.respond(conn, CmdError, &ErrorResult{Message: err.Error()})
		return
	}

	slog.Info("command received", "command", cmd)

	ctx, cancel := contextWithDisconnect(context.Background(), reader)
	defer cancel()

	s.dispatch(ctx, conn, cmd, payload)
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd Command, payload any) {
	data, err := Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

// fail is a shorthand for responding with a handler's error.
func (s *Server) fail(conn net.Conn, err error) {
	s.respond(conn, CmdError, &ErrorResult{Message: err.Error()})
}

// Writes the daemon PID to the PID file so the CLI can detect whether the
// daemon is already running and send it signals.
func writePID() error {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(paths.PIDFile(), []byte(fmt.Sprintf("%d", os.Getpid())), paths.DefaultFileMode)
}

// Returns a derived context that is cancelled when the remote end of the
// connection closes.
//
// Detection works by reading from r in a background goroutine. The read blocks
// until the peer closes the connection, at which point it returns an error and
// the derived context is cancelled. The caller must ensure that no further data
// is expected on r for the lifetime of the returned context. If data arrives
// unexpectedly, it will be discarded and the context will be cancelled
// prematurely. The returned [context.CancelFunc] must always be called to
// release resources, even if the connection closes on its own.
func contextWithDisconnect(parent context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		buf := make([]byte, 1)
		r.Read(buf)
		cancel()
	}()

	return ctx, cancel
}
