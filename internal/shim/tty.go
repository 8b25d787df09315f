package shim

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// consoleListener binds a Unix socket at path for runc's --console-socket
// flag, accepting a single connection and receiving the PTY master fd runc
// sends over it via SCM_RIGHTS, per runc's console protocol.
type consoleListener struct {
	path     string
	listener *net.UnixListener
}

func newConsoleListener(path string) (*consoleListener, error) {
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve console socket: %v", ErrRuntime, err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind console socket: %v", ErrRuntime, err)
	}
	return &consoleListener{path: path, listener: l}, nil
}

func (c *consoleListener) Close() {
	c.listener.Close()
	os.Remove(c.path)
}

// acceptPTY accepts the single connection runc makes to deliver the PTY
// master fd, and returns it as an *os.File opened for both read and write.
func (c *consoleListener) acceptPTY() (*os.File, error) {
	conn, err := c.listener.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("%w: accept console socket: %v", ErrRuntime, err)
	}
	defer conn.Close()

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: console socket syscall conn: %v", ErrRuntime, err)
	}

	var fd int
	var recvErr error
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)

	ctrlErr := rawConn.Read(func(sockFd uintptr) bool {
		n, oobn, _, _, err := unix.Recvmsg(int(sockFd), buf, oob, 0)
		if err != nil {
			recvErr = err
			return true
		}
		if n == 0 && oobn == 0 {
			recvErr = fmt.Errorf("empty console socket message")
			return true
		}

		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			recvErr = err
			return true
		}
		for _, scm := range scms {
			fds, err := unix.ParseUnixRights(&scm)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				fd = fds[0]
				return true
			}
		}
		recvErr = fmt.Errorf("no file descriptor received from console socket")
		return true
	})
	if ctrlErr != nil {
		return nil, fmt.Errorf("%w: console socket read: %v", ErrRuntime, ctrlErr)
	}
	if recvErr != nil {
		return nil, fmt.Errorf("%w: receive PTY fd: %v", ErrRuntime, recvErr)
	}

	return os.NewFile(uintptr(fd), "pty-master"), nil
}

// resizePTY applies a window-size change to an open PTY master fd.
func resizePTY(pty *os.File, width, height uint16) error {
	ws := &unix.Winsize{Row: height, Col: width}
	return unix.IoctlSetWinsize(int(pty.Fd()), unix.TIOCSWINSZ, ws)
}

// setRawMode disables canonical line editing, signal generation and local
// echo on the PTY master, the cfmakeraw(3) transformation (the same one
// golang.org/x/term.MakeRaw applies). Without it the pty line discipline
// would double-process input the attached program already handles itself
// (echoing keystrokes back, intercepting Ctrl-C as a local signal, etc).
func setRawMode(pty *os.File) error {
	fd := int(pty.Fd())
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: get console termios: %v", ErrRuntime, err)
	}

	raw := *termios
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return fmt.Errorf("%w: set console termios: %v", ErrRuntime, err)
	}
	return nil
}

// pumpPTY runs the three-cooperating-goroutines model of run_interactive:
// one goroutine copies PTY output into out, one drains in and writes stdin
// bytes (and applies resizes) to the PTY, and the caller waits on the
// returned done channel, which closes once the PTY read side hits EOF
// (the container process exited and closed its end of the PTY). done does
// not track the input goroutine, which ends when in is closed or a PTY
// write fails.
func pumpPTY(pty *os.File, in <-chan InputEvent, out chan<- OutputEvent) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				out <- OutputEvent{Kind: EventStdout, Data: data}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for event := range in {
			switch event.Kind {
			case EventStdin:
				if _, err := pty.Write(event.Data); err != nil {
					return
				}
			case EventResize:
				_ = resizePTY(pty, event.Width, event.Height)
			}
		}
	}()

	return done
}
