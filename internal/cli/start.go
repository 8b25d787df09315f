package cli

import (
	"context"
	"log/slog"

	"github.com/cruciblehq/ross/internal/server"
)

// Represents the 'rossd start' command.
type StartCmd struct{}

// Executes the start command.
//
// Starts the Unix-socket server and blocks until the context is cancelled
// (e.g. via SIGINT or SIGTERM).
func (c *StartCmd) Run(ctx context.Context) error {
	srv, err := server.New(server.Config{
		SocketPath: RootCmd.Socket,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("rossd is running")

	<-ctx.Done()

	slog.Info("shutting down")
	return srv.Stop()
}
