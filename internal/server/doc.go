// Package server implements the ross daemon's RPC boundary.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from a ross client. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection.
//
// Supported commands cover image pull/list/inspect/remove/tag and the
// container lifecycle (create/start/stop/restart/pause/unpause/kill/
// rename/remove/inspect/list/wait/logs/stats), plus status and shutdown.
// Handlers are thin: each decodes a request, calls exactly one method on
// the internal/image or internal/container service, and encodes the
// result or error. Operations that are naturally streaming upstream
// (pull progress, stats samples) are collapsed to a single terminal
// response here, since this transport carries one reply per request.
//
// Example usage:
//
//	srv, err := server.New(server.Config{})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
