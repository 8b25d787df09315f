package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cruciblehq/ross/internal"
	"github.com/cruciblehq/ross/internal/container"
	"github.com/cruciblehq/ross/internal/image"
)

// Routes a command to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, cmd Command, payload json.RawMessage) {
	switch cmd {
	case CmdStatus:
		s.handleStatus(conn)
	case CmdShutdown:
		s.handleShutdown(conn)

	case CmdImagePull:
		s.handleImagePull(ctx, conn, payload)
	case CmdImageList:
		s.handleImageList(ctx, conn, payload)
	case CmdImageInspect:
		s.handleImageInspect(ctx, conn, payload)
	case CmdImageRemove:
		s.handleImageRemove(conn, payload)
	case CmdImageTag:
		s.handleImageTag(conn, payload)

	case CmdContainerCreate:
		s.handleContainerCreate(ctx, conn, payload)
	case CmdContainerStart:
		s.handleContainerStart(ctx, conn, payload)
	case CmdContainerStop:
		s.handleContainerStop(ctx, conn, payload)
	case CmdContainerRestart:
		s.handleContainerRestart(ctx, conn, payload)
	case CmdContainerPause:
		s.handleContainerPause(ctx, conn, payload)
	case CmdContainerUnpause:
		s.handleContainerUnpause(ctx, conn, payload)
	case CmdContainerKill:
		s.handleContainerKill(ctx, conn, payload)
	case CmdContainerRename:
		s.handleContainerRename(conn, payload)
	case CmdContainerRemove:
		s.handleContainerRemove(ctx, conn, payload)
	case CmdContainerInspect:
		s.handleContainerInspect(conn, payload)
	case CmdContainerList:
		s.handleContainerList(conn, payload)
	case CmdContainerWait:
		s.handleContainerWait(ctx, conn, payload)
	case CmdContainerLogs:
		s.handleContainerLogs(ctx, conn, payload)
	case CmdContainerStats:
		s.handleContainerStats(ctx, conn, payload)

	default:
		s.fail(conn, fmt.Errorf("unknown command: %s", cmd))
	}
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, CmdOK, &StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}

// Handles a pull, draining the puller's progress channel and logging each
// event server-side since this transport carries one response per request.
func (s *Server) handleImagePull(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ImagePullRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	events, err := s.puller.Pull(ctx, req.Reference)
	if err != nil {
		s.fail(conn, err)
		return
	}

	var pullErr string
	for ev := range events {
		slog.Info("pull progress", "reference", req.Reference, "id", ev.ID, "status", ev.Status)
		if ev.Error != "" {
			pullErr = ev.Error
		}
	}
	if pullErr != "" {
		s.fail(conn, fmt.Errorf("pull %s: %s", req.Reference, pullErr))
		return
	}

	s.respond(conn, CmdOK, &ImagePullResult{Reference: req.Reference})
}

func (s *Server) handleImageList(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ImageListRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	images, err := s.images.List(ctx, image.ListFilter{Repository: req.Repository})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, images)
}

func (s *Server) handleImageInspect(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ImageInspectRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	inspection, err := s.images.Inspect(ctx, req.Repository, req.Tag)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, inspection)
}

func (s *Server) handleImageRemove(conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ImageRemoveRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	result, err := s.images.Remove(req.Repository, req.Tag)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, result)
}

func (s *Server) handleImageTag(conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ImageTagRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	if err := s.images.Tag(req.Repository, req.Tag, req.SourceRepository, req.SourceTag); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerCreate(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerCreateRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	info, err := s.containers.Create(ctx, container.CreateParams{
		Name:  req.Name,
		Image: req.Image,
		Config: container.Config{
			Hostname:   req.Config.Hostname,
			User:       req.Config.User,
			Env:        req.Config.Env,
			Cmd:        req.Config.Cmd,
			Entrypoint: req.Config.Entrypoint,
			WorkingDir: req.Config.WorkingDir,
			Labels:     req.Config.Labels,
			TTY:        req.Config.TTY,
			OpenStdin:  req.Config.OpenStdin,
		},
		HostConfig: container.HostConfig{
			Binds:          req.HostConfig.Binds,
			NetworkMode:    req.HostConfig.NetworkMode,
			Privileged:     req.HostConfig.Privileged,
			ReadonlyRootfs: req.HostConfig.ReadonlyRootfs,
			AutoRemove:     req.HostConfig.AutoRemove,
		},
	})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, &ContainerCreateResult{ID: info.ID})
}

func (s *Server) handleContainerStart(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Start(ctx, req.ID); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerStop(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerStopRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Stop(ctx, req.ID, stopTimeout(req.TimeoutSeconds)); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerRestart(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerStopRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Restart(ctx, req.ID, stopTimeout(req.TimeoutSeconds)); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerPause(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Pause(ctx, req.ID); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerUnpause(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Unpause(ctx, req.ID); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerKill(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerKillRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Kill(ctx, req.ID, req.Signal); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerRename(conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerRenameRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.containers.Rename(req.ID, req.Name); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerRemove(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerRemoveRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	err = s.containers.Remove(ctx, req.ID, container.RemoveOpts{
		Force:         req.Force,
		RemoveVolumes: req.RemoveVolumes,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, nil)
}

func (s *Server) handleContainerInspect(conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	inspection, err := s.containers.Inspect(req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, inspection)
}

func (s *Server) handleContainerList(conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerListRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, s.containers.List(container.ListFilter{All: req.All}))
}

func (s *Server) handleContainerWait(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	result, err := s.containers.Wait(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, result)
}

func (s *Server) handleContainerLogs(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerLogsRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	entries, err := s.containers.Logs(ctx, req.ID, req.Tail)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, entries)
}

// handleContainerStats returns the single cgroup sample the underlying
// shim produces per call, as the one response to the request.
func (s *Server) handleContainerStats(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := DecodePayload[ContainerIDRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	stats, err := s.containers.Stats(ctx, req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, CmdOK, stats)
}

// stopTimeout converts a request's optional timeout, defaulting to 10
// seconds when the caller doesn't specify one (0 or negative).
func stopTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds) * time.Second
}
