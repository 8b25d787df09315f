package server

import (
	"encoding/json"
	"fmt"
)

// Command names one request/response exchange over the socket.
type Command string

const (
	CmdOK    Command = "ok"
	CmdError Command = "error"

	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"

	CmdImagePull    Command = "image.pull"
	CmdImageList    Command = "image.list"
	CmdImageInspect Command = "image.inspect"
	CmdImageRemove  Command = "image.remove"
	CmdImageTag     Command = "image.tag"

	CmdContainerCreate   Command = "container.create"
	CmdContainerStart    Command = "container.start"
	CmdContainerStop     Command = "container.stop"
	CmdContainerRestart  Command = "container.restart"
	CmdContainerPause    Command = "container.pause"
	CmdContainerUnpause  Command = "container.unpause"
	CmdContainerKill     Command = "container.kill"
	CmdContainerRename   Command = "container.rename"
	CmdContainerRemove   Command = "container.remove"
	CmdContainerInspect  Command = "container.inspect"
	CmdContainerList     Command = "container.list"
	CmdContainerWait     Command = "container.wait"
	CmdContainerLogs     Command = "container.logs"
	CmdContainerStats    Command = "container.stats"
)

// envelope is the on-wire message shape: a command name plus an
// opaque, command-specific payload.
type envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode splits a newline-delimited JSON line into its envelope and
// raw payload, ready for command-specific unmarshaling.
func Decode(line []byte) (Command, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", nil, fmt.Errorf("server: decode envelope: %w", err)
	}
	return env.Command, env.Payload, nil
}

// DecodePayload unmarshals a request's payload into T.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("server: decode payload: %w", err)
	}
	return v, nil
}

// Encode wraps a result under cmd (CmdOK or CmdError) into one wire line.
func Encode(cmd Command, result any) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("server: encode payload: %w", err)
	}
	return json.Marshal(envelope{Command: cmd, Payload: payload})
}

// ErrorResult carries a human-readable error message back to the caller.
type ErrorResult struct {
	Message string `json:"message"`
}

// StatusResult answers a status command.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
}

// ImagePullRequest names the reference to pull, e.g. "library/nginx:latest".
type ImagePullRequest struct {
	Reference string `json:"reference"`
}

// ImagePullResult is the terminal outcome of a pull; progress events are
// logged server-side rather than streamed, since this transport carries
// one response per request.
type ImagePullResult struct {
	Reference string `json:"reference"`
}

// ImageListRequest optionally narrows the listing to one repository.
type ImageListRequest struct {
	Repository string `json:"repository,omitempty"`
}

// ImageInspectRequest and ImageTagRequest identify images by repository:tag.
type ImageInspectRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

type ImageRemoveRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

type ImageTagRequest struct {
	Repository       string `json:"repository"`
	Tag              string `json:"tag"`
	SourceRepository string `json:"source_repository"`
	SourceTag        string `json:"source_tag"`
}

// ContainerConfig mirrors container.Config for wire transport.
type ContainerConfig struct {
	Hostname   string            `json:"hostname,omitempty"`
	User       string            `json:"user,omitempty"`
	Env        []string          `json:"env,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	TTY        bool              `json:"tty,omitempty"`
	OpenStdin  bool              `json:"open_stdin,omitempty"`
}

// ContainerHostConfig mirrors container.HostConfig for wire transport.
type ContainerHostConfig struct {
	Binds          []string `json:"binds,omitempty"`
	NetworkMode    string   `json:"network_mode,omitempty"`
	Privileged     bool     `json:"privileged,omitempty"`
	ReadonlyRootfs bool     `json:"readonly_rootfs,omitempty"`
	AutoRemove     bool     `json:"auto_remove,omitempty"`
}

type ContainerCreateRequest struct {
	Name       string              `json:"name,omitempty"`
	Image      string              `json:"image"`
	Config     ContainerConfig     `json:"config"`
	HostConfig ContainerHostConfig `json:"host_config"`
}

type ContainerCreateResult struct {
	ID string `json:"id"`
}

type ContainerIDRequest struct {
	ID string `json:"id"`
}

type ContainerStopRequest struct {
	ID             string `json:"id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ContainerKillRequest struct {
	ID     string `json:"id"`
	Signal string `json:"signal,omitempty"`
}

type ContainerRenameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ContainerRemoveRequest struct {
	ID            string `json:"id"`
	Force         bool   `json:"force,omitempty"`
	RemoveVolumes bool   `json:"remove_volumes,omitempty"`
}

type ContainerListRequest struct {
	All bool `json:"all,omitempty"`
}

type ContainerLogsRequest struct {
	ID   string `json:"id"`
	Tail int    `json:"tail,omitempty"`
}
