package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/ross/internal/registry"
	"github.com/cruciblehq/ross/internal/shim"
	"github.com/cruciblehq/ross/internal/snapshot"
	"github.com/cruciblehq/ross/internal/store"
)

// Service orchestrates container lifecycle operations across the
// content store, the snapshotter, and the shim, grounded in
// service.rs's ContainerService.
type Service struct {
	store *store.Store
	snap  *snapshot.Snapshotter
	shim  *shim.Shim
}

// NewService returns a Service backed by st, snap, and sh.
func NewService(st *store.Store, snap *snapshot.Snapshotter, sh *shim.Shim) *Service {
	return &Service{store: st, snap: snap, shim: sh}
}

func snapshotKey(id string) string { return "container-" + id }

// Create resolves image to a manifest already present in the store,
// merges its process configuration with params.Config, prepares a
// snapshot on top of the image's top layer, and creates the container
// via the shim. Per service.rs's create: the top layer is the last
// element of the manifest's layer list.
func (s *Service) Create(ctx context.Context, params CreateParams) (Info, error) {
	manifest, imageCfg, err := s.resolveImage(ctx, params.Image)
	if err != nil {
		return Info{}, err
	}
	if len(manifest.Layers) == 0 {
		return Info{}, classify(fmt.Errorf("%w: %s has no layers", ErrTopLayerMissing, params.Image))
	}
	topLayer := manifest.Layers[len(manifest.Layers)-1].Digest.String()
	if _, err := s.snap.Stat(topLayer); err != nil {
		return Info{}, classify(fmt.Errorf("%w: %s", ErrTopLayerMissing, topLayer))
	}

	id := uuid.NewString()
	key := snapshotKey(id)
	mounts, err := s.snap.Prepare(key, topLayer, map[string]string{
		"container": "true",
		"image":     params.Image,
	})
	if err != nil {
		return Info{}, fmt.Errorf("container: prepare snapshot: %w", err)
	}

	cfg := mergeConfig(imageCfg.Config, params.Config)
	cfg.Image = params.Image

	info, err := s.shim.Create(ctx, shim.CreateOpts{
		ID:         id,
		Name:       params.Name,
		Config:     cfg,
		HostConfig: params.HostConfig,
		Mounts:     mounts,
	})
	if err != nil {
		_ = s.snap.Remove(key)
		return Info{}, err
	}
	return info, nil
}

// mergeConfig applies §4.4's merge rules: an empty user field defers to
// the image's, and env is the image's entries followed by the user's
// (mergeEnv's order-preserving, key-replacing pass runs downstream in
// the shim when the runtime spec is generated).
func mergeConfig(image ocispec.ImageConfig, user Config) shim.Config {
	entrypoint := user.Entrypoint
	if len(entrypoint) == 0 {
		entrypoint = image.Entrypoint
	}
	cmd := user.Cmd
	if len(cmd) == 0 {
		cmd = image.Cmd
	}
	workingDir := user.WorkingDir
	if workingDir == "" {
		workingDir = image.WorkingDir
	}
	userSpec := user.User
	if userSpec == "" {
		userSpec = image.User
	}

	env := make([]string, 0, len(image.Env)+len(user.Env))
	env = append(env, image.Env...)
	env = append(env, user.Env...)

	labels := user.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	return shim.Config{
		Hostname:   user.Hostname,
		User:       userSpec,
		Env:        env,
		Cmd:        cmd,
		Entrypoint: entrypoint,
		WorkingDir: workingDir,
		Labels:     labels,
		TTY:        user.TTY,
		OpenStdin:  user.OpenStdin,
	}
}

// resolveImage parses image as a local reference (repository:tag or
// repository@digest), resolves it to a manifest, and fetches both the
// manifest and the image config it describes.
func (s *Service) resolveImage(ctx context.Context, image string) (ocispec.Manifest, ocispec.Image, error) {
	ref, err := registry.ParseReference(image)
	if err != nil {
		return ocispec.Manifest{}, ocispec.Image{}, classify(fmt.Errorf("%w: %w", ErrInvalidReference, err))
	}

	var manifestDigest digest.Digest
	if ref.Digest != "" {
		manifestDigest = ref.Digest
	} else {
		d, _, err := s.store.ResolveTag(ref.Repository, ref.Tag)
		if err != nil {
			return ocispec.Manifest{}, ocispec.Image{}, classify(fmt.Errorf("%w: %s", ErrImageNotFound, image))
		}
		manifestDigest = d
	}

	manifestBytes, _, err := s.store.GetManifest(ctx, manifestDigest)
	if err != nil {
		return ocispec.Manifest{}, ocispec.Image{}, classify(fmt.Errorf("%w: %s", ErrImageNotFound, image))
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return ocispec.Manifest{}, ocispec.Image{}, fmt.Errorf("container: decode manifest: %w", err)
	}

	configBytes, err := s.store.GetBlob(ctx, manifest.Config.Digest, 0, -1)
	if err != nil {
		return manifest, ocispec.Image{}, fmt.Errorf("container: read image config: %w", err)
	}
	var imageCfg ocispec.Image
	if err := json.Unmarshal(configBytes, &imageCfg); err != nil {
		return manifest, ocispec.Image{}, fmt.Errorf("container: decode image config: %w", err)
	}
	return manifest, imageCfg, nil
}

// Start transitions a Created container to Running.
func (s *Service) Start(ctx context.Context, id string) error {
	return s.shim.Start(ctx, id)
}

// Stop sends SIGTERM then, after timeout, SIGKILL.
func (s *Service) Stop(ctx context.Context, id string, timeout time.Duration) error {
	return s.shim.Stop(ctx, id, timeout)
}

// Restart stops then starts a container. A container that is already
// stopped is left as-is rather than treated as an error.
func (s *Service) Restart(ctx context.Context, id string, timeout time.Duration) error {
	if err := s.shim.Stop(ctx, id, timeout); err != nil && !errors.Is(err, shim.ErrInvalidState) {
		return err
	}
	return s.shim.Start(ctx, id)
}

// Pause freezes a running container's cgroup.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.shim.Pause(ctx, id)
}

// Unpause thaws a paused container.
func (s *Service) Unpause(ctx context.Context, id string) error {
	return s.shim.Resume(ctx, id)
}

// Kill sends signal (a name like "KILL"/"SIGKILL", or a number) to the
// container's init process.
func (s *Service) Kill(ctx context.Context, id, signal string) error {
	sig, err := parseSignal(signal)
	if err != nil {
		return classify(err)
	}
	return s.shim.Kill(ctx, id, sig)
}

// Rename updates a container's display name.
func (s *Service) Rename(id, name string) error {
	return s.shim.Rename(id, name)
}

// Remove deletes a container's runc state and bundle, and its snapshot.
// RemoveVolumes is accepted but unused; see [RemoveOpts].
func (s *Service) Remove(ctx context.Context, id string, opts RemoveOpts) error {
	if err := s.shim.Delete(ctx, id, opts.Force); err != nil {
		return err
	}
	if err := s.snap.Remove(snapshotKey(id)); err != nil {
		return fmt.Errorf("container: remove snapshot: %w", err)
	}
	return nil
}

// Inspect returns the detailed view of a container's current state and
// the configuration it was created with.
func (s *Service) Inspect(id string) (Inspection, error) {
	info, err := s.shim.Get(id)
	if err != nil {
		return Inspection{}, err
	}
	cfg, hostCfg, err := s.shim.GetConfig(id)
	if err != nil {
		return Inspection{}, err
	}
	return Inspection{Info: info, Config: cfg, HostConfig: hostCfg}, nil
}

// List enumerates containers, restricted to Running ones unless
// filter.All is set.
func (s *Service) List(filter ListFilter) []Info {
	all := s.shim.List()
	if filter.All {
		return all
	}
	running := make([]Info, 0, len(all))
	for _, info := range all {
		if info.State == shim.StateRunning {
			running = append(running, info)
		}
	}
	return running
}

// Wait blocks until the container's init process exits.
func (s *Service) Wait(ctx context.Context, id string) (WaitResult, error) {
	return s.shim.Wait(ctx, id)
}

// Logs returns the container's recorded stdout/stderr, tailing the
// last `tail` lines of each when tail > 0.
func (s *Service) Logs(ctx context.Context, id string, tail int) ([]LogEntry, error) {
	return s.shim.Logs(ctx, id, tail)
}

// Stats returns one cgroup-sourced resource usage sample.
func (s *Service) Stats(ctx context.Context, id string) (Stats, error) {
	return s.shim.Stats(ctx, id)
}

// Exec runs a one-shot process inside a running container's
// namespaces (§4.4's supplemented exec operation).
func (s *Service) Exec(ctx context.Context, id string, args, env []string) (ExecResult, error) {
	return s.shim.Exec(ctx, id, args, env)
}

// RunInteractive creates and starts a container with a PTY attached,
// streaming its output to out and applying input/resize events read
// from in until it exits. On any error before the container starts
// running, the partially-created container and its snapshot are
// cleaned up.
func (s *Service) RunInteractive(ctx context.Context, params CreateParams, in <-chan InputEvent, out chan<- OutputEvent) error {
	params.Config.TTY = true
	info, err := s.Create(ctx, params)
	if err != nil {
		return err
	}

	if err := s.shim.RunInteractive(ctx, info.ID, in, out); err != nil {
		_ = s.shim.Delete(ctx, info.ID, true)
		_ = s.snap.Remove(snapshotKey(info.ID))
		return err
	}
	return nil
}

// parseSignal normalizes a signal name or number into the bare,
// upper-case form the shim's runc wrapper expects ("TERM", "KILL", …),
// grounded in the original's parse_signal table.
func parseSignal(sig string) (string, error) {
	if sig == "" {
		return "TERM", nil
	}
	normalized := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(sig), "SIG"))
	switch normalized {
	case "KILL", "9":
		return "KILL", nil
	case "TERM", "15":
		return "TERM", nil
	case "INT", "2":
		return "INT", nil
	case "HUP", "1":
		return "HUP", nil
	case "QUIT", "3":
		return "QUIT", nil
	case "USR1", "10":
		return "USR1", nil
	case "USR2", "12":
		return "USR2", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSignal, sig)
	}
}
