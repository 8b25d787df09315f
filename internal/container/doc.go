// Package container implements the container lifecycle: create, start,
// stop, restart, pause/unpause, kill, rename, remove, inspect, list,
// wait, logs, stats, and the interactive run path. It orchestrates
// [github.com/cruciblehq/ross/internal/store] for image lookups,
// [github.com/cruciblehq/ross/internal/snapshot] for the container's
// rootfs, and [github.com/cruciblehq/ross/internal/shim] for the actual
// runtime.
//
// Create is the one operation with real logic: it resolves an image
// reference to a manifest and config, merges the image's process
// defaults with the caller's overrides, prepares a snapshot on top of
// the image's top layer, and hands the result to the shim. Every other
// operation is a thin orchestrator that validates the container's
// current state and delegates to the shim, additionally removing the
// container's snapshot on Remove.
package container
