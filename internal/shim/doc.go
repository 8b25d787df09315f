// Package shim drives a single low-level OCI runtime (runc) per container:
// it prepares the on-disk bundle (rootfs mount, generated config.json), and
// invokes runc to create, start, stop, and delete the container process,
// including PTY-backed interactive sessions over runc's console-socket
// protocol.
//
// The shim owns everything under <data-root>/containers/<id>/: the bundle
// directory runc reads from, and a metadata.json sidecar recording the
// container's lifecycle state. It knows nothing about images or snapshots;
// callers (internal/container) hand it a mount specification already
// produced by the snapshotter.
package shim
