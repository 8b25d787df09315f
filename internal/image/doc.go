// Package image implements the image pull pipeline and the image-level
// read/management operations (list, inspect, remove, tag) built on top of
// [github.com/cruciblehq/ross/internal/store] and
// [github.com/cruciblehq/ross/internal/registry].
//
// Pull resolves a reference against an upstream OCI Distribution v2
// registry, stores the manifest/config/layer blobs content-addressably,
// binds a repository tag to the resulting manifest digest, and extracts
// each layer into the snapshot tree bottom-up so a container can be
// created from the result immediately.
package image
