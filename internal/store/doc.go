// Package store implements a content-addressable filesystem store for
// blobs, manifests, and the mutable tags that point at them.
//
// A [Store] is rooted at a single directory and lays out content exactly
// as described by the runtime's external filesystem contract:
//
//	blobs/<algo>/<hex>              blob contents
//	blobs/<algo>/<hex>.meta         sidecar metadata
//	manifests/<algo>/<hex>(+.meta)  manifests
//	tags/<repo-path>/<tag>          tag pointer
//
// Blob and manifest content writes are atomic: content is written to a
// temporary file under the store root, fsynced, then renamed into place.
// Two writers racing to store identical content race harmlessly to the
// same destination name. Tag pointers and .meta sidecars are written
// directly, not through a temporary file.
//
//	s, err := store.New("/var/lib/ross")
//	digest, size, err := s.PutBlob(ctx, "application/octet-stream", r, "")
package store
