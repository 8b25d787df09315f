package store

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors returned by Store operations. Callers should use
// errors.Is against these, or the errdefs classification helpers for
// coarse-grained handling.
var (
	ErrBlobNotFound     = errors.New("blob not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrTagNotFound      = errors.New("tag not found")
	ErrDigestMismatch   = errors.New("digest mismatch")
	ErrInvalidRange     = errors.New("invalid range")
	ErrInvalidDigest    = errors.New("invalid digest")
)

// classify wraps err with the errdefs category matching the sentinel it
// wraps, so transport-agnostic callers can branch on errdefs.Is* without
// knowing the store's own error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBlobNotFound), errors.Is(err, ErrManifestNotFound), errors.Is(err, ErrTagNotFound):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case errors.Is(err, ErrDigestMismatch), errors.Is(err, ErrInvalidDigest):
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	case errors.Is(err, ErrInvalidRange):
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	default:
		return err
	}
}
