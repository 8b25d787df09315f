package image

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors returned by Service operations. Callers should use
// errors.Is against these, or the errdefs classification helpers for
// coarse-grained handling.
var (
	ErrImageNotFound    = errors.New("image not found")
	ErrInvalidReference = errors.New("invalid image reference")
	ErrPullFailed       = errors.New("pull failed")
	ErrPlatformMismatch = errors.New("no manifest for requested platform")
)

// classify wraps err with the errdefs category matching the sentinel it
// wraps, so transport-agnostic callers can branch on errdefs.Is* without
// knowing this package's own error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrImageNotFound):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case errors.Is(err, ErrInvalidReference), errors.Is(err, ErrPlatformMismatch):
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	default:
		return err
	}
}
