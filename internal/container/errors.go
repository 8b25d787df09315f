package container

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors for container-lifecycle operations, classified into
// errdefs categories for the boundary the RPC layer calls.
var (
	ErrImageNotFound    = errors.New("image not found")
	ErrInvalidReference = errors.New("invalid image reference")
	ErrTopLayerMissing  = errors.New("image top layer is not extracted")
	ErrInvalidSignal    = errors.New("invalid signal")
)

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrImageNotFound), errors.Is(err, ErrTopLayerMissing):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case errors.Is(err, ErrInvalidReference), errors.Is(err, ErrInvalidSignal):
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	default:
		return err
	}
}
