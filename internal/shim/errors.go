package shim

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors for shim operations, classified into errdefs categories
// per spec.md §7.
var (
	ErrContainerNotFound      = errors.New("container not found")
	ErrContainerAlreadyExists = errors.New("container already exists")
	ErrInvalidState           = errors.New("invalid container state for operation")
	ErrContainerRunning       = errors.New("container is running")
	ErrRuntime                = errors.New("low-level runtime error")
)

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContainerNotFound):
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err)
	case errors.Is(err, ErrContainerAlreadyExists):
		return fmt.Errorf("%w: %w", errdefs.ErrAlreadyExists, err)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrContainerRunning):
		return fmt.Errorf("%w: %w", errdefs.ErrFailedPrecondition, err)
	default:
		return err
	}
}
