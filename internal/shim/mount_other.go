//go:build !linux

package shim

import (
	"fmt"

	"github.com/cruciblehq/ross/internal/snapshot"
)

func mountRootfs(mounts []snapshot.Mount, target string) error {
	return fmt.Errorf("%w: rootfs mounting is only supported on linux", ErrRuntime)
}

func unmountRootfs(target string) error {
	return fmt.Errorf("%w: rootfs unmounting is only supported on linux", ErrRuntime)
}
