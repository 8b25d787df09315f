//go:build !linux

package snapshot

import "errors"

// detectOverlaySupport always reports unsupported off Linux; the
// flat-rootfs backend (§4.3.5) is used instead.
func detectOverlaySupport(dir string) bool {
	return false
}

func markOpaque(dir string) error {
	return errOverlayUnsupported
}

func writeOverlayWhiteout(path string) error {
	return errOverlayUnsupported
}

var errOverlayUnsupported = errors.New("overlayfs not supported on this platform")
