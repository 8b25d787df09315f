package registry

import "errors"

// Sentinel errors for registry interactions. RegistryError is the
// catch-all for retryable server-side failures (5xx, network errors)
// that exhausted their retry budget.
var (
	ErrManifestNotFound    = errors.New("manifest not found")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrAuthFailed          = errors.New("registry authentication failed")
	ErrPlatformUnavailable = errors.New("no manifest for requested platform")
	ErrRegistry            = errors.New("registry error")
	ErrInvalidReference    = errors.New("invalid image reference")
)
