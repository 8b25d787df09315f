package snapshot

import "errors"

var (
	ErrAlreadyExists      = errors.New("snapshot already exists")
	ErrNotFound           = errors.New("snapshot not found")
	ErrParentNotFound     = errors.New("parent snapshot not found")
	ErrParentNotCommitted = errors.New("parent snapshot is not committed")
	ErrHasDependents      = errors.New("snapshot has dependent children")
	ErrCyclicParent       = errors.New("cyclic parent chain")
	ErrNotActive          = errors.New("snapshot is not active")
	ErrMaliciousArchive   = errors.New("archive entry escapes snapshot root")
)
