package detector

import "errors"

// Sentinel errors for detector failures.
var (
	ErrDetectorFailure     = errors.New("detector failure")
	ErrNoContent           = errors.New("detector found no recognizable content")
	ErrDetectorUnreachable = errors.New("detector unreachable")
	ErrDetectorTimeout     = errors.New("detector timeout")
)
