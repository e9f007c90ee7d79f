package sandbox

import "errors"

var (
	// ErrImageRequired is returned when a start request has no image
	ErrImageRequired = errors.New("docker image is required")

	// ErrStartFailed is returned when the container could not be created
	ErrStartFailed = errors.New("failed to start sandbox container")

	// ErrWaitTimeout is returned when the container outlives the session timeout
	ErrWaitTimeout = errors.New("sandbox wait timed out")
)
