package deployer

import (
	"errors"
	"fmt"
	"time"
)

const (
	ExitHealthy  = 0
	ExitFailed   = 1
	ExitTimedOut = 2
)

// MissingRequiredFileError aborts the pipeline before anything external runs.
type MissingRequiredFileError struct {
	Path string
	Err  error
}

func (e *MissingRequiredFileError) Error() string {
	return fmt.Sprintf("required file %s is missing", e.Path)
}

func (e *MissingRequiredFileError) Unwrap() error {
	return e.Err
}

// BuildFailedError carries the builder output. ExitCode is -1 when the builder
// could not be run at all.
type BuildFailedError struct {
	Tag      string
	ExitCode int
	Log      string
	Err      error
}

func (e *BuildFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build of %s failed: %s", e.Tag, e.Err)
	}
	return fmt.Sprintf("build of %s failed with exit code %d", e.Tag, e.ExitCode)
}

func (e *BuildFailedError) Unwrap() error {
	return e.Err
}

type LaunchFailedError struct {
	Name   string
	Reason string
	Err    error
}

func (e *LaunchFailedError) Error() string {
	return fmt.Sprintf("launch of %s failed: %s", e.Name, e.Reason)
}

func (e *LaunchFailedError) Unwrap() error {
	return e.Err
}

// HealthCheckTimeoutError is terminal but leaves the instance running.
type HealthCheckTimeoutError struct {
	Instance     string
	Endpoint     string
	AttemptsMade int
	Elapsed      time.Duration
	LastErr      error
}

func (e *HealthCheckTimeoutError) Error() string {
	subject := e.Instance
	if subject == "" {
		subject = "instance"
	}
	return fmt.Sprintf(
		"%s did not become healthy at %s after %d attempts (%s)",
		subject, e.Endpoint, e.AttemptsMade, e.Elapsed.Round(time.Millisecond),
	)
}

func (e *HealthCheckTimeoutError) Unwrap() error {
	return e.LastErr
}

// ExitCode maps a Run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitHealthy
	}
	var timeoutErr *HealthCheckTimeoutError
	if errors.As(err, &timeoutErr) {
		return ExitTimedOut
	}
	return ExitFailed
}

// Hint returns an operator-facing next step for err, or "" if there is none.
func Hint(err error) string {
	var (
		missingErr *MissingRequiredFileError
		buildErr   *BuildFailedError
		launchErr  *LaunchFailedError
		timeoutErr *HealthCheckTimeoutError
	)

	switch {
	case errors.As(err, &missingErr):
		return fmt.Sprintf("make sure %s exists, nothing was built or started", missingErr.Path)
	case errors.As(err, &buildErr):
		return "the builder output above shows why the image could not be built"
	case errors.As(err, &launchErr):
		return fmt.Sprintf("check the container runtime, then inspect with `docker ps -a --filter name=%s`", launchErr.Name)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf(
			"the container was left running, check instance logs with `deployer logs` or `docker logs %s`, remove it with `deployer remove`",
			timeoutErr.Instance,
		)
	default:
		return ""
	}
}
