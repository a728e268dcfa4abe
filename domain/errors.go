package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyActive is returned when a target already has a non-terminal deployment
	ErrAlreadyActive = errors.New("there is already a running deployment")
	// ErrNotFound is returned when no deployment or target exists for a key
	ErrNotFound = errors.New("deployment not found")
	// ErrUnknownTarget is returned for target keys without a configured profile
	ErrUnknownTarget = errors.New("unknown deployment target")
	// ErrAlreadyRunning is returned when a provisioning process is already attached
	ErrAlreadyRunning = errors.New("provisioning run is already running")
	// ErrInvalidTag is returned for tags outside the known scopes
	ErrInvalidTag = errors.New("invalid deployment tag")
	// ErrArgNotAllowed is returned for extra args missing from the allow-list
	ErrArgNotAllowed = errors.New("argument not allowed")
	// ErrDuplicateArg is returned when an extra arg is given twice
	ErrDuplicateArg = errors.New("duplicate argument")
	// ErrForceNotAllowed is returned when a non-super user requests a forced run
	ErrForceNotAllowed = errors.New("not allowed to force deploy")
	// ErrStillRunning is returned when clearing a deployment that is changing the environment
	ErrStillRunning = errors.New("deployment is still running")
)

// TransitionError signals an invalid state change. It is a programming
// defect in the calling sequence and must not be retried.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change state from %q to %q", e.From, e.To)
}

// CheckFailedError carries the checks that completed without success
type CheckFailedError struct {
	Failed []CheckResult
}

func (e *CheckFailedError) Error() string {
	names := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		names[i] = c.Repository + ": " + c.CheckName
	}
	return fmt.Sprintf("checks have failed: %s", strings.Join(names, ", "))
}

// SyncError is returned when the control repository could not be synchronized
type SyncError struct {
	Stdout string
	Stderr string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to update control repository: %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ProvisionError is returned when the provisioning run exits unsuccessfully.
// ExitCode is -1 when the process could not be started.
type ProvisionError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Output   string
	Err      error
}

func (e *ProvisionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("provisioning run could not be started: %v", e.Err)
	}
	return fmt.Sprintf("provisioning run failed with code %d", e.ExitCode)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsLogicError reports whether err signals a defect in the calling sequence
func IsLogicError(err error) bool {
	var transitionErr *TransitionError
	return errors.As(err, &transitionErr) || errors.Is(err, ErrAlreadyRunning)
}

// FormatErrorForUser converts errors to operator-facing messages.
// This should only be called at the API and CLI boundary.
func FormatErrorForUser(err error) string {
	if err == nil {
		return ""
	}

	var (
		checkErr     *CheckFailedError
		syncErr      *SyncError
		provisionErr *ProvisionError
	)
	switch {
	case errors.As(err, &checkErr):
		return "checks have failed, aborted deployment"
	case errors.As(err, &syncErr):
		return "failed to update the deployment repository"
	case errors.As(err, &provisionErr):
		return provisionErr.Error()
	case errors.Is(err, ErrAlreadyActive):
		return "there is already a deployment running for this target"
	case errors.Is(err, ErrNotFound):
		return "no deployment is queued or running"
	case errors.Is(err, ErrUnknownTarget):
		return "this target is not configured for deployments"
	case errors.Is(err, ErrStillRunning):
		return "the deployment is still running, cancel it first"
	case errors.Is(err, ErrForceNotAllowed):
		return "you are not allowed to force deploy, please contact a superuser"
	case errors.Is(err, ErrInvalidTag), errors.Is(err, ErrArgNotAllowed), errors.Is(err, ErrDuplicateArg):
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "operation timed out"
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "bad credentials"):
		return "github authentication failed - please check the API token"
	case strings.Contains(errStr, "rate limit"):
		return "github rate limit exceeded"
	case strings.Contains(errStr, "permission denied"):
		return "permission denied"
	default:
		return "an unexpected error occurred, please contact an administrator"
	}
}
