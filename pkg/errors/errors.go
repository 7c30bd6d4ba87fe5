package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTag indicates that a tag with the same name was already created
	ErrDuplicateTag = errors.New("duplicate tag")

	// ErrUnknownTag indicates that a tag was reported before it was created
	ErrUnknownTag = errors.New("unknown tag")

	// ErrTimerNotStarted indicates that a timer was stopped without a matching start
	ErrTimerNotStarted = errors.New("timer not started")

	// ErrInvalidTagName indicates that a tag name cannot be written to a tag log
	ErrInvalidTagName = errors.New("invalid tag name")

	// ErrInvalidTagValue indicates that a tag value would span several tag log lines
	ErrInvalidTagValue = errors.New("invalid tag value")

	// ErrTagKind indicates that an operation does not apply to the tag's kind
	ErrTagKind = errors.New("operation not supported for tag kind")

	// ErrRunnerClosed indicates that work was scheduled after the runner shut down
	ErrRunnerClosed = errors.New("runner closed")

	// ErrMalformedTable indicates that an existing result table could not be loaded
	ErrMalformedTable = errors.New("malformed result table")
)

// Error represents a structured harness error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new harness error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// TagError wraps a tag store misuse error with the offending tag name
func TagError(sentinel error, tag string) *Error {
	return NewError("TAG_MISUSE", fmt.Sprintf("tag '%s'", tag), sentinel)
}

// PathError reports an invalid launcher path given at construction time
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid launcher path %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid launcher path %q", e.Path)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// MalformedLauncherOutputError reports that the launcher output for one instance
// lacks a mandatory field
type MalformedLauncherOutputError struct {
	InstanceID string
	Field      string
}

func (e *MalformedLauncherOutputError) Error() string {
	return fmt.Sprintf("instance %s: launcher output is missing %q", e.InstanceID, e.Field)
}

// IsDuplicateTag checks if an error is a duplicate tag error
func IsDuplicateTag(err error) bool {
	return errors.Is(err, ErrDuplicateTag)
}

// IsUnknownTag checks if an error is an unknown tag error
func IsUnknownTag(err error) bool {
	return errors.Is(err, ErrUnknownTag)
}

// IsTimerNotStarted checks if an error is a timer-not-started error
func IsTimerNotStarted(err error) bool {
	return errors.Is(err, ErrTimerNotStarted)
}

// IsMalformedLauncherOutput checks if an error is a malformed launcher output error
func IsMalformedLauncherOutput(err error) bool {
	var target *MalformedLauncherOutputError
	return errors.As(err, &target)
}

// IsPathError checks if an error is an invalid launcher path error
func IsPathError(err error) bool {
	var target *PathError
	return errors.As(err, &target)
}
