package sqsjobs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("sqsjobs: invalid worker state transition")
	ErrStartFailed       = errors.New("sqsjobs: worker failed to start")
	ErrMessageTooLarge   = errors.New("sqsjobs: message exceeds batch byte limit")
	ErrAnonymousJob      = errors.New("sqsjobs: job type is not registered")
	ErrNoConnection      = errors.New("sqsjobs: no connection configured")
	ErrNoSerializer      = errors.New("sqsjobs: no serializer configured")
	ErrUnknownJob        = errors.New("sqsjobs: no job registered under this tag")
	ErrMissingParam      = errors.New("sqsjobs: required job parameter missing")

	// returned by Flush when the sends went through but the deletes did not
	ErrAcknowledgeFailed = errors.New("sqsjobs: acknowledging messages failed")
)

// MissingParam is what Validate returns for a required parameter that is not set.
func MissingParam(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingParam, name)
}

// FailedEntry is one entry of a batch call the backend refused.
type FailedEntry struct {
	ID          string
	Code        string
	Message     string
	SenderFault bool
}

func (f FailedEntry) String() string {
	return fmt.Sprintf("%s: %s (%s)", f.ID, f.Message, f.Code)
}

func describeFailures(op string, failed []FailedEntry) string {
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%d messages failed to %s: %s", len(failed), op, strings.Join(parts, "; "))
}

// SenderFaultError is returned when the backend rejects batch entries because of
// the request content. These are never retried.
type SenderFaultError struct {
	Op     string
	Failed []FailedEntry
}

func (e *SenderFaultError) Error() string {
	return "sqsjobs: sender fault, " + describeFailures(e.Op, e.Failed)
}

// TransientBackendError is returned when backend side failures persist after all
// retry attempts.
type TransientBackendError struct {
	Op       string
	Attempts int
	Failed   []FailedEntry
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("sqsjobs: giving up after %d attempts, %s", e.Attempts, describeFailures(e.Op, e.Failed))
}

// DeserializationError means a message body could not be turned into a job.
type DeserializationError struct {
	Tag string
	Err error
}

func (e *DeserializationError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("sqsjobs: cannot deserialize job %q: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("sqsjobs: cannot deserialize job: %v", e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// FatalError marks a condition the process must not survive. A consumer that
// sees one re-panics so an external supervisor can restart the worker cleanly.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "sqsjobs: fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err into a FatalError.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// TerminalError marks a job failure that retrying will not fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "sqsjobs: terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err into a TerminalError.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
