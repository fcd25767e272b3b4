package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotRetryable  = errors.New("execution is not retryable")
	ErrNoEmail       = errors.New("lead has no email address")
	ErrNoTemplate    = errors.New("no email template configured")
	ErrWrongWorkflow = errors.New("lead belongs to another workspace")
)

// PermanentError marks a failure a retry cannot fix. The execution is failed
// at once and the queue job is not retried.
type PermanentError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(op, executionID string, err error) error {
	return &PermanentError{Op: op, ExecutionID: executionID, Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

// errorChain flattens the wrapped errors, outermost first.
func errorChain(err error) []string {
	var chain []string

	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}

	return chain
}
