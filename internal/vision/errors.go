package vision

import (
	"errors"
	"fmt"
)

var (
	ErrInference          = errors.New("inference failed")
	ErrSampleDropped      = errors.New("sample dropped")
	ErrSessionReset       = errors.New("session reset")
	ErrEmptyCommand       = errors.New("empty command")
	ErrPipelineClosed     = errors.New("pipeline closed")
	ErrStateInconsistency = errors.New("state inconsistency")
)

// InferenceError reports a rejected, failed or timed out call to the
// inference backend. errors.Is(err, ErrInference) holds for every instance.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInference
}

func newInferenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InferenceError
	if errors.As(err, &ie) {
		return err
	}
	return &InferenceError{Op: op, Err: err}
}
