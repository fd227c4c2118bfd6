package types

import (
	"errors"
	"fmt"
)

var (
	ErrLoadFailed        = errors.New("stage pipeline failed to load")
	ErrInferenceFailed   = errors.New("inference failed")
	ErrCompositionFailed = errors.New("grid composition failed")
	ErrUploadFailed      = errors.New("upload failed")
	ErrEmptyBatch        = errors.New("batch must contain at least one prompt")
	ErrInvalidRequest    = errors.New("invalid request")
)

// InferenceFailedError reports the failure of a single prompt. It matches
// ErrInferenceFailed with errors.Is and unwraps to the underlying cause.
type InferenceFailedError struct {
	Index int
	Err   error
}

func NewInferenceFailed(index int, err error) error {
	return &InferenceFailedError{Index: index, Err: err}
}

func (e *InferenceFailedError) Error() string {
	return fmt.Sprintf("inference failed for prompt %d: %v", e.Index, e.Err)
}

func (e *InferenceFailedError) Unwrap() error {
	return e.Err
}

func (e *InferenceFailedError) Is(target error) bool {
	return target == ErrInferenceFailed
}

// FailedIndex returns the prompt index carried by err, if any.
func FailedIndex(err error) (int, bool) {
	var ierr *InferenceFailedError
	if errors.As(err, &ierr) {
		return ierr.Index, true
	}
	return -1, false
}
