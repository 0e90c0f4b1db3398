package runner

import (
	"errors"
	"fmt"
)

// Error codes written to RunMeta.ErrorCode.
const (
	CodeExecutionFailed   = "execution_failed"
	CodeEventAppendFailed = "event_append_failed"
	CodeUnknownKind       = "unknown_kind"
	CodePanic             = "panic"
	CodeShutdown          = "worker_shutdown"
)

// CodedError lets an executor choose the error code recorded on its run.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

// NewCodedError returns a CodedError without a cause.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error { return e.Err }

// errCancelRequested is the cancel cause set by the cancel watcher.
var errCancelRequested = errors.New("cancel requested")

// classify maps an execution error to the code and message stored on the run.
func classify(err error) (code, message string) {
	var ce *CodedError
	if errors.As(err, &ce) {
		msg := ce.Message
		if msg == "" && ce.Err != nil {
			msg = ce.Err.Error()
		}
		return ce.Code, msg
	}
	return CodeExecutionFailed, err.Error()
}
