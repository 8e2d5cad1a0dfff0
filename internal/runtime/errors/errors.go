package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired      = sterrors.New("replyflow: listener service is required")
	ErrListenerNameRequired = sterrors.New("replyflow: listener name is required")
	ErrListenerExists       = sterrors.New("replyflow: listener is already registered")
	ErrSourceRequired       = sterrors.New("replyflow: stream source is required")
	ErrOperationRequired    = sterrors.New("replyflow: operation is required")
	ErrChannelRequired      = sterrors.New("replyflow: response channel is required")
	ErrSinkRequired         = sterrors.New("replyflow: response sink is required")
	ErrSubscriberRequired   = sterrors.New("replyflow: subscriber is required")
	ErrPublisherRequired    = sterrors.New("replyflow: publisher is required")
	ErrTopicRequired        = sterrors.New("replyflow: topic is required")
	ErrDecoderRequired      = sterrors.New("replyflow: payload decoder is required")
	ErrEventRequired        = sterrors.New("replyflow: event payload is required")
	ErrConfigRequired       = sterrors.New("replyflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("replyflow: logger is required")
	ErrServiceStarted       = sterrors.New("replyflow: service already started")

	// ErrStreamClosed is reported when a stream source ends while the
	// listener is still supposed to be consuming.
	ErrStreamClosed = sterrors.New("replyflow: stream source closed unexpectedly")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "replyflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// PanicError carries a value recovered from a panicking operation or source.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("replyflow: recovered panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
