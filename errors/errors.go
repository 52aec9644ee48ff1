package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass says how a caller should react to an error.
type ErrorClass int

const (
	// ErrorTransient may succeed if retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid comes from bad input or configuration.
	ErrorInvalid
	// ErrorFatal stops processing.
	ErrorFatal
)

var classNames = [...]string{"transient", "invalid", "fatal"}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

var (
	ErrAlreadyStarted = errors.New("already started")

	// Transport
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Wire decoding
	ErrShortPacket    = errors.New("packet too short")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidData    = errors.New("invalid data format")

	ErrKeyNotFound = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Buffer layout, fatal at load time
	ErrRegionNotEven  = errors.New("buffer region size must be divisible by 2")
	ErrRegionTooSmall = errors.New("buffer region too small for any data")

	// Protocol invariant violations
	ErrNegativeLength  = errors.New("amount of data to read is negative")
	ErrReadOverrun     = errors.New("read pointer advanced beyond the region end")
	ErrMissingAck      = errors.New("sequence mismatch but no acknowledgement was ever sent")
	ErrWindowFull      = errors.New("send window full")
	ErrStopAlreadySent = errors.New("stop message already queued")

	ErrUnknownVertex = errors.New("no vertex registered on core")
)

// Sentinels that classify an unwrapped error, and message fragments that mark
// errors from outside this module as transient.
var (
	fatalErrors = []error{
		ErrInvalidConfig, ErrMissingConfig,
		ErrRegionNotEven, ErrRegionTooSmall,
		ErrNegativeLength, ErrReadOverrun, ErrMissingAck,
	}
	invalidErrors   = []error{ErrInvalidData, ErrShortPacket, ErrUnknownCommand}
	transientErrors = []error{ErrConnectionTimeout, context.DeadlineExceeded, context.Canceled}
	transientText   = []string{"timeout", "connection", "temporary", "unavailable"}
)

// ClassifiedError carries an error's class and where it was observed.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classOf returns the class recorded on err, if any.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying. Unclassified errors from
// other libraries are judged by their text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, transientErrors) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalErrors)
}

func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidErrors)
}

// Classify picks one class for err. Fatal wins over a transient-looking
// message, and anything unrecognised is transient.
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case err != nil && !IsTransient(err) && IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: cause".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err with context and marks it transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err with context and marks it fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err with context and marks it invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
