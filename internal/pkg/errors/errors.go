package errors

import (
	"errors"
	"fmt"
)

// Error kinds used across the engine. Callers classify with errors.Is; the
// concrete error text travels alongside via wrapping.
var (
	// ErrNotFound marks an unknown record or process type.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks bad input or an illegal state transition.
	ErrValidation = errors.New("validation error")
	// ErrTransientStore marks a store failure worth retrying at a higher layer.
	ErrTransientStore = errors.New("transient store error")
	// ErrFatalStore marks a store failure that should surface and halt.
	ErrFatalStore = errors.New("fatal store error")
	// ErrExecution marks a child process that could not be started.
	ErrExecution = errors.New("execution error")
	// ErrExecutionTimeout marks a child process killed by its deadline.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrNonZeroExit marks a child process that ran and exited non-zero.
	ErrNonZeroExit = errors.New("non-zero exit")
	// ErrSerialization marks an undecodable work-item payload.
	ErrSerialization = errors.New("serialization error")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsSerialization(err error) bool { return errors.Is(err, ErrSerialization) }
