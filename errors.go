package harbor

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error represents a failure inside the coordination core. It carries the
// entity the failure belongs to (a channel, worker, or job id), an HTTP-like
// status code, and whether the condition is temporary (retryable).
type Error struct {
	Entity    string      `json:"entity,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (code: %d)", e.Entity, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Entity:    e.Entity,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

// requireField validates one request field so callers can combine the
// results into a single bad request covering every missing field.
func requireField(entity, name, value string) error {
	if value == "" {
		return badRequest(entity, name+" is required")
	}
	return nil
}

func badRequest(entity, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusBadRequest,
		Entity:    entity,
		Temporary: false,
	}
}

func notFound(entity, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusNotFound,
		Entity:    entity,
		Temporary: false,
	}
}

func conflict(entity, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusConflict,
		Entity:    entity,
		Temporary: false,
	}
}

func unavailable(entity, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		Entity:    entity,
		Temporary: true,
	}
}

func timeout(entity, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		Entity:    entity,
		Temporary: true,
	}
}

func internalPanic(v interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf("panic recovered: %v", v),
		Code:    StatusInternalServerError,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}
