package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrTransactionConflict = errors.New("transaction conflict, retry the request")
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different request")
)

type CommandError struct {
	Payload    interface{}
	StatusCode int
	Reason     *string
}

type CommandErrorOption func(*CommandError)

func WithReason(reason string) CommandErrorOption {
	return func(e *CommandError) {
		e.Reason = &reason
	}
}

func NewCommandError(statusCode int, payload interface{}, opts ...CommandErrorOption) CommandError {
	e := CommandError{
		StatusCode: statusCode,
		Payload:    payload,
	}

	for _, opt := range opts {
		opt(&e)
	}

	return e
}

func (r CommandError) Error() string {
	var values struct {
		Payload    interface{}
		StatusCode int
		Reason     string
	}

	values.Payload = r.Payload
	values.StatusCode = r.StatusCode

	if r.Reason != nil {
		values.Reason = *r.Reason
	}

	return fmt.Sprintf("%+v", values)
}

func (r CommandError) Unwrap() error {
	if err, ok := r.Payload.(error); ok {
		return err
	}

	return nil
}

// MarshalJSON keeps the payload readable when it is an error,
// which would otherwise marshal into an empty object.
func (r CommandError) MarshalJSON() ([]byte, error) {
	var body struct {
		Status int         `json:"status"`
		Error  interface{} `json:"error"`
		Reason string      `json:"reason,omitempty"`
	}

	body.Status = r.StatusCode
	body.Error = r.Payload
	if err, ok := r.Payload.(error); ok {
		body.Error = err.Error()
	}

	if r.Reason != nil {
		body.Reason = *r.Reason
	}

	return json.Marshal(body)
}

// ToCommandError maps the error taxonomy of the command handlers
// onto status codes. Errors that already are a CommandError pass through.
func ToCommandError(err error) error {
	if err == nil {
		return nil
	}

	var commandErr CommandError
	if errors.As(err, &commandErr) {
		return commandErr
	}

	var validationErr ValidationError
	switch {
	case errors.As(err, &validationErr):
		return NewCommandError(http.StatusBadRequest, err, WithReason("request validation failed"))
	case errors.Is(err, ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return NewCommandError(http.StatusNotFound, err)
	case errors.Is(err, ErrForbidden):
		return NewCommandError(http.StatusForbidden, err)
	case errors.Is(err, ErrInvalidTransition):
		return NewCommandError(http.StatusConflict, err)
	case errors.Is(err, ErrIdempotencyKeyReuse):
		return NewCommandError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrTransactionConflict), errors.Is(err, docstore.ErrTooManyAttempts):
		return NewCommandError(
			http.StatusServiceUnavailable,
			fmt.Errorf("%w: %w", ErrTransactionConflict, err),
			WithReason("concurrent modification"),
		)
	default:
		return NewCommandError(http.StatusInternalServerError, err)
	}
}
