// Package errors classifies failures of the deployment core so that callers
// can decide between a client error, a server error and a silent retry.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an Error.
type Kind string

// Error kinds
const (
	KindValidation  Kind = "VALIDATION_ERROR"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindPersistence Kind = "PERSISTENCE_ERROR"
	KindDispatch    Kind = "DISPATCH_ERROR"
	KindInternal    Kind = "INTERNAL_ERROR"
)

// Sentinel errors, one per kind. errors.Is(err, ErrNotFound) matches any
// *Error of KindNotFound anywhere in the chain.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrPersistence = errors.New("persistence failure")
	ErrDispatch    = errors.New("dispatch failure")
)

// Error is a classified failure of a named operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target && target != nil
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindPersistence:
		return ErrPersistence
	case KindDispatch:
		return ErrDispatch
	}
	return nil
}

// New builds a classified error from a message.
func New(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation reports a missing or malformed request field.
func Validation(op string, format string, args ...any) error {
	return New(KindValidation, op, format, args...)
}

// NotFound reports an absent device or job.
func NotFound(op string, format string, args ...any) error {
	return New(KindNotFound, op, format, args...)
}

// Conflict reports a duplicate id or a lost state transition.
func Conflict(op string, format string, args ...any) error {
	return New(KindConflict, op, format, args...)
}

// Persistence wraps a store or payload failure.
func Persistence(op string, err error) error {
	return Wrap(KindPersistence, op, err)
}

// Dispatch wraps a failed delivery to a device agent.
func Dispatch(op string, err error) error {
	return Wrap(KindDispatch, op, err)
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code a submitter sees.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body of every API error.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody carries the machine-readable code and the message.
type HTTPErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response builds the JSON error body for err.
func Response(err error) HTTPErrorResponse {
	return HTTPErrorResponse{Error: HTTPErrorBody{Code: string(KindOf(err)), Message: err.Error()}}
}
