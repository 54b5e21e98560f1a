// README: Error kinds shared by every module and their HTTP mapping.
package errs

import (
	"errors"
	"net/http"
)

// Kinds. Module errors wrap one of these so handlers can map them without knowing the module.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidState = errors.New("invalid state")
	ErrDuplicateBid = errors.New("duplicate bid")
	ErrConflict     = errors.New("conflict")
)

// Kind wraps a kind with a module-specific message.
type Kind struct {
	msg  string
	kind error
}

func New(kind error, msg string) error {
	return &Kind{msg: msg, kind: kind}
}

func (e *Kind) Error() string { return e.msg }

func (e *Kind) Unwrap() error { return e.kind }

// HTTPStatus maps an error chain to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrDuplicateBid), errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether err carries a kind whose message is safe to return to clients.
func Public(err error) bool {
	return HTTPStatus(err) != http.StatusInternalServerError
}
