// Package errs defines the typed API error taxonomy. Every error that can
// reach a client carries an id, a message, an HTTP status and optional data.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error ids, as they appear on the wire.
const (
	IDInvalidRequestStructure    = "invalid-request-structure"
	IDInvalidParametersFormat    = "invalid-parameters-format"
	IDInvalidItemID              = "invalid-item-id"
	IDMissingHeader              = "missing-header"
	IDUnsupportedContentType     = "unsupported-content-type"
	IDInvalidAccessToken         = "invalid-access-token"
	IDInvalidCredentials         = "invalid-credentials"
	IDForbidden                  = "forbidden"
	IDInvalidOperation           = "invalid-operation"
	IDUnknownResource            = "unknown-resource"
	IDUnknownReferencedResource  = "unknown-referenced-resource"
	IDItemAlreadyExists          = "item-already-exists"
	IDUnexpectedError            = "unexpected-error"
)

// Error is a typed API error.
type Error struct {
	ID         string         `json:"id"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Data       map[string]any `json:"data,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ID, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match on the id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.ID == e.ID
}

// WithData returns a copy of e carrying the given data payload.
func (e *Error) WithData(data map[string]any) *Error {
	c := *e
	c.Data = data
	return &c
}

func newError(id, message string, status int) *Error {
	return &Error{ID: id, Message: message, HTTPStatus: status}
}

// InvalidRequestStructure signals a request body or reference that does not
// have the expected shape (including cross-store id references).
func InvalidRequestStructure(message string) *Error {
	return newError(IDInvalidRequestStructure, message, http.StatusBadRequest)
}

// InvalidParametersFormat signals parameters failing schema validation.
func InvalidParametersFormat(message string) *Error {
	return newError(IDInvalidParametersFormat, message, http.StatusBadRequest)
}

// InvalidItemID signals an id that does not match the allowed syntax.
func InvalidItemID(message string) *Error {
	return newError(IDInvalidItemID, message, http.StatusBadRequest)
}

// MissingHeader signals a required header that was not provided.
func MissingHeader(name string) *Error {
	return newError(IDMissingHeader, fmt.Sprintf("missing expected header %q", name), http.StatusBadRequest)
}

// UnsupportedContentType signals a request content type the API cannot parse.
func UnsupportedContentType(contentType string) *Error {
	return newError(IDUnsupportedContentType,
		fmt.Sprintf("unsupported content type %q", contentType), http.StatusUnsupportedMediaType)
}

// InvalidAccessToken signals a missing, unknown or rejected token. The status
// is 401 when the token is missing and 403 when it is present but invalid.
func InvalidAccessToken(message string, status int) *Error {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		status = http.StatusUnauthorized
	}
	return newError(IDInvalidAccessToken, message, status)
}

// InvalidCredentials signals a failed username/password check.
func InvalidCredentials(message string) *Error {
	if message == "" {
		message = "The given username/password pair is invalid."
	}
	return newError(IDInvalidCredentials, message, http.StatusUnauthorized)
}

// Forbidden signals an authenticated caller lacking the required permission.
func Forbidden(message string) *Error {
	if message == "" {
		message = "You cannot perform this action with the given access."
	}
	return newError(IDForbidden, message, http.StatusForbidden)
}

// InvalidOperation signals an operation violating a domain invariant, such as
// an overlap on a single-activity stream.
func InvalidOperation(message string, data map[string]any) *Error {
	e := newError(IDInvalidOperation, message, http.StatusBadRequest)
	e.Data = data
	return e
}

// UnknownResource signals a resource or endpoint that does not exist.
func UnknownResource(resourceType, id string) *Error {
	msg := "Resource not found."
	if resourceType != "" {
		msg = fmt.Sprintf("Unknown %s %q.", resourceType, id)
	}
	return newError(IDUnknownResource, msg, http.StatusNotFound)
}

// UnknownReferencedResource signals a reference (e.g. parentId, streamId) to a
// resource that does not exist.
func UnknownReferencedResource(resourceType, id string) *Error {
	return newError(IDUnknownReferencedResource,
		fmt.Sprintf("Unknown referenced %s %q.", resourceType, id), http.StatusBadRequest)
}

// ItemAlreadyExists signals a uniqueness conflict; data carries the
// conflicting fields and their values.
func ItemAlreadyExists(resourceType string, conflicting map[string]any) *Error {
	e := newError(IDItemAlreadyExists,
		fmt.Sprintf("A %s with the same unique field(s) already exists.", resourceType),
		http.StatusConflict)
	e.Data = conflicting
	return e
}

// Unexpected wraps any non-typed error.
func Unexpected(cause error) *Error {
	e := newError(IDUnexpectedError, "An unexpected error occurred.", http.StatusInternalServerError)
	e.cause = cause
	return e
}

// Kind returns a sentinel for errors.Is checks against the given id.
func Kind(id string) *Error {
	return &Error{ID: id}
}

// Coerce returns err as an *Error, wrapping non-typed errors as unexpected.
// A nil err yields nil.
func Coerce(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Unexpected(err)
}
