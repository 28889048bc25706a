package acme

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/pkifoundry/internal/model"
	"github.com/blockadesystems/pkifoundry/internal/storage"
)

// ACME error kinds (RFC 8555 Section 6.7).
const (
	KindAccountDoesNotExist   = "accountDoesNotExist"
	KindAlreadyRevoked        = "alreadyRevoked"
	KindBadCSR                = "badCSR"
	KindBadNonce              = "badNonce"
	KindBadRevocationReason   = "badRevocationReason"
	KindBadSignatureAlgorithm = "badSignatureAlgorithm"
	KindInvalidContact        = "invalidContact"
	KindMalformed             = "malformed"
	KindOrderNotReady         = "orderNotReady"
	KindRateLimited           = "rateLimited"
	KindRejectedIdentifier    = "rejectedIdentifier"
	KindServerInternal        = "serverInternal"
	KindUnauthorized          = "unauthorized"
	KindUnsupportedIdentifier = "unsupportedIdentifier"
)

const problemContentType = "application/problem+json"

var kindStatus = map[string]int{
	KindUnauthorized:   http.StatusUnauthorized,
	KindOrderNotReady:  http.StatusConflict,
	KindRateLimited:    http.StatusTooManyRequests,
	KindServerInternal: http.StatusInternalServerError,
}

// Error is an ACME protocol failure. Handlers return it and the group
// middleware renders it as a problem document.
type Error struct {
	Kind   string
	Detail string
	// Status overrides the status derived from Kind.
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("acme: %s: %s", e.Kind, e.Detail)
}

// HTTPStatus returns the response status for the error. Kinds without an
// explicit mapping are client errors.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if status, ok := kindStatus[e.Kind]; ok {
		return status
	}
	return http.StatusBadRequest
}

// Problem converts the error into the wire representation.
func (e *Error) Problem() *model.ProblemDetails {
	return model.NewProblem(e.Kind, e.Detail, e.HTTPStatus())
}

func newError(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func MalformedError(format string, args ...interface{}) *Error {
	return newError(KindMalformed, format, args...)
}

func BadNonceError(format string, args ...interface{}) *Error {
	return newError(KindBadNonce, format, args...)
}

func BadSignatureAlgorithmError(format string, args ...interface{}) *Error {
	return newError(KindBadSignatureAlgorithm, format, args...)
}

func UnauthorizedError(format string, args ...interface{}) *Error {
	return newError(KindUnauthorized, format, args...)
}

// NotFoundError reports a missing resource. RFC 8555 has no dedicated type,
// so it is a malformed problem with a 404 status.
func NotFoundError(format string, args ...interface{}) *Error {
	e := newError(KindMalformed, format, args...)
	e.Status = http.StatusNotFound
	return e
}

// ConflictError reports an operation the resource's state does not allow.
func ConflictError(format string, args ...interface{}) *Error {
	return newError(KindOrderNotReady, format, args...)
}

func AccountDoesNotExistError(format string, args ...interface{}) *Error {
	return newError(KindAccountDoesNotExist, format, args...)
}

func BadCSRError(format string, args ...interface{}) *Error {
	return newError(KindBadCSR, format, args...)
}

func RejectedIdentifierError(format string, args ...interface{}) *Error {
	return newError(KindRejectedIdentifier, format, args...)
}

func UnsupportedIdentifierError(format string, args ...interface{}) *Error {
	return newError(KindUnsupportedIdentifier, format, args...)
}

func InvalidContactError(format string, args ...interface{}) *Error {
	return newError(KindInvalidContact, format, args...)
}

func AlreadyRevokedError(format string, args ...interface{}) *Error {
	return newError(KindAlreadyRevoked, format, args...)
}

func BadRevocationReasonError(format string, args ...interface{}) *Error {
	return newError(KindBadRevocationReason, format, args...)
}

func RateLimitedError(format string, args ...interface{}) *Error {
	return newError(KindRateLimited, format, args...)
}

func ServerInternalError(format string, args ...interface{}) *Error {
	return newError(KindServerInternal, format, args...)
}

// toACMEError maps an arbitrary handler error onto an ACME error.
func toACMEError(err error) *Error {
	var acmeErr *Error
	if errors.As(err, &acmeErr) {
		return acmeErr
	}
	if errors.Is(err, storage.ErrConcurrency) {
		return ServerInternalError("the resource was modified concurrently, retry the request")
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		e := MalformedError("%v", httpErr.Message)
		e.Status = httpErr.Code
		return e
	}
	return ServerInternalError("internal error")
}

// writeProblem renders err as application/problem+json.
func writeProblem(c echo.Context, err error) error {
	acmeErr := toACMEError(err)
	status := acmeErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		loggerFrom(c, "error").Error("ACME request failed", zap.Error(err))
	} else {
		loggerFrom(c, "error").Debug("ACME request rejected", zap.String("type", acmeErr.Kind), zap.String("detail", acmeErr.Detail))
	}
	if c.Response().Committed {
		return nil
	}
	body, mErr := json.Marshal(acmeErr.Problem())
	if mErr != nil {
		return mErr
	}
	return c.Blob(status, problemContentType, body)
}
