package errors

import (
	"net/http"
	"strings"

	"github.com/twitchtv/twirp"
)

const (
	internalName = "INTERNAL"
	internalLog  = "internal error"
)

// twirpCodes binds every root error to a twirp error code. The HTTP
// status of a response is always derived from this table so that the
// status stays consistent no matter which handler raised the error.
// State and ordering refusals answer 403, an unknown index answers 400,
// matching what wallet clients already expect from this API.
var twirpCodes = map[*Error]twirp.ErrorCode{
	ErrConfig:         twirp.Internal,
	ErrUnauthorized:   twirp.Unauthenticated,
	ErrForbidden:      twirp.PermissionDenied,
	ErrState:          twirp.PermissionDenied,
	ErrOrdering:       twirp.PermissionDenied,
	ErrNotFound:       twirp.InvalidArgument,
	ErrInvalidRequest: twirp.InvalidArgument,
	ErrOverflow:       twirp.OutOfRange,
	ErrStore:          twirp.Internal,
}

// HTTPInfo resolves err to the three values the wire envelope carries:
// the HTTP status code, the stable wire name of the root error, and the
// message. Errors that do not wrap a registered root, and recovered
// panics, are reported as internal without leaking details.
func HTTPInfo(err error) (status int, name, message string) {
	root := rootOf(err)
	if root == nil || root == ErrPanic {
		return http.StatusInternalServerError, internalName, internalLog
	}

	code, ok := twirpCodes[root]
	if !ok {
		code = twirp.Internal
	}
	return twirp.ServerHTTPStatusFromErrorCode(code), wireName(root), err.Error()
}

// wireName derives the wire identifier from the root description, so
// "state conflict" travels as STATE_CONFLICT. Descriptions are kept
// short for this reason.
func wireName(root *Error) string {
	return strings.ToUpper(strings.ReplaceAll(root.desc, " ", "_"))
}

// rootOf walks the cause chain looking for a registered root error.
func rootOf(err error) *Error {
	for {
		if e, ok := err.(*Error); ok {
			return e
		}

		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return nil
		}
	}
}
