// Package kerrors defines Kredo's tagged error type and its mapping to
// HTTP status codes.
package kerrors

import "fmt"

// Kind provides a coarse category for KredoErrors, used by the router to
// pick an HTTP status and by callers to distinguish failure types.
type Kind int

const (
	Validation Kind = iota
	SignatureInvalid
	NotFound
	Conflict
	Permission
	RateLimited
	EvidenceInsufficient
	ServerError
)

// Kredo represents a tagged domain error. It is returned by every
// component that can fail for a reason the router needs to translate
// into a specific HTTP status and error envelope kind.
type Kredo struct {
	Kind   Kind
	Detail string
}

func (e *Kredo) Error() string {
	return e.Detail
}

// New is a convenience function for creating a new Kredo error.
func New(kind Kind, msg string, args ...interface{}) error {
	return &Kredo{
		Kind:   kind,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is reports whether err is a Kredo error of the given kind.
func Is(err error, kind Kind) bool {
	kErr, ok := err.(*Kredo)
	if !ok {
		return false
	}
	return kErr.Kind == kind
}

func ValidationError(msg string, args ...interface{}) error {
	return New(Validation, msg, args...)
}

func SignatureInvalidError(msg string, args ...interface{}) error {
	return New(SignatureInvalid, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func ConflictError(msg string, args ...interface{}) error {
	return New(Conflict, msg, args...)
}

func PermissionError(msg string, args ...interface{}) error {
	return New(Permission, msg, args...)
}

func RateLimitedError(msg string, args ...interface{}) error {
	return New(RateLimited, msg, args...)
}

func EvidenceInsufficientError(msg string, args ...interface{}) error {
	return New(EvidenceInsufficient, msg, args...)
}

func ServerErrorError(msg string, args ...interface{}) error {
	return New(ServerError, msg, args...)
}

// HTTPStatus returns the status code for each Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation, EvidenceInsufficient:
		return 422
	case SignatureInvalid:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Permission:
		return 403
	case RateLimited:
		return 429
	default:
		return 500
	}
}

// EnvelopeKind returns the string used in the `error` field of the HTTP
// error envelope.
func (k Kind) EnvelopeKind() string {
	switch k {
	case Validation:
		return "validation_error"
	case SignatureInvalid:
		return "signature_invalid"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Permission:
		return "permission_error"
	case RateLimited:
		return "rate_limited"
	case EvidenceInsufficient:
		return "evidence_insufficient"
	default:
		return "server_error"
	}
}
