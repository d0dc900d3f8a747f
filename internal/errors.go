package guard

import "errors"

// Sentinel errors for the proxy domain. Transport code maps these onto the
// closed error-kind taxonomy in Kind.
var (
	ErrAuthentication        = errors.New("authentication failed")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrInvalidProvider       = errors.New("invalid provider")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrCredentialUnavailable = errors.New("no credential available")
	ErrDecryptionFailed      = errors.New("credential decryption failed")
	ErrUpstream              = errors.New("upstream error")
	ErrNetwork               = errors.New("network error")
	ErrTimeout               = errors.New("upstream timeout")
	ErrDatabase              = errors.New("database error")
)

// ErrorKind is the closed error taxonomy used in the JSON error envelope.
type ErrorKind string

const (
	KindInvalidProvider   ErrorKind = "INVALID_PROVIDER"
	KindUpstreamError     ErrorKind = "UPSTREAM_ERROR"
	KindNetworkError      ErrorKind = "NETWORK_ERROR"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindInvalidRequest    ErrorKind = "INVALID_REQUEST"
	KindConfigError       ErrorKind = "CONFIGURATION_ERROR"
	KindAuthError         ErrorKind = "AUTHENTICATION_ERROR"
	KindRateLimitExceeded ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindQuotaExceeded     ErrorKind = "QUOTA_EXCEEDED"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindConflict          ErrorKind = "CONFLICT"
	KindDatabaseError     ErrorKind = "DATABASE_ERROR"
	KindValidationError   ErrorKind = "VALIDATION_ERROR"
	KindUnknown           ErrorKind = "UNKNOWN_ERROR"
)

// Kind classifies err into the envelope taxonomy.
func Kind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrAuthentication):
		return KindAuthError
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimitExceeded
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrInvalidProvider):
		return KindInvalidProvider
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrPayloadTooLarge):
		return KindInvalidRequest
	case errors.Is(err, ErrCredentialUnavailable), errors.Is(err, ErrDecryptionFailed):
		return KindConfigError
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNetwork):
		return KindNetworkError
	case errors.Is(err, ErrUpstream):
		return KindUpstreamError
	case errors.Is(err, ErrDatabase):
		return KindDatabaseError
	default:
		return KindUnknown
	}
}

// StatusFor returns the HTTP status for err. Oversized payloads keep the
// INVALID_REQUEST kind but answer 413 rather than 400.
func StatusFor(err error) int {
	if errors.Is(err, ErrPayloadTooLarge) {
		return 413
	}
	return Kind(err).StatusCode()
}

// StatusCode returns the HTTP status for an error kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindInvalidRequest, KindInvalidProvider, KindValidationError:
		return 400
	case KindAuthError:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindRateLimitExceeded, KindQuotaExceeded:
		return 429
	case KindNetworkError, KindUpstreamError:
		return 502
	case KindTimeout:
		return 504
	default:
		return 500
	}
}
