// Package apierrors defines the error taxonomy shared by every HTTP
// surface the routing core exposes, so handlers never invent ad hoc
// error shapes.
package apierrors

// Code is a stable error code. Once published it is treated as API-stable.
type Code string

const (
	InvalidInput    Code = "INVALID_INPUT"
	Unauthorized    Code = "UNAUTHORIZED"
	TTLExpired      Code = "TTL_EXPIRED"
	DBError         Code = "DB_ERROR"
	NonceReuse      Code = "NONCE_REUSE"
	ReplayDetected  Code = "REPLAY_DETECTED"
	Internal        Code = "INTERNAL"
)

// Meta describes HTTP mapping and retry semantics for a Code.
type Meta struct {
	HTTPStatus int
	Retryable  bool
}

var registry = map[Code]Meta{
	InvalidInput:   {HTTPStatus: 400, Retryable: false},
	Unauthorized:   {HTTPStatus: 401, Retryable: false},
	TTLExpired:     {HTTPStatus: 410, Retryable: false},
	DBError:        {HTTPStatus: 500, Retryable: true},
	NonceReuse:     {HTTPStatus: 400, Retryable: false},
	ReplayDetected: {HTTPStatus: 400, Retryable: false},
	Internal:       {HTTPStatus: 500, Retryable: true},
}

// MetaFor returns the registered metadata for code, defaulting to Internal
// when the code is unknown so callers never have to special-case it.
func MetaFor(code Code) Meta {
	if m, ok := registry[code]; ok {
		return m
	}
	return registry[Internal]
}

// HTTPStatusFor returns the HTTP status to use for code.
func HTTPStatusFor(code Code) int {
	return MetaFor(code).HTTPStatus
}

// Known reports whether code is a registered taxonomy member.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}
