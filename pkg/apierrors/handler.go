package apierrors

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxDetailLen = 512

// Error is the internal representation of a routing-core error. It carries
// more context than the wire body exposes (retryable is derived from Code,
// detail is freeform) so call sites can log richly while the HTTP response
// stays exactly {"error":{"code","detail","retryable"}} per the integration
// contract.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Detail
}

// New builds an *Error. Use this instead of constructing the struct literal
// so every call site is forced to supply both fields.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

type errorBody struct {
	Code      Code   `json:"code"`
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable"`
}

type envelope struct {
	Error errorBody `json:"error"`
}

// WriteHTTP writes the standard error envelope for err. If err is not an
// *Error it is wrapped as Internal.
func WriteHTTP(w http.ResponseWriter, err error) {
	e, ok := err.(*Error)
	if !ok {
		e = New(Internal, "internal error")
	}
	meta := MetaFor(e.Code)
	detail := strings.TrimSpace(e.Detail)
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	body := envelope{Error: errorBody{
		Code:      e.Code,
		Detail:    detail,
		Retryable: meta.Retryable,
	}}
	b, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL","detail":"internal error","retryable":true}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(meta.HTTPStatus)
	_, _ = w.Write(b)
}

// WriteHTTPStatus writes the standard error envelope with an explicit
// status override (used where the same code maps to more than one status
// depending on call site, e.g. INVALID_INPUT at 400 vs 413).
func WriteHTTPStatus(w http.ResponseWriter, status int, code Code, detail string) {
	meta := MetaFor(code)
	detail = strings.TrimSpace(detail)
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	body := envelope{Error: errorBody{Code: code, Detail: detail, Retryable: meta.Retryable}}
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":{"code":"INTERNAL","detail":"internal error","retryable":true}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
