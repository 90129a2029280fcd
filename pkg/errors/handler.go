package errors

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorEnvelope is the JSON body the node's HTTP surface returns on
// failure. Protocol-level outcomes (Conflict, InvalidAuth) never take this
// path — they are first-class response variants inside the reply bundle —
// so an envelope always describes a request that could not be served at
// all: an unopenable packet, a misaddressed recipient, an internal fault.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the stable code plus a bounded, sanitized message.
type ErrorBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

const maxEnvelopeMessageLen = 512

// NewEnvelope builds an envelope for a known code. Unknown codes collapse
// to Internal so the boundary never leaks unregistered strings.
func NewEnvelope(code Code, msg, reqID, traceID string) ErrorEnvelope {
	if !Known(code) {
		code = Internal
	}
	meta, _ := Meta(code)
	return ErrorEnvelope{Error: ErrorBody{
		Code:      code,
		Message:   sanitizeMessage(msg),
		Retryable: meta.Retryable,
		RequestID: sanitizeMessage(reqID),
		TraceID:   sanitizeMessage(traceID),
	}}
}

// FromError renders err as an envelope, preferring the code err carries
// over the fallback.
func FromError(err error, fallback Code, reqID, traceID string) ErrorEnvelope {
	code := fallback
	msg := ""
	if err != nil {
		msg = err.Error()
		if c := CodeOf(err); c != Internal {
			code = c
		}
	}
	return NewEnvelope(code, msg, reqID, traceID)
}

// HTTPStatusFor maps a code to its registered HTTP status, 500 when the
// code is unknown.
func HTTPStatusFor(code Code) int {
	if meta, ok := Meta(code); ok {
		return meta.HTTPStatus
	}
	return http.StatusInternalServerError
}

// WriteHTTP writes env as the response body with the given status.
func WriteHTTP(w http.ResponseWriter, status int, env ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, err := json.Marshal(env)
	if err != nil {
		// The envelope is flat strings and bools; this cannot happen, but
		// the boundary must still answer.
		b = []byte(`{"error":{"code":"internal","message":"encoding failure","retryable":true}}`)
	}
	_, _ = w.Write(b)
}

// sanitizeMessage strips control characters and caps length, so envelope
// bodies stay single-line and bounded no matter what an error carries.
func sanitizeMessage(s string) string {
	if len(s) > maxEnvelopeMessageLen {
		s = s[:maxEnvelopeMessageLen]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
