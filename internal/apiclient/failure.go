package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the failure taxonomy callers branch on.
type Kind string

const (
	KindClientError        Kind = "client_error"
	KindServerError        Kind = "server_error"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindNetworkUnreachable Kind = "network_unreachable"
	KindUnknown            Kind = "unknown"
)

// Failure is the classified error returned for every unsuccessful request.
type Failure struct {
	Kind        Kind
	Status      int
	UserMessage string
	Method      string
	URL         string
	Err         error
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apiclient: %s %s: %s", f.Method, f.URL, f.Kind)
	if f.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", f.Status)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Offline reports whether the request never reached the server, which makes
// a stale cached value an acceptable substitute.
func (f *Failure) Offline() bool { return f.Kind == KindNetworkUnreachable }

// Unauthorized reports whether the server rejected the credentials.
func (f *Failure) Unauthorized() bool { return f.Status == http.StatusUnauthorized }

// StatusCode exposes the HTTP status (0 when no response arrived).
func (f *Failure) StatusCode() int { return f.Status }

// Classify maps a request outcome to a Failure using the default copy.
// status is 0 when no response was received; body is the raw response body.
func Classify(method, url string, status int, body []byte, err error) *Failure {
	return defaultMessages.Classify(method, url, status, body, err)
}

// Classify maps a request outcome to a Failure, rendering user copy from m.
func (m *Messages) Classify(method, url string, status int, body []byte, err error) *Failure {
	f := &Failure{Method: method, URL: url, Status: status, Err: err}

	switch {
	case status == 0 && err != nil && isTimeout(err):
		f.Kind = KindTimeout
		f.UserMessage = m.text(MessageTimeout, f)
	case status == 0 && err != nil && !errors.Is(err, context.Canceled):
		f.Kind = KindNetworkUnreachable
		f.UserMessage = m.text(MessageNetworkUnreachable, f)
	case status == http.StatusUnauthorized:
		f.Kind = KindClientError
		f.UserMessage = bodyMessageOr(body, func() string { return m.text(MessageGeneric, f) })
	case status == http.StatusForbidden:
		f.Kind = KindClientError
		f.UserMessage = m.text(MessageForbidden, f)
	case status == http.StatusTooManyRequests:
		f.Kind = KindRateLimited
		f.UserMessage = m.text(MessageRateLimited, f)
	case status == http.StatusInternalServerError, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		f.Kind = KindServerError
		f.UserMessage = m.text(MessageServerUnavailable, f)
	case status >= 300:
		f.Kind = KindClientError
		if status >= 500 {
			f.Kind = KindServerError
		}
		f.UserMessage = bodyMessageOr(body, func() string { return m.text(MessageGeneric, f) })
	default:
		f.Kind = KindUnknown
		f.UserMessage = m.text(MessageGeneric, f)
	}
	return f
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// bodyMessageOr returns the "message" field of a JSON error body, or fallback().
func bodyMessageOr(body []byte, fallback func() string) string {
	if len(body) > 0 {
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			if msg := strings.TrimSpace(payload.Message); msg != "" {
				return msg
			}
		}
	}
	return fallback()
}

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
