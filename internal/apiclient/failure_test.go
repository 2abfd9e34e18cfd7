package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/watchcache/internal/templates"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		err         error
		wantKind    Kind
		wantMessage string
	}{
		{
			name:        "deadline exceeded",
			err:         fmt.Errorf("get: %w", context.DeadlineExceeded),
			wantKind:    KindTimeout,
			wantMessage: defaultCopy[MessageTimeout],
		},
		{
			name:        "connection refused",
			err:         errors.New("dial tcp 127.0.0.1:1: connect: connection refused"),
			wantKind:    KindNetworkUnreachable,
			wantMessage: defaultCopy[MessageNetworkUnreachable],
		},
		{
			name:        "cancelled by caller",
			err:         context.Canceled,
			wantKind:    KindUnknown,
			wantMessage: defaultCopy[MessageGeneric],
		},
		{
			name:        "unauthorized with server message",
			status:      http.StatusUnauthorized,
			body:        `{"message":"Session expired"}`,
			wantKind:    KindClientError,
			wantMessage: "Session expired",
		},
		{
			name:        "unauthorized without body",
			status:      http.StatusUnauthorized,
			wantKind:    KindClientError,
			wantMessage: defaultCopy[MessageGeneric],
		},
		{
			name:        "forbidden ignores body",
			status:      http.StatusForbidden,
			body:        `{"message":"nope"}`,
			wantKind:    KindClientError,
			wantMessage: defaultCopy[MessageForbidden],
		},
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			wantKind:    KindRateLimited,
			wantMessage: defaultCopy[MessageRateLimited],
		},
		{
			name:        "bad gateway",
			status:      http.StatusBadGateway,
			wantKind:    KindServerError,
			wantMessage: defaultCopy[MessageServerUnavailable],
		},
		{
			name:        "not found with server message",
			status:      http.StatusNotFound,
			body:        `{"message":"Movie not found"}`,
			wantKind:    KindClientError,
			wantMessage: "Movie not found",
		},
		{
			name:        "not found with non-json body",
			status:      http.StatusNotFound,
			body:        `<html>404</html>`,
			wantKind:    KindClientError,
			wantMessage: defaultCopy[MessageGeneric],
		},
		{
			name:        "not implemented",
			status:      http.StatusNotImplemented,
			wantKind:    KindServerError,
			wantMessage: defaultCopy[MessageGeneric],
		},
		{
			name:        "nothing to go on",
			status:      0,
			wantKind:    KindUnknown,
			wantMessage: defaultCopy[MessageGeneric],
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body []byte
			if tc.body != "" {
				body = []byte(tc.body)
			}
			f := Classify(http.MethodGet, "http://api.test/movies", tc.status, body, tc.err)
			require.Equal(t, tc.wantKind, f.Kind)
			require.Equal(t, tc.wantMessage, f.UserMessage)
			require.Equal(t, tc.status, f.Status)
			if tc.err != nil {
				require.ErrorIs(t, f, tc.err)
			}
		})
	}
}

func TestFailurePredicates(t *testing.T) {
	offline := Classify(http.MethodGet, "http://api.test", 0, nil, errors.New("no route to host"))
	require.True(t, offline.Offline())
	require.False(t, offline.Unauthorized())
	require.Equal(t, 0, offline.StatusCode())

	rejected := Classify(http.MethodGet, "http://api.test", http.StatusUnauthorized, nil, nil)
	require.True(t, rejected.Unauthorized())
	require.False(t, rejected.Offline())
	require.Contains(t, rejected.Error(), "status 401")

	wrapped := fmt.Errorf("load: %w", rejected)
	got, ok := AsFailure(wrapped)
	require.True(t, ok)
	require.Same(t, rejected, got)

	_, ok = AsFailure(errors.New("plain"))
	require.False(t, ok)
}

func TestMessagesOverride(t *testing.T) {
	msgs, err := NewMessages(templates.NewRenderer(), map[string]string{
		"Forbidden": "No access to {{ .URL }} ({{ .Status }})",
		"timeout":   "",
	})
	require.NoError(t, err)

	f := msgs.Classify(http.MethodGet, "http://api.test/admin", http.StatusForbidden, nil, nil)
	require.Equal(t, "No access to http://api.test/admin (403)", f.UserMessage)

	timeout := msgs.Classify(http.MethodGet, "http://api.test", 0, nil, context.DeadlineExceeded)
	require.Equal(t, msgs.Default(MessageTimeout), timeout.UserMessage)

	_, err = NewMessages(templates.NewRenderer(), map[string]string{"teapot": "short and stout"})
	require.ErrorContains(t, err, "unknown message key")

	_, err = NewMessages(templates.NewRenderer(), map[string]string{"generic": "{{ .Broken "})
	require.Error(t, err)
}
