package apiclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeRedactsNestedSecrets(t *testing.T) {
	input := map[string]any{
		"title":        "Alien",
		"password":     "hunter2",
		"Access_Token": "abc",
		"profile": map[string]any{
			"apiKey": "k",
			"name":   "ripley",
		},
		"sessions": []any{
			map[string]any{"client-secret": "s", "id": float64(1)},
			"plain",
		},
		"headers": map[string]string{"Authorization": "Bearer abc", "Accept": "application/json"},
	}

	got := Sanitize(input).(map[string]any)
	require.Equal(t, "Alien", got["title"])
	require.Equal(t, Redacted, got["password"])
	require.Equal(t, Redacted, got["Access_Token"])

	profile := got["profile"].(map[string]any)
	require.Equal(t, Redacted, profile["apiKey"])
	require.Equal(t, "ripley", profile["name"])

	sessions := got["sessions"].([]any)
	require.Equal(t, Redacted, sessions[0].(map[string]any)["client-secret"])
	require.Equal(t, float64(1), sessions[0].(map[string]any)["id"])
	require.Equal(t, "plain", sessions[1])

	headers := got["headers"].(map[string]any)
	require.Equal(t, Redacted, headers["Authorization"])
	require.Equal(t, "application/json", headers["Accept"])

	require.Equal(t, "hunter2", input["password"], "input must not be modified")
}

func TestSanitizePassesThroughScalars(t *testing.T) {
	require.Equal(t, "text", Sanitize("text"))
	require.Equal(t, 42, Sanitize(42))
	require.Nil(t, Sanitize(nil))
}

func TestSanitizePayload(t *testing.T) {
	require.Nil(t, sanitizePayload(json.RawMessage(nil)))
	require.Nil(t, sanitizePayload(json.RawMessage("  ")))
	require.Equal(t, map[string]any{"non_json_bytes": 5}, sanitizePayload([]byte("<xml>")))

	type login struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	got := sanitizePayload(login{Username: "ripley", Password: "hunter2"}).(map[string]any)
	require.Equal(t, "ripley", got["username"])
	require.Equal(t, Redacted, got["password"])

	require.Equal(t, "<unencodable body>", sanitizePayload(make(chan int)))
}
