package apiclient

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l0p7/watchcache/internal/templates"
)

// MessageKey names a slot of user-facing copy.
type MessageKey string

const (
	MessageTimeout            MessageKey = "timeout"
	MessageNetworkUnreachable MessageKey = "network_unreachable"
	MessageForbidden          MessageKey = "forbidden"
	MessageRateLimited        MessageKey = "rate_limited"
	MessageServerUnavailable  MessageKey = "server_unavailable"
	MessageGeneric            MessageKey = "generic"
)

var defaultCopy = map[MessageKey]string{
	MessageTimeout:            "Request timed out. Please check your internet connection.",
	MessageNetworkUnreachable: "No internet connection. Please check your network.",
	MessageForbidden:          "You do not have permission to access this resource.",
	MessageRateLimited:        "Too many requests. Please try again later.",
	MessageServerUnavailable:  "Server is currently unavailable. Please try again later.",
	MessageGeneric:            "Something went wrong. Please try again.",
}

var defaultMessages = &Messages{}

// Messages holds the user-facing copy attached to failures. Overrides are
// text/templates rendered with {Status, Method, URL, Kind}.
type Messages struct {
	overrides map[MessageKey]*templates.Template
}

type messageData struct {
	Status int
	Method string
	URL    string
	Kind   Kind
}

// NewMessages compiles operator overrides keyed by MessageKey name. Unknown
// keys and template errors are rejected.
func NewMessages(renderer *templates.Renderer, overrides map[string]string) (*Messages, error) {
	m := &Messages{overrides: make(map[MessageKey]*templates.Template, len(overrides))}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := MessageKey(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := defaultCopy[key]; !ok {
			return nil, fmt.Errorf("apiclient: unknown message key %q", name)
		}
		tmpl, err := renderer.CompileInline("message."+string(key), overrides[name])
		if err != nil {
			return nil, fmt.Errorf("apiclient: message %q: %w", name, err)
		}
		if tmpl != nil {
			m.overrides[key] = tmpl
		}
	}
	return m, nil
}

// Default returns the built-in copy for key.
func (m *Messages) Default(key MessageKey) string {
	return defaultCopy[key]
}

// text renders the override for key when one exists, else the default copy.
func (m *Messages) text(key MessageKey, f *Failure) string {
	if m != nil {
		if tmpl, ok := m.overrides[key]; ok {
			rendered, err := tmpl.Render(messageData{Status: f.Status, Method: f.Method, URL: f.URL, Kind: f.Kind})
			if err == nil && strings.TrimSpace(rendered) != "" {
				return rendered
			}
		}
	}
	return defaultCopy[key]
}
