package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRendererRestrictsHostHelpers(t *testing.T) {
	t.Setenv("TEST_VAR", "value")
	renderer := NewRenderer()

	for _, source := range []string{
		`{{ env "TEST_VAR" }}`,
		`{{ expandenv "$TEST_VAR" }}`,
		`{{ readFile "/etc/hostname" }}`,
	} {
		_, err := renderer.CompileInline("inline", source)
		require.Error(t, err, source)
	}
}

func TestRendererRendersSprigHelpers(t *testing.T) {
	renderer := NewRenderer()

	tests := []struct {
		name     string
		template string
		data     map[string]any
		want     string
	}{
		{
			name:     "plain field",
			template: "Request to {{ .URL }} failed",
			data:     map[string]any{"URL": "/watchlist"},
			want:     "Request to /watchlist failed",
		},
		{
			name:     "sprig upper and default",
			template: `{{ .Method | upper }} {{ .Missing | default "n/a" }}`,
			data:     map[string]any{"Method": "get"},
			want:     "GET n/a",
		},
		{
			name:     "missing key renders zero value",
			template: "[{{ .Nope }}]",
			data:     map[string]any{},
			want:     "[<no value>]",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileInline(tc.name, tc.template)
			require.NoError(t, err)
			require.Equal(t, tc.name, tmpl.Name())
			rendered, err := tmpl.Render(tc.data)
			require.NoError(t, err)
			require.Equal(t, tc.want, rendered)
		})
	}
}

func TestRendererEmptySourceYieldsNil(t *testing.T) {
	tmpl, err := NewRenderer().CompileInline("blank", "   ")
	require.NoError(t, err)
	require.Nil(t, tmpl)
	require.Empty(t, tmpl.Name())

	_, err = tmpl.Render(nil)
	require.Error(t, err)
}

func TestRendererCompileError(t *testing.T) {
	_, err := NewRenderer().CompileInline("", "{{ .Unclosed ")
	require.Error(t, err)
}
