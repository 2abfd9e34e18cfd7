// Package templates renders operator-supplied text templates with sprig
// helpers. Helpers that read the process environment or filesystem are
// removed so configured copy cannot leak host details into user messages.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
	"getHostByName",
}

// Renderer compiles inline templates against the restricted helper set.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// CompileInline parses source. Empty or whitespace-only sources return nil
// without error to simplify optional configuration fields.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
