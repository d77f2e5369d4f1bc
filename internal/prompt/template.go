// Package prompt renders chat requests into model prompts with Jinja
// templates.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nikolalohinski/gonja/v2"
	"github.com/nikolalohinski/gonja/v2/exec"
)

// ErrTemplateNotFound is returned when a named template has no file.
var ErrTemplateNotFound = errors.New("prompt template not found")

// TemplateError wraps a template engine failure. Unwrap yields the engine
// error unchanged.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("prompt template: %v", e.Err)
	}
	return fmt.Sprintf("prompt template %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Template is a compiled Jinja chat template. It is immutable and safe for
// concurrent use.
type Template struct {
	name string
	tpl  *exec.Template
}

// Parse compiles source under name.
func Parse(name, source string) (*Template, error) {
	tpl, err := gonja.FromString(source)
	if err != nil {
		return nil, &TemplateError{Template: name, Err: err}
	}
	return &Template{name: name, tpl: tpl}, nil
}

// Name returns the template name without extension.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Execute renders the template with vars.
func (t *Template) Execute(vars map[string]any) (string, error) {
	if t == nil || t.tpl == nil {
		return "", &TemplateError{Err: ErrTemplateNotFound}
	}
	var out strings.Builder
	if err := t.tpl.Execute(&out, exec.NewContext(vars)); err != nil {
		return "", &TemplateError{Template: t.name, Err: err}
	}
	return out.String(), nil
}
