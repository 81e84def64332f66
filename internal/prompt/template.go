// Package prompt renders the phase-specific instructions given to the interviewer
// and decides when the interview should move on to the problem.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Params maps placeholder names to their values.
type Params map[string]string

// MissingParamsError is returned when a template is rendered without every placeholder.
type MissingParamsError struct {
	Template string
	Missing  []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("template %s: missing parameters %s", e.Template, strings.Join(e.Missing, ", "))
}

// Template is instruction text with ${name} placeholders.
type Template struct {
	name         string
	text         string
	placeholders []string
}

// NewTemplate parses text and records the placeholders it references.
func NewTemplate(name, text string) *Template {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return &Template{name: name, text: text, placeholders: names}
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Placeholders returns the distinct placeholder names in order of first use.
func (t *Template) Placeholders() []string {
	out := make([]string, len(t.placeholders))
	copy(out, t.placeholders)
	return out
}

// Render substitutes every placeholder. Blank values count as missing.
func (t *Template) Render(params Params) (string, error) {
	var missing []string
	for _, name := range t.placeholders {
		if strings.TrimSpace(params[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingParamsError{Template: t.name, Missing: missing}
	}

	return placeholderPattern.ReplaceAllStringFunc(t.text, func(token string) string {
		return params[token[2:len(token)-1]]
	}), nil
}
