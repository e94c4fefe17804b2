// Package template renders action configs against run data.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/autoflow/pkg/conditions"
)

var singlePath = regexp.MustCompile(`^\{\{\s*\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}$`)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)

		return string(b), err
	},
}

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Render executes input as a Go template. A value that is exactly one field
// reference, like "{{ .contact.tags }}", resolves to the referenced value
// with its type kept; anything else renders to a string.
func Render(input string, data map[string]any) (any, error) {
	if !NeedsTemplating(input) {
		return input, nil
	}

	if m := singlePath.FindStringSubmatch(input); m != nil {
		value, _ := conditions.Resolve(data, m[1])

		return value, nil
	}

	tmpl, err := template.New("config").Funcs(funcs).Parse(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", input, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", input, err)
	}

	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// RenderConfig renders every string inside config, descending into nested
// maps and lists. The input is not modified.
func RenderConfig(config map[string]any, data map[string]any) (map[string]any, error) {
	rendered, err := renderValue(config, data)
	if err != nil {
		return nil, err
	}

	out, _ := rendered.(map[string]any)

	return out, nil
}

func renderValue(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))

		for k, item := range v {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = r
		}

		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))

		for k, item := range v {
			r, err := Render(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			out[k] = r
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = r
		}

		return out, nil
	default:
		return value, nil
	}
}
