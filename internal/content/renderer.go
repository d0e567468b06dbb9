// Package content renders step templates with contact variables using the
// Liquid template language.
package content

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer handles Liquid template rendering with caching. Parsed templates
// are cached by key; a workflow version's steps never change, so keys built
// from (workflow, version, step, field) stay valid for the process lifetime.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the outreach filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Default value filter: {{ first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ first_name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Truncate with ellipsis, for SMS bodies: {{ note | truncate: 140 }}
	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// Spell out digits so voice calls read numbers one at a time:
	// {{ confirmation_code | spell_digits }}
	r.engine.RegisterFilter("spell_digits", func(s string) string {
		var parts []string
		for _, c := range s {
			if c >= '0' && c <= '9' {
				parts = append(parts, string(c))
			}
		}
		return strings.Join(parts, " ")
	})
}

// Check parses tpl and reports syntax errors without rendering.
func (r *Renderer) Check(tpl string) error {
	if _, err := r.engine.ParseString(tpl); err != nil {
		return fmt.Errorf("template: %w", err)
	}
	return nil
}

// Render processes a template with the given variables. Missing variables
// render as empty strings.
func (r *Renderer) Render(cacheKey, tpl string, vars map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			return cached.(*liquid.Template).RenderString(vars)
		}
	}

	parsed, err := r.engine.ParseString(tpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if cacheKey != "" {
		r.cache.Store(cacheKey, parsed)
	}

	out, err := parsed.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
