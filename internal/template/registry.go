package template

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kursadbilgin/sms-dispatch/internal/domain"
)

// Registry is a read-only set of compiled templates keyed by name.
type Registry struct {
	templates map[string]*Template
}

func NewRegistry(templates []Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(templates))}
	for i := range templates {
		t := templates[i]
		if err := t.Compile(); err != nil {
			return nil, err
		}
		if _, exists := r.templates[t.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate template %q", domain.ErrConfiguration, t.Name)
		}
		r.templates[t.Name] = &t
	}
	return r, nil
}

// LoadFile reads a JSON array of templates.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}

	var templates []Template
	if err := json.Unmarshal(raw, &templates); err != nil {
		return nil, fmt.Errorf("%w: invalid templates file %s: %v", domain.ErrConfiguration, path, err)
	}
	return NewRegistry(templates)
}

func (r *Registry) Template(name string) (*Template, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: template registry is not initialized", domain.ErrConfiguration)
	}
	t, ok := r.templates[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrConfiguration, name)
	}
	return t, nil
}

// Names lists the template names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
