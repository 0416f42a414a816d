package skills

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quailyquaily/airlock/guard"
)

// Registry is an immutable catalog of manifests keyed by tool name. It is
// safe for concurrent use once built.
type Registry struct {
	manifests map[string]Manifest
	levels    map[string]map[string]guard.AirlockLevel
}

var _ guard.MethodCatalog = (*Registry)(nil)

// NewRegistry validates every manifest and fails when two manifests claim
// the same tool name.
func NewRegistry(manifests ...Manifest) (*Registry, error) {
	r := &Registry{
		manifests: make(map[string]Manifest, len(manifests)),
		levels:    make(map[string]map[string]guard.AirlockLevel, len(manifests)),
	}
	for _, m := range manifests {
		m.Methods = append([]Method{}, m.Methods...)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.manifests[m.ToolName]; ok {
			return nil, fmt.Errorf("duplicate tool %q (%s and %s)", m.ToolName, prev.source(), m.source())
		}
		byMethod := make(map[string]guard.AirlockLevel, len(m.Methods))
		for _, meth := range m.Methods {
			byMethod[meth.Name] = meth.AirlockLevel
		}
		r.manifests[m.ToolName] = m
		r.levels[m.ToolName] = byMethod
	}
	return r, nil
}

func (r *Registry) Lookup(toolName, methodName string) (guard.AirlockLevel, bool) {
	if r == nil {
		return "", false
	}
	byMethod, ok := r.levels[strings.TrimSpace(toolName)]
	if !ok {
		return "", false
	}
	lvl, ok := byMethod[strings.TrimSpace(methodName)]
	return lvl, ok
}

func (r *Registry) Manifest(toolName string) (Manifest, bool) {
	if r == nil {
		return Manifest{}, false
	}
	m, ok := r.manifests[strings.TrimSpace(toolName)]
	if !ok {
		return Manifest{}, false
	}
	m.Methods = append([]Method{}, m.Methods...)
	return m, true
}

// Manifests returns copies sorted by tool name.
func (r *Registry) Manifests() []Manifest {
	if r == nil {
		return nil
	}
	out := make([]Manifest, 0, len(r.manifests))
	for _, name := range r.Tools() {
		m, _ := r.Manifest(name)
		out = append(out, m)
	}
	return out
}

func (r *Registry) Tools() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.manifests))
	for name := range r.manifests {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
