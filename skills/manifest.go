package skills

import (
	"fmt"
	"strings"

	"github.com/quailyquaily/airlock/guard"
)

// Manifest groups the methods one tool exposes to the agent runtime.
type Manifest struct {
	ToolName    string   `yaml:"tool_name" json:"tool_name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Methods     []Method `yaml:"methods" json:"methods"`

	// Source is the file the manifest was loaded from; empty for builtins.
	Source string `yaml:"-" json:"source,omitempty"`
}

// Method declares one callable method and its fixed risk level. Parameters
// is a JSON-schema-like description used only for display.
type Method struct {
	Name         string             `yaml:"name" json:"name"`
	AirlockLevel guard.AirlockLevel `yaml:"airlock_level" json:"airlock_level"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters   map[string]any     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Validate normalizes levels in place and rejects empty names, unknown
// levels and duplicate methods.
func (m *Manifest) Validate() error {
	m.ToolName = strings.TrimSpace(m.ToolName)
	if m.ToolName == "" {
		return fmt.Errorf("manifest %s: missing tool_name", m.source())
	}
	if len(m.Methods) == 0 {
		return fmt.Errorf("manifest %s: no methods declared", m.ToolName)
	}
	seen := make(map[string]bool, len(m.Methods))
	for i := range m.Methods {
		meth := &m.Methods[i]
		meth.Name = strings.TrimSpace(meth.Name)
		if meth.Name == "" {
			return fmt.Errorf("manifest %s: methods[%d] missing name", m.ToolName, i)
		}
		if seen[meth.Name] {
			return fmt.Errorf("manifest %s: duplicate method %q", m.ToolName, meth.Name)
		}
		seen[meth.Name] = true
		lvl, err := guard.ParseAirlockLevel(string(meth.AirlockLevel))
		if err != nil {
			return fmt.Errorf("manifest %s: method %s: %w", m.ToolName, meth.Name, err)
		}
		meth.AirlockLevel = lvl
	}
	return nil
}

func (m *Manifest) source() string {
	if m.Source != "" {
		return m.Source
	}
	return "(builtin)"
}
