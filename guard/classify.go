package guard

import (
	"fmt"
	"strings"
)

// MethodCatalog resolves a tool method to its declared airlock level.
// skills.Registry is the production implementation.
type MethodCatalog interface {
	Lookup(toolName, methodName string) (AirlockLevel, bool)
}

type Classifier struct {
	catalog MethodCatalog
}

func NewClassifier(catalog MethodCatalog) *Classifier {
	return &Classifier{catalog: catalog}
}

// Classify returns the declared level of toolName.methodName, or
// ErrUnknownMethod when the registry has no such method.
func (c *Classifier) Classify(toolName, methodName string) (AirlockLevel, error) {
	toolName = strings.TrimSpace(toolName)
	methodName = strings.TrimSpace(methodName)
	if c == nil || c.catalog == nil {
		return "", fmt.Errorf("%w: %s.%s (no catalog)", ErrUnknownMethod, toolName, methodName)
	}
	lvl, ok := c.catalog.Lookup(toolName, methodName)
	if !ok || !lvl.Valid() {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownMethod, toolName, methodName)
	}
	return lvl, nil
}

// ClassifyFailClosed is Classify with the miss mapped to LevelDangerous.
// The error is still returned so callers can log the miss.
func (c *Classifier) ClassifyFailClosed(toolName, methodName string) (AirlockLevel, error) {
	lvl, err := c.Classify(toolName, methodName)
	if err != nil {
		return LevelDangerous, err
	}
	return lvl, nil
}
