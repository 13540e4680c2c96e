// Package schema provides the read-only resource type schema lookup
// consulted by structural rules. An unknown type is not an error:
// structural checks degrade for that resource while heuristic rules
// still apply.
package schema

import (
	_ "embed"
	"fmt"

	"go.yaml.in/yaml/v3"
)

// Lookup answers schema questions about declared resource types. The
// second return reports whether the type (or property) is known.
type Lookup interface {
	// RequiredProperties returns the property names a type must
	// declare. ok=false means the type has no schema entry.
	RequiredProperties(resourceType string) (props []string, ok bool)

	// AllowedValues returns the enum for a property, if constrained.
	AllowedValues(resourceType, property string) (values []string, ok bool)

	// Taggable reports whether the type accepts a Tags property.
	Taggable(resourceType string) bool
}

//go:embed schemas.yaml
var builtinSchemas []byte

type typeSchema struct {
	Required []string            `yaml:"required"`
	Enums    map[string][]string `yaml:"enums"`
	Taggable bool                `yaml:"taggable"`
}

// Static is the built-in Lookup backed by the embedded schema tables.
type Static struct {
	types map[string]typeSchema
}

// NewStatic loads the embedded schema tables.
func NewStatic() (*Static, error) {
	var types map[string]typeSchema
	if err := yaml.Unmarshal(builtinSchemas, &types); err != nil {
		return nil, fmt.Errorf("loading builtin schemas: %w", err)
	}
	return &Static{types: types}, nil
}

// MustStatic is NewStatic for callers wiring fixed data at startup.
func MustStatic() *Static {
	s, err := NewStatic()
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Static) RequiredProperties(resourceType string) ([]string, bool) {
	ts, ok := s.types[resourceType]
	if !ok {
		return nil, false
	}
	return ts.Required, true
}

func (s *Static) AllowedValues(resourceType, property string) ([]string, bool) {
	ts, ok := s.types[resourceType]
	if !ok {
		return nil, false
	}
	vals, ok := ts.Enums[property]
	return vals, ok
}

func (s *Static) Taggable(resourceType string) bool {
	ts, ok := s.types[resourceType]
	return ok && ts.Taggable
}
