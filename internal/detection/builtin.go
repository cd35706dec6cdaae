package detection

import (
	"bytes"
	_ "embed"
	"fmt"
)

//go:embed builtin_patterns.yaml
var builtinPatternsYAML []byte

// BuiltinDefinitions returns the shipped signatures in evaluation order.
func BuiltinDefinitions() ([]PatternDefinition, error) {
	defs, err := LoadDefinitions(bytes.NewReader(builtinPatternsYAML))
	if err != nil {
		return nil, fmt.Errorf("built-in patterns: %w", err)
	}
	return defs, nil
}

// LoadBuiltins registers the shipped signatures into r.
func LoadBuiltins(r *Registry) error {
	defs, err := BuiltinDefinitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := r.RegisterDefinition(def); err != nil {
			return fmt.Errorf("built-in patterns: %w", err)
		}
	}
	return nil
}
