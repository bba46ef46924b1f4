package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a YAML workflow definition and validates it.
// Parsing and validation failures both surface as configuration errors: a
// definition that cannot be loaded is never partially executed.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, Configf("parse definition: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Marshal renders the definition as YAML. A definition round-trips through
// Marshal and ParseDefinition losslessly.
func (d *Definition) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	return data, nil
}
