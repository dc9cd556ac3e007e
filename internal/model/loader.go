package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDescription reads and decodes a model description from a YAML file
// (spec.md §6.1), the version-controlled format a deployment declares its
// inputs, derived fields, and outputs in.
func LoadDescription(path string) (*Description, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model description %s: %w", path, err)
	}
	var d Description
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse model description %s: %w", path, err)
	}
	return &d, nil
}
