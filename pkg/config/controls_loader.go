package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/assure/pkg/compliance"
)

// ControlsFile is the on-disk shape of a control catalog.
type ControlsFile struct {
	Framework string               `yaml:"framework" json:"framework"`
	Controls  []compliance.Control `yaml:"controls" json:"controls"`
}

// LoadControls reads a control catalog YAML file.
// Duplicate IDs and unknown frequencies are rejected.
func LoadControls(path string) ([]compliance.Control, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load controls %q: %w", path, err)
	}

	var file ControlsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse controls %q: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Controls))
	for i, c := range file.Controls {
		if c.ID == "" {
			return nil, fmt.Errorf("control #%d has no id", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate control id %q", c.ID)
		}
		seen[c.ID] = true
		if !c.Frequency.Valid() {
			return nil, fmt.Errorf("control %q: unknown frequency %q", c.ID, c.Frequency)
		}
	}
	return file.Controls, nil
}
