package config

import (
	"fmt"
	"os"

	"github.com/raphaelgruber/dataforge/internal/models"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a processor catalog.
type catalogFile struct {
	Processors []models.ProcessorDescriptor `yaml:"processors"`
}

// LoadCatalog reads processor descriptors from a YAML file.
// An empty path yields no descriptors.
func LoadCatalog(path string) ([]models.ProcessorDescriptor, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses YAML processor descriptors.
func ParseCatalog(data []byte) ([]models.ProcessorDescriptor, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Processors))
	for i, p := range f.Processors {
		if p.Type == "" {
			return nil, fmt.Errorf("parse catalog: processor %d has no type", i)
		}
		if seen[p.Type] {
			return nil, fmt.Errorf("parse catalog: duplicate processor type %q", p.Type)
		}
		seen[p.Type] = true
		if p.Preset() && len(p.Steps) == 0 {
			return nil, fmt.Errorf("parse catalog: preset %q has no steps", p.Type)
		}
	}
	return f.Processors, nil
}
