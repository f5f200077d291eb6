package magneticfield

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional fields file: extra named magnet maps generated from
// dipole parameters, plus gas presets the driver may pick up.  Builtin map
// names stay available whether or not a file is loaded.
type Config struct {
	Fields []FieldConfig `yaml:"fields"`
	Gases  []GasPreset   `yaml:"gases"`
}

// FieldConfig is one named map definition.
type FieldConfig struct {
	Name         string `yaml:"name"`
	DipoleParams `yaml:",inline"`
}

// GasPreset names a buffer gas and its density in g/cm³.  The driver turns
// presets into gas specs; this package only carries them through the file.
type GasPreset struct {
	Name    string  `yaml:"name"`
	Density float64 `yaml:"density"`
}

// LoadConfig reads a YAML fields file and registers every map it defines.
// The parsed config is returned so the driver can apply gas presets.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fields config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("fields config %s: %w", path, err)
	}
	for _, f := range cfg.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("fields config %s: field entry without a name", path)
		}
		if err := Register(f.Name, f.DipoleParams); err != nil {
			return nil, fmt.Errorf("fields config %s: %w", path, err)
		}
	}
	for _, g := range cfg.Gases {
		if g.Name == "" || g.Density <= 0 {
			return nil, fmt.Errorf("fields config %s: gas preset %q needs a name and density > 0", path, g.Name)
		}
	}
	return &cfg, nil
}
