package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the root shape of an optional on-disk config file. It is
// never read automatically (no environment-variable or CLI surface, per
// spec.md's non-goals) — an embedding application opts in explicitly by
// calling LoadYAML and passing the result into the Client/Receiver
// constructors itself.
type FileConfig struct {
	Client   ClientOptions   `yaml:"client"`
	Receiver ReceiverOptions `yaml:"receiver"`
}

// LoadYAML reads and parses a FileConfig from path.
func LoadYAML(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}
