package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSettings reads a client settings YAML file, expands environment
// variables, and unmarshals into a normalized Settings.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if err := loadYAML(path, &s); err != nil {
		return nil, err
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return &s, nil
}

// LoadService reads a service YAML config file, expands environment
// variables, and unmarshals into a normalized ServiceConfig.
func LoadService(path string) (*ServiceConfig, error) {
	var c ServiceConfig
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	c.Normalize()
	return &c, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	// Unknown keys are configuration mistakes, not forward compatibility.
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		// An empty or comments-only file is a valid zero config.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}
