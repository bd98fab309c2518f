package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StageConfig is one entry of pipeline_stages: a single-key map whose key names
// the stage type and whose value is decoded by the stage itself.
type StageConfig struct {
	Type string
	Node yaml.Node
}

// NewStage builds a stage config from a Go value
func NewStage(stageType string, value interface{}) (StageConfig, error) {
	s := StageConfig{Type: stageType}
	if err := s.Node.Encode(value); err != nil {
		return StageConfig{}, fmt.Errorf("failed to encode %s stage: %w", stageType, err)
	}
	return s, nil
}

// MustStage is like NewStage but panics on error
func MustStage(stageType string, value interface{}) StageConfig {
	s, err := NewStage(stageType, value)
	if err != nil {
		panic(err)
	}
	return s
}

// UnmarshalYAML implements yaml.Unmarshaler
func (s *StageConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: a pipeline stage must be a map with exactly one key", value.Line)
	}
	s.Type = value.Content[0].Value
	s.Node = *value.Content[1]
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (s StageConfig) MarshalYAML() (interface{}, error) {
	node := s.Node
	return map[string]*yaml.Node{s.Type: &node}, nil
}

// Decode decodes the stage body into v. An empty body leaves v untouched.
func (s StageConfig) Decode(v interface{}) error {
	if s.Node.Kind == 0 || s.Node.Tag == "!!null" {
		return nil
	}
	if err := s.Node.Decode(v); err != nil {
		return fmt.Errorf("invalid %s stage: %w", s.Type, err)
	}
	return nil
}
