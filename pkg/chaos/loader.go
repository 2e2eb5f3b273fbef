package chaos

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadScenarioFile reads and validates a chaos scenario from a YAML file.
func LoadScenarioFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return LoadScenario(data)
}

// LoadScenario parses and validates a chaos scenario from YAML bytes.
func LoadScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("scenario: name is required")
	}
	if s.MaxTotalChaosEvents == 0 {
		s.MaxTotalChaosEvents = defaultMaxTotalChaosEvents
	}
	for i := range s.Triggers {
		if err := s.Triggers[i].validate(); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
