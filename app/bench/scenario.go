package bench

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the scenarios file
type Config struct {
	Scenarios []Scenario `yaml:"scenarios" json:"scenarios" jsonschema:"required,description=list of benchmark scenarios"`
}

// Scenario is a measured query with optional setup queries run once before measuring
type Scenario struct {
	Name  string   `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"description=optional scenario name"`
	Query string   `yaml:"query" json:"query" jsonschema:"required,description=measured statement"`
	Setup []string `yaml:"setup,omitempty" json:"setup,omitempty" jsonschema:"description=statements executed once before measuring"`
}

// DefaultScenarios returns built-in scenarios
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Query: "SELECT 1"},
		{
			Query: "INSERT INTO test (value) VALUES (1)",
			Setup: []string{"CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)"},
		},
	}
}

// LoadScenarios reads and validates scenarios from yaml file
func LoadScenarios(file string) ([]Scenario, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file from user input
	if err != nil {
		return nil, fmt.Errorf("can't read scenarios file %s: %w", file, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse scenarios file %s: %w", file, err)
	}
	if len(cfg.Scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", file)
	}
	for i, sc := range cfg.Scenarios {
		if err := sc.validate(); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i+1, err)
		}
	}
	return cfg.Scenarios, nil
}

func (s Scenario) validate() error {
	if strings.TrimSpace(s.Query) == "" {
		return errors.New("query is required")
	}
	for i, q := range s.Setup {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("setup query %d is empty", i+1)
		}
	}
	return nil
}

// String returns name if set, query otherwise
func (s Scenario) String() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Query
}
