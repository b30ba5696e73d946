package policy

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// RulesFile is the on-disk shape of environment-specific policy rules.
// Rules are applied front-of-list, in file order.
type RulesFile struct {
	SchemaVersion int    `yaml:"schema_version"`
	Rules         []Rule `yaml:"rules"`
}

const rulesFileSchemaVersion = 1

// LoadRulesFile reads and validates a custom rules file. A missing file is
// not an error: it yields an empty rule set.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var rf RulesFile
	if err := yamlv3.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if rf.SchemaVersion != rulesFileSchemaVersion {
		return nil, fmt.Errorf("rules file %s: unsupported schema_version %d", path, rf.SchemaVersion)
	}

	for i := range rf.Rules {
		if err := rf.Rules[i].compile(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return rf.Rules, nil
}

// ReloadFromFile swaps the custom rule set from the rules file. Invalid
// content leaves the previous rules in place.
func (p *Policy) ReloadFromFile(path string) error {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return err
	}
	return p.SetCustom(rules)
}
