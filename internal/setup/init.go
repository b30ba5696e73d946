// Package setup handles gateway data directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/toolgate/internal/model"
	atomicyaml "github.com/msageha/toolgate/internal/yaml"
	"github.com/msageha/toolgate/templates"
)

const gatewayDir = ".toolgate"

// Run initializes the .toolgate/ directory structure in the given project
// directory. backendURL overrides the template's backend base URL when
// non-empty.
func Run(projectDir, backendURL string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, gatewayDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(base, backendURL)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	rules, err := fs.ReadFile(templates.FS, "rules.yaml")
	if err != nil {
		return fmt.Errorf("read rules template: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "rules.yaml"), rules); err != nil {
		return fmt.Errorf("write rules.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func generateConfig(base, backendURL string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if backendURL != "" {
		cfg.Backend.BaseURL = backendURL
	}
	// The daemon takes the rules file path as written, so pin it to the
	// data directory rather than the caller's working directory.
	if cfg.Policy.RulesFile != "" && !filepath.IsAbs(cfg.Policy.RulesFile) {
		cfg.Policy.RulesFile = filepath.Join(base, cfg.Policy.RulesFile)
	}

	hostname, err := os.Hostname()
	if err == nil && cfg.Gateway.HostID == "" {
		cfg.Gateway.HostID = hostname
	}

	return &cfg, nil
}
