// Package model defines the data structures for the gateway's configuration,
// tasks, and confirmation tokens.
package model

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Backend  BackendConfig  `yaml:"backend"`
	Policy   PolicyConfig   `yaml:"policy"`
	Confirm  ConfirmConfig  `yaml:"confirm"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Store    StoreConfig    `yaml:"store"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type GatewayConfig struct {
	// Namespace is the leading token of every externally exposed tool name.
	Namespace string `yaml:"namespace"`
	HostID    string `yaml:"host_id"`
}

type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	PackRefreshSec int    `yaml:"pack_refresh_sec"`
}

type PolicyConfig struct {
	// RulesFile holds environment-specific rules prepended to the built-ins.
	// Empty means built-ins only.
	RulesFile   string `yaml:"rules_file"`
	StrictPacks bool   `yaml:"strict_packs"`
}

type ConfirmConfig struct {
	TokenTTLSec int `yaml:"token_ttl_sec"`
}

type DispatchConfig struct {
	InitialLeaseSec       int `yaml:"initial_lease_sec"`
	AckLeaseSec           int `yaml:"ack_lease_sec"`
	MaxCumulativeLeaseSec int `yaml:"max_cumulative_lease_sec"`
	MaxWaitSec            int `yaml:"max_wait_sec"`
	MaxBatch              int `yaml:"max_batch"`
}

type StoreConfig struct {
	// Driver selects the state backend: "memory" (default) or "sqlite".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type DaemonConfig struct {
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
