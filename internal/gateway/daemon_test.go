package gateway

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msageha/toolgate/internal/model"
)

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon:  model.DaemonConfig{ScanIntervalSec: 5, ShutdownTimeoutSec: 10},
		Logging: model.LoggingConfig{Level: "debug"},
	}

	d, err := newDaemon("/tmp/test-toolgate", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.gatewayDir != "/tmp/test-toolgate" {
		t.Errorf("gatewayDir: got %q, want %q", d.gatewayDir, "/tmp/test-toolgate")
	}
	if d.logLevel != LogLevelDebug {
		t.Errorf("logLevel: got %d, want %d", d.logLevel, LogLevelDebug)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon: model.DaemonConfig{ScanIntervalSec: 1, ShutdownTimeoutSec: 1},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be idempotent
	d.Shutdown()
	d.Shutdown() // second call should not panic
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Logging: model.LoggingConfig{Level: "warn"},
	}

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Info should be filtered
	d.log(LogLevelInfo, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// Warn should pass
	d.log(LogLevelWarn, "warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Errorf("expected WARN in output, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesDirs(t *testing.T) {
	tmpDir := t.TempDir()
	gatewayDir := filepath.Join(tmpDir, ".toolgate")
	if err := os.MkdirAll(gatewayDir, 0755); err != nil {
		t.Fatalf("create gateway dir: %v", err)
	}

	cfg := model.Config{}
	d, err := New(gatewayDir, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	for _, sub := range []string{"logs", "locks"} {
		if _, err := os.Stat(filepath.Join(gatewayDir, sub)); err != nil {
			t.Errorf("expected %s dir to be created: %v", sub, err)
		}
	}
}

func TestBuildComponents(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Gateway: model.GatewayConfig{Namespace: "tg"},
		Backend: model.BackendConfig{BaseURL: "http://127.0.0.1:9"},
		Store:   model.StoreConfig{Driver: "memory"},
		Confirm: model.ConfirmConfig{TokenTTLSec: 60},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if err := d.buildComponents(); err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	if d.gateway == nil || d.dispatcher == nil || d.cat == nil || d.confirmSvc == nil {
		t.Error("expected all components to be constructed")
	}
	if d.stateDB != nil {
		t.Error("memory driver should not open a state database")
	}
	d.cleanup()
}

func TestBuildComponentsUnknownStoreDriver(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Gateway: model.GatewayConfig{Namespace: "tg"},
		Backend: model.BackendConfig{BaseURL: "http://127.0.0.1:9"},
		Store:   model.StoreConfig{Driver: "dynamo"},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if err := d.buildComponents(); err == nil {
		t.Error("expected error for unknown store driver")
	}
}

func TestBuildComponentsResolvesRelativeRulesFile(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rules, []byte("schema_version: 1\nrules: []\n"), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	var buf bytes.Buffer
	cfg := model.Config{
		Gateway: model.GatewayConfig{Namespace: "tg"},
		Backend: model.BackendConfig{BaseURL: "http://127.0.0.1:9"},
		Policy:  model.PolicyConfig{RulesFile: "rules.yaml"},
	}

	d, err := newDaemon(dir, cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if err := d.buildComponents(); err != nil {
		t.Fatalf("buildComponents: %v", err)
	}
	if d.config.Policy.RulesFile != rules {
		t.Errorf("rules file: got %q, want %q", d.config.Policy.RulesFile, rules)
	}
	d.cleanup()
}

func TestRefreshDue(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Backend: model.BackendConfig{PackRefreshSec: 300},
	}

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}

	// Zero lastRefresh means a refresh is overdue.
	if !d.refreshDue() {
		t.Error("expected refresh due with zero lastRefresh")
	}

	d.refreshMu.Lock()
	d.lastRefresh = time.Now()
	d.refreshMu.Unlock()
	if d.refreshDue() {
		t.Error("expected no refresh due immediately after one")
	}
}
