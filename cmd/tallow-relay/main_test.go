// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := "environment: production\npaths:\n  state: " + dir + "\nrelay_server:\n  listen: \":9443\"\n  secret_file: relay.secret\n  metrics_listen: 127.0.0.1:9100\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.RelayServer.Listen != ":9443" {
		t.Errorf("Listen = %q", cfg.RelayServer.Listen)
	}
	if cfg.RelayServer.MetricsListen != "127.0.0.1:9100" {
		t.Errorf("MetricsListen = %q", cfg.RelayServer.MetricsListen)
	}
	if want := filepath.Join(dir, "relay.secret"); cfg.RelayServer.SecretFile != want {
		t.Errorf("SecretFile = %q, want %q", cfg.RelayServer.SecretFile, want)
	}

	missing := filepath.Join(dir, "missing.yaml")
	if _, err := loadConfig(missing); err == nil {
		t.Error("loadConfig accepted a missing file")
	}
}

func TestLoadConfigProductionNeedsSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("environment: production\npaths:\n  state: "+dir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("production config without a relay secret validated")
	}
}
