// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestHTTPConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		config  HTTPConfig
		wantErr bool
	}{
		{"complete plain", HTTPConfig{IP: "127.0.0.1", Port: "8080"}, false},
		{"complete TLS", HTTPConfig{IP: "127.0.0.1", Port: "8443", CertPath: "c.pem", KeyPath: "k.pem"}, false},
		{"missing IP", HTTPConfig{Port: "8080"}, true},
		{"missing port", HTTPConfig{IP: "127.0.0.1"}, true},
		{"cert without key", HTTPConfig{IP: "127.0.0.1", Port: "8443", CertPath: "c.pem"}, true},
		{"key without cert", HTTPConfig{IP: "127.0.0.1", Port: "8443", KeyPath: "k.pem"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestHTTPConfigHelpers(t *testing.T) {
	cfg := HTTPConfig{IP: "10.0.0.1", Port: "8443", CertPath: "c.pem", KeyPath: "k.pem"}
	if got := cfg.ListenAddress(); got != "10.0.0.1:8443" {
		t.Errorf("ListenAddress() = %q", got)
	}
	if !cfg.UseTLS() {
		t.Error("UseTLS() = false with both paths set")
	}
	cfg.KeyPath = ""
	if cfg.UseTLS() {
		t.Error("UseTLS() = true with only a certificate")
	}
}

func TestDatabaseConfigRejectsBadType(t *testing.T) {
	dc := DatabaseConfig{Type: "oracle", DSN: "whatever"}
	if _, err := dc.getState(); err == nil {
		t.Error("unsupported database type accepted")
	}
	dc = DatabaseConfig{Type: "sqlite"}
	if _, err := dc.getState(); err == nil {
		t.Error("empty DSN accepted")
	}
}

func TestConfigFileUnmarshal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
log:
  level: debug
http:
  ip: 192.0.2.1
  port: "9443"
db:
  type: sqlite
  dsn: /tmp/test.db
ca:
  cert: /etc/pki/ca.pem
  key: /etc/pki/ca.key
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	var cfg CMPServerConfig
	if err := unmarshalConfig(&cfg); err != nil {
		t.Fatalf("unmarshalConfig: %v", err)
	}
	if cfg.HTTP.IP != "192.0.2.1" || cfg.HTTP.Port != "9443" {
		t.Errorf("HTTP config = %+v", cfg.HTTP)
	}
	if cfg.DB.Type != "sqlite" || cfg.DB.DSN != "/tmp/test.db" {
		t.Errorf("DB config = %+v", cfg.DB)
	}
	if cfg.CA.CertPath != "/etc/pki/ca.pem" || cfg.CA.KeyPath != "/etc/pki/ca.key" {
		t.Errorf("CA config = %+v", cfg.CA)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log config = %+v", cfg.Log)
	}
}
