package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Validator.MaxTries != 3 {
		t.Errorf("Validator.MaxTries = %d, want 3", cfg.Validator.MaxTries)
	}
	if cfg.Server.ListenAddr != ":1080" {
		t.Errorf("Server.ListenAddr = %q, want :1080", cfg.Server.ListenAddr)
	}
	if cfg.Pool.PerProxyConcurrency != 16 {
		t.Errorf("Pool.PerProxyConcurrency = %d, want 16", cfg.Pool.PerProxyConcurrency)
	}
	if cfg.DNSBL.Threshold != 1 {
		t.Errorf("DNSBL.Threshold = %d, want 1", cfg.DNSBL.Threshold)
	}
}

func TestLoad_RejectsUnknownProtocol(t *testing.T) {
	path := writeTempConfig(t, `{"validator":{"protocols":["carrier-pigeon"]}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an unknown protocol to be rejected")
	}
}

func TestLoad_RejectsBadStorageType(t *testing.T) {
	path := writeTempConfig(t, `{"storage":{"type":"memcached"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an unsupported storage type to be rejected")
	}
}

func TestReload_PicksUpFileChanges(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"listen_addr":":9000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("Server.ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}

	if err := os.WriteFile(path, []byte(`{"server":{"listen_addr":":9001"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Reload(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":9001" {
		t.Fatalf("after Reload, Server.ListenAddr = %q, want :9001", cfg.Server.ListenAddr)
	}
}
