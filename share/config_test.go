package swshare

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seawire.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestShipConfigDefaults(t *testing.T) {
	cfg := DefaultShipConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %s", err)
	}
	if cfg.ShoreAddr != "localhost:9999" {
		t.Errorf("ShoreAddr = %q", cfg.ShoreAddr)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if time.Duration(cfg.RecvTimeout) != 60*time.Second {
		t.Errorf("RecvTimeout = %s", time.Duration(cfg.RecvTimeout))
	}
}

func TestShipConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
shore_addr = "wss://shore.example.net/seawire"
listen = ":3128"
socks5 = ":1080"
recv_timeout = "45s"
min_backoff = "250ms"
queue_capacity = 64
ledger_path = "/var/lib/seawire/ledger.db"
log_level = "debug"
`)
	cfg := DefaultShipConfig()
	if err := LoadFile(path, cfg); err != nil {
		t.Fatalf("LoadFile failed: %s", err)
	}
	if cfg.ShoreAddr != "wss://shore.example.net/seawire" {
		t.Errorf("ShoreAddr = %q", cfg.ShoreAddr)
	}
	if cfg.Listen != ":3128" || cfg.Socks5 != ":1080" {
		t.Errorf("Listen = %q Socks5 = %q", cfg.Listen, cfg.Socks5)
	}
	if time.Duration(cfg.RecvTimeout) != 45*time.Second {
		t.Errorf("RecvTimeout = %s", time.Duration(cfg.RecvTimeout))
	}
	if time.Duration(cfg.MinBackoff) != 250*time.Millisecond {
		t.Errorf("MinBackoff = %s", time.Duration(cfg.MinBackoff))
	}
	if cfg.QueueCapacity != 64 {
		t.Errorf("QueueCapacity = %d", cfg.QueueCapacity)
	}
	if cfg.LedgerPath != "/var/lib/seawire/ledger.db" {
		t.Errorf("LedgerPath = %q", cfg.LedgerPath)
	}
	// untouched keys keep their defaults
	if time.Duration(cfg.ResultWait) != 60*time.Second {
		t.Errorf("ResultWait = %s", time.Duration(cfg.ResultWait))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %s", err)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "shore_adress = \"typo:9999\"\n")
	if err := LoadFile(path, DefaultShipConfig()); err == nil {
		t.Error("LoadFile accepted an unknown key")
	}
}

func TestShipConfigApplyEnv(t *testing.T) {
	t.Setenv("OFFSHORE_HOST", "legacy.example.net")
	t.Setenv("OFFSHORE_PORT", "19999")
	t.Setenv("LISTEN_PORT", "3129")
	t.Setenv("LOG_LEVEL", "trace")

	cfg := DefaultShipConfig()
	cfg.ApplyEnv()
	if cfg.ShoreAddr != "legacy.example.net:19999" {
		t.Errorf("ShoreAddr = %q", cfg.ShoreAddr)
	}
	if cfg.Listen != ":3129" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.LogLevel != "trace" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestShipConfigEnvPrecedence(t *testing.T) {
	// the SEAWIRE_* names win over the legacy names
	t.Setenv("OFFSHORE_HOST", "legacy.example.net")
	t.Setenv("SEAWIRE_SHORE_ADDR", "tls://new.example.net:9999")
	cfg := DefaultShipConfig()
	cfg.ApplyEnv()
	if cfg.ShoreAddr != "tls://new.example.net:9999" {
		t.Errorf("ShoreAddr = %q", cfg.ShoreAddr)
	}
}

func TestShipConfigValidate(t *testing.T) {
	cfg := DefaultShipConfig()
	cfg.ShoreAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty shore_addr passed validation")
	}

	cfg = DefaultShipConfig()
	cfg.QueueCapacity = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero queue_capacity passed validation")
	}

	cfg = DefaultShipConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("bogus log level passed validation")
	}
}

func TestShoreConfigValidate(t *testing.T) {
	cfg := DefaultShoreConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %s", err)
	}

	cfg.Mode = "tls"
	if err := cfg.Validate(); err == nil {
		t.Error("tls mode without cert files passed validation")
	}
	cfg.CertFile = "cert.pem"
	cfg.KeyFile = "key.pem"
	if err := cfg.Validate(); err != nil {
		t.Errorf("tls mode with cert files failed validation: %s", err)
	}

	cfg.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode passed validation")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("parsed = %s", time.Duration(d))
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "1m30s" {
		t.Errorf("text = %q", text)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("bogus duration parsed")
	}
}
