package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9090
mysql:
  host: db
  database: marketpay
business:
  pending_ttl: 10m
gateways:
  nets:
    base_url: https://uat.nets.example
    api_key: from-file
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GATEWAYS_NETS_API_KEY", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Mode != "release" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Business.PendingTTL != 10*time.Minute || cfg.Business.PollInterval != 5*time.Second {
		t.Errorf("business = %+v", cfg.Business)
	}
	if cfg.Business.Currency != "SGD" || cfg.Business.PlatformUserID != 1 {
		t.Errorf("defaults not applied: %+v", cfg.Business)
	}
	if cfg.Gateways.Nets.APIKey != "from-env" {
		t.Errorf("api key = %q, want env override", cfg.Gateways.Nets.APIKey)
	}
	if cfg.Gateways.Alipay.GatewayURL == "" {
		t.Error("alipay gateway url default missing")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
