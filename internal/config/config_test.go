package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
engine:
  workers: 6
  max_attempts: 4
  retry_delay_ms: 250
  checkpoint_every: 10
  default_cap: 500
  default_max_depth: 3
  source_priority: ["issuer_api", "portal_html"]
rate_limit:
  default_interval_ms: 200
database:
  driver: postgres
  dsn: postgres://localhost/catalog
logging:
  development: false
sources:
  issuer_api:
    kind: json_api
    min_interval_ms: 150
    cap: 10000
    max_depth: 0
    alphabet: ["A", "B", "C"]
    json_api:
      endpoint: https://example.com/rfb-api/products
      items_path: products
      total_path: searchMetadata.totalHits
      prefix_path: omni
    mapping:
      key_path: identification.isin
      confidence: 0.9
      fields:
        currency: currency
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Engine.Workers != 6 || cfg.Engine.CheckpointEvery != 10 || cfg.Engine.DefaultMaxDepth != 3 {
		t.Fatalf("expected engine overrides to apply: %+v", cfg.Engine)
	}
	if len(cfg.Engine.SourcePriority) != 2 || cfg.Engine.SourcePriority[0] != "issuer_api" {
		t.Fatalf("expected source priority to load: %+v", cfg.Engine.SourcePriority)
	}
	src, ok := cfg.Sources["issuer_api"]
	if !ok {
		t.Fatalf("expected issuer_api source: %+v", cfg.Sources)
	}
	if src.JSONAPI.TotalPath != "searchMetadata.totalHits" || src.Mapping.KeyPath != "identification.isin" {
		t.Fatalf("expected path values to keep their case: %+v", src)
	}
	if src.MaxDepth == nil || *src.MaxDepth != 0 {
		t.Fatalf("expected explicit max_depth 0 to survive, got %v", src.MaxDepth)
	}
	if len(src.Alphabet) != 3 || src.Mapping.Confidence != 0.9 {
		t.Fatalf("unexpected source config: %+v", src)
	}
	if got := cfg.RetryDelay(); got != 250*time.Millisecond {
		t.Fatalf("expected retry delay 250ms, got %v", got)
	}
	if got := cfg.SourceInterval("issuer_api"); got != 150*time.Millisecond {
		t.Fatalf("expected source interval 150ms, got %v", got)
	}
	if got := cfg.SourceInterval("other"); got != 200*time.Millisecond {
		t.Fatalf("expected default interval 200ms, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 12 || cfg.Engine.DefaultCap != 10000 || cfg.Engine.MaxAttempts != 3 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.RetryDelay() != 5*time.Second {
		t.Fatalf("expected 5s retry delay, got %v", cfg.RetryDelay())
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %q", cfg.Database.Driver)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Engine:   EngineConfig{Workers: 1, MaxAttempts: 1, CheckpointEvery: 1, DefaultCap: 10},
		HTTP:     HTTPConfig{TimeoutSeconds: 10},
		Database: DatabaseConfig{Driver: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Engine.Workers = 0
				return c
			}(),
			want: "engine.workers",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.Database.Driver = "postgres"
				return c
			}(),
			want: "database.dsn",
		},
		{
			name: "unknown source kind",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{"x": {Kind: "pdf"}}
				return c
			}(),
			want: "sources.x.kind",
		},
		{
			name: "render without headless",
			cfg: func() Config {
				c := base
				c.Sources = map[string]SourceConfig{"portal": {
					Kind:    SourceKindHTML,
					HTML:    HTMLConfig{URLTemplate: "https://example.com?q={prefix}", RowSelector: "tr", Render: true},
					Mapping: MappingConfig{KeyPath: "isin"},
				}}
				return c
			}(),
			want: "headless.enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
