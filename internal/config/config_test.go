package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Volpestyle/career-agent-sub001/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Webserver.Port != 8080 {
		t.Errorf("port: got %d want 8080", cfg.Webserver.Port)
	}
	if cfg.Stream.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("heartbeat: got %v want 30s", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.MaxSubscribersPerTopic != 100 {
		t.Errorf("subscriber limit: got %d", cfg.Stream.MaxSubscribersPerTopic)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"logLevel":"debug","stream":{"heartbeatInterval":"5s","writeTimeout":2}}`), 0644)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("got %q want debug", cfg.LogLevel)
	}
	if cfg.Stream.HeartbeatInterval.Std() != 5*time.Second {
		t.Errorf("heartbeat: got %v", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Stream.WriteTimeout.Std() != 2*time.Second {
		t.Errorf("numeric seconds: got %v", cfg.Stream.WriteTimeout)
	}
	// Unset sections keep their defaults.
	if cfg.Stream.MaxPendingFrames != 1024 {
		t.Errorf("max pending: got %d", cfg.Stream.MaxPendingFrames)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(`
webserver:
  port: 9000
provider:
  apiKey: bb-key
  cacheTTL: 1m
retention:
  maxAge: 168h
ingest:
  enabled: true
`), 0644)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Webserver.Port != 9000 || cfg.Webserver.Host != "0.0.0.0" {
		t.Errorf("webserver: %+v", cfg.Webserver)
	}
	if cfg.Provider.APIKey != "bb-key" || cfg.Provider.CacheTTL.Std() != time.Minute {
		t.Errorf("provider: %+v", cfg.Provider)
	}
	if cfg.Retention.MaxAge.Std() != 7*24*time.Hour {
		t.Errorf("retention: %v", cfg.Retention.MaxAge)
	}
	if !cfg.Ingest.Enabled || cfg.Ingest.Queue != "career-agent.ingest" {
		t.Errorf("ingest: %+v", cfg.Ingest)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"stream":{"heartbeatInterval":"soon"}}`), 0644)
	if _, err := config.Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnsureJWTSecret(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := config.Defaults()

			if err := config.EnsureJWTSecret(path, &cfg); err != nil {
				t.Fatal(err)
			}
			if len(cfg.Auth.JWTSecret) != 64 {
				t.Fatalf("expected 64 char secret, got %q", cfg.Auth.JWTSecret)
			}

			reloaded, err := config.Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if reloaded.Auth.JWTSecret != cfg.Auth.JWTSecret {
				t.Error("secret not persisted")
			}
			if reloaded.Stream.HeartbeatInterval != cfg.Stream.HeartbeatInterval {
				t.Errorf("durations not round-tripped: %v", reloaded.Stream.HeartbeatInterval)
			}

			secret := cfg.Auth.JWTSecret
			if err := config.EnsureJWTSecret(path, &cfg); err != nil {
				t.Fatal(err)
			}
			if cfg.Auth.JWTSecret != secret {
				t.Error("existing secret replaced")
			}
		})
	}
}
