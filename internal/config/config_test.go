package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("loading defaults: %v", err)
	}
	if cfg.Mode != "all" {
		t.Errorf("default mode = %q, want all", cfg.Mode)
	}
	if cfg.Listen != "0.0.0.0:8080" {
		t.Errorf("default listen = %q", cfg.Listen)
	}
	if cfg.PipelineNamespace != "loom-pipelines" {
		t.Errorf("default pipeline namespace = %q", cfg.PipelineNamespace)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("default smtp port = %d", cfg.SMTPPort)
	}
	if cfg.PasskeyRPID != "localhost" || cfg.PasskeyRPName != "Loom" {
		t.Errorf("passkey relying party = %q/%q", cfg.PasskeyRPID, cfg.PasskeyRPName)
	}
}

func TestLoadPasskeyOverrides(t *testing.T) {
	t.Setenv("LOOM_PASSKEY_RP_ID", "loom.example.com")
	t.Setenv("LOOM_PASSKEY_RP_ORIGINS", "https://loom.example.com,https://alt.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.PasskeyRPID != "loom.example.com" {
		t.Errorf("rp id = %q", cfg.PasskeyRPID)
	}
	if len(cfg.PasskeyRPOrigins) != 2 || cfg.PasskeyRPOrigins[1] != "https://alt.example.com" {
		t.Errorf("rp origins = %v", cfg.PasskeyRPOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOOM_MODE", "worker")
	t.Setenv("LOOM_LISTEN", "127.0.0.1:9999")
	t.Setenv("LOOM_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Mode != "worker" {
		t.Errorf("mode = %q, want worker", cfg.Mode)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
}
