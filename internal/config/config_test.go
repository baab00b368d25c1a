package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text in dev mode", cfg.LogFormat)
	}
	if cfg.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Fatalf("AccessTokenTTL=%v, want %v", cfg.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if cfg.PairingCodeTTL != 10*time.Minute {
		t.Fatalf("PairingCodeTTL=%v, want 10m", cfg.PairingCodeTTL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval=%v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.CommandQueueDepth != DefaultCommandQueueDepth {
		t.Fatalf("CommandQueueDepth=%d, want %d", cfg.CommandQueueDepth, DefaultCommandQueueDepth)
	}
}

func TestLoad_EnvOverridesAndFlagsWin(t *testing.T) {
	env := map[string]string{
		"REMOTEEYE_LISTEN_ADDR": "0.0.0.0:9000",
		"HEARTBEAT_INTERVAL":    "10s",
		"COMMAND_QUEUE_DEPTH":   "5",
		"JWT_SECRET":            "s3cret",
	}

	cfg, err := load(lookupFromMap(env), []string{"-listen", "127.0.0.1:7777"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:7777" {
		t.Fatalf("ListenAddr=%q, want flag to win over env", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("HeartbeatInterval=%v, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.CommandQueueDepth != 5 {
		t.Fatalf("CommandQueueDepth=%d, want 5", cfg.CommandQueueDepth)
	}
}

func TestLoad_ProdRequiresJWTSecret(t *testing.T) {
	env := map[string]string{
		"REMOTEEYE_MODE": "prod",
	}
	if _, err := load(lookupFromMap(env), nil); err == nil {
		t.Fatalf("expected error for prod mode without JWT_SECRET")
	}

	env["JWT_SECRET"] = "s3cret"
	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat=%q, want json in prod mode", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info in prod mode", cfg.LogLevel)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"HEARTBEAT_INTERVAL": "soon"}},
		{"bad int", map[string]string{"COMMAND_QUEUE_DEPTH": "many"}},
		{"zero queue depth", map[string]string{"COMMAND_QUEUE_DEPTH": "0"}},
		{"grace multiple too small", map[string]string{"HEARTBEAT_GRACE_MULTIPLE": "1"}},
		{"refresh shorter than access", map[string]string{"REFRESH_TOKEN_TTL": "30m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupFromMap(tt.env), nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
