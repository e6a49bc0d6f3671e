package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("CHAT_BASE_URL", "")
	t.Setenv("STATUS_BASE_URL", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("STATUS_POLL_INTERVAL", "")
	t.Setenv("VOICE_OUTPUT", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.ChatBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected chat base %q", cfg.ChatBaseURL)
	}
	if cfg.StatusBaseURL != cfg.ChatBaseURL {
		t.Fatalf("expected status base to default to chat base, got %q", cfg.StatusBaseURL)
	}
	if cfg.CerebrasModelID == "" {
		t.Fatalf("expected default cerebras model id")
	}
	if cfg.StatusPollInterval != 15*time.Second {
		t.Fatalf("expected 15s poll interval, got %s", cfg.StatusPollInterval)
	}
	if cfg.ChatTimeout != 0 {
		t.Fatalf("expected no chat timeout by default, got %s", cfg.ChatTimeout)
	}
	if !cfg.VoiceOutput {
		t.Fatalf("expected voice output on by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAT_BASE_URL", "https://api.example.com/")
	t.Setenv("CHAT_TIMEOUT", "20s")
	t.Setenv("STATUS_POLL_INTERVAL", "not-a-duration")
	t.Setenv("VOICE_OUTPUT", "false")
	t.Setenv("TTS_PROVIDER", "ElevenLabs")
	cfg := Load()
	if cfg.ChatBaseURL != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ChatBaseURL)
	}
	if cfg.ChatTimeout != 20*time.Second {
		t.Fatalf("expected 20s chat timeout, got %s", cfg.ChatTimeout)
	}
	if cfg.StatusPollInterval != 15*time.Second {
		t.Fatalf("invalid duration should fall back to default, got %s", cfg.StatusPollInterval)
	}
	if cfg.VoiceOutput {
		t.Fatalf("expected voice output disabled")
	}
	if cfg.TTSProvider != "elevenlabs" {
		t.Fatalf("expected provider lowercased, got %q", cfg.TTSProvider)
	}
}

func TestWarnings_MissingKeys(t *testing.T) {
	cfg := Config{TTSProvider: "deepgram"}
	if got := len(cfg.Warnings()); got != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", got, cfg.Warnings())
	}
	if cfg.SpeechEnabled() {
		t.Fatalf("speech should be disabled without a key")
	}
	cfg.DeepgramKey = "k"
	if !cfg.SpeechEnabled() {
		t.Fatalf("speech should be enabled with a deepgram key")
	}
}
