package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InactivityTimeout != 45*time.Second {
		t.Fatalf("InactivityTimeout = %v, want 45s", cfg.InactivityTimeout)
	}
	if cfg.ToolResumeDelay != 500*time.Millisecond {
		t.Fatalf("ToolResumeDelay = %v, want 500ms", cfg.ToolResumeDelay)
	}
	if cfg.AudioBackend != "malgo" {
		t.Fatalf("AudioBackend = %q, want %q", cfg.AudioBackend, "malgo")
	}
	if cfg.GeminiLiveURL != "" {
		t.Fatalf("GeminiLiveURL = %q, want empty default", cfg.GeminiLiveURL)
	}
}

func TestLoadUsesExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KIOSK_TOOL_RESUME_DELAY", "750ms")
	t.Setenv("KIOSK_AUDIO_BACKEND", " NULL ")
	t.Setenv("KIOSK_MOTION_THRESHOLD", "0.2")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ToolResumeDelay != 750*time.Millisecond {
		t.Fatalf("ToolResumeDelay = %v, want 750ms", cfg.ToolResumeDelay)
	}
	if cfg.AudioBackend != "null" {
		t.Fatalf("AudioBackend = %q, want %q", cfg.AudioBackend, "null")
	}
	if cfg.MotionThreshold != 0.2 {
		t.Fatalf("MotionThreshold = %v, want 0.2", cfg.MotionThreshold)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsShortInactivityTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KIOSK_INACTIVITY_TIMEOUT", "2s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want validation error")
	}
}

func TestLoadRejectsUnknownAudioBackend(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("KIOSK_AUDIO_BACKEND", "pulse")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want validation error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"GEMINI_API_KEY",
		"GEMINI_LIVE_URL",
		"GEMINI_LIVE_MODEL",
		"GEMINI_VOICE",
		"GEMINI_ANALYSIS_MODEL",
		"KIOSK_INACTIVITY_TIMEOUT",
		"KIOSK_TOOL_RESUME_DELAY",
		"KIOSK_SNAPSHOT_SETTLE_DELAY",
		"KIOSK_CAPTURE_FRAME_SAMPLES",
		"KIOSK_OPENING_NUDGE",
		"KIOSK_MOTION_THRESHOLD",
		"KIOSK_SIGNAGE_DIR",
		"KIOSK_INVENTORY_CATALOG",
		"KIOSK_AUDIO_DUMP_DIR",
		"KIOSK_AUDIO_BACKEND",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
