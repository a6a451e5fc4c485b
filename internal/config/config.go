package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the parts-counter kiosk.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	GeminiAPIKey        string
	GeminiLiveURL       string
	GeminiLiveModel     string
	GeminiVoice         string
	GeminiAnalysisModel string

	InactivityTimeout   time.Duration
	ToolResumeDelay     time.Duration
	SnapshotSettleDelay time.Duration
	CaptureFrameSamples int
	OpeningNudge        string
	MotionThreshold     float64

	SignageDir       string
	InventoryCatalog string
	AudioDumpDir     string
	AudioBackend     string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "partskiosk"),
		AllowAnyOrigin:      false,
		GeminiAPIKey:        stringsTrimSpace("GEMINI_API_KEY"),
		GeminiLiveURL:       stringsTrimSpace("GEMINI_LIVE_URL"),
		GeminiLiveModel:     envOrDefault("GEMINI_LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiVoice:         envOrDefault("GEMINI_VOICE", "Puck"),
		GeminiAnalysisModel: envOrDefault("GEMINI_ANALYSIS_MODEL", "gemini-2.0-flash"),
		// The kiosk greets first; an empty nudge waits for the customer to speak.
		OpeningNudge:     envOrDefault("KIOSK_OPENING_NUDGE", "Hello"),
		SignageDir:       envOrDefault("KIOSK_SIGNAGE_DIR", "assets/signs"),
		InventoryCatalog: stringsTrimSpace("KIOSK_INVENTORY_CATALOG"),
		AudioDumpDir:     stringsTrimSpace("KIOSK_AUDIO_DUMP_DIR"),
		AudioBackend:     strings.ToLower(trimSpace(envOrDefault("KIOSK_AUDIO_BACKEND", "malgo"))),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		// Measured from the last inbound message.
		InactivityTimeout: 45 * time.Second,
		// Empirical grace period before unmuting after a tool response.
		ToolResumeDelay: 500 * time.Millisecond,
		// Avoids grabbing a black or stale first frame.
		SnapshotSettleDelay: 300 * time.Millisecond,
		CaptureFrameSamples: 2048,
		MotionThreshold:     0.08,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.InactivityTimeout, err = durationFromEnv("KIOSK_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolResumeDelay, err = durationFromEnv("KIOSK_TOOL_RESUME_DELAY", cfg.ToolResumeDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SnapshotSettleDelay, err = durationFromEnv("KIOSK_SNAPSHOT_SETTLE_DELAY", cfg.SnapshotSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSamples, err = intFromEnv("KIOSK_CAPTURE_FRAME_SAMPLES", cfg.CaptureFrameSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.MotionThreshold, err = floatFromEnv("KIOSK_MOTION_THRESHOLD", cfg.MotionThreshold)
	if err != nil {
		return Config{}, err
	}

	if cfg.InactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("KIOSK_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ToolResumeDelay < 0 {
		return Config{}, fmt.Errorf("KIOSK_TOOL_RESUME_DELAY must be >= 0")
	}
	if cfg.SnapshotSettleDelay < 0 {
		return Config{}, fmt.Errorf("KIOSK_SNAPSHOT_SETTLE_DELAY must be >= 0")
	}
	if cfg.CaptureFrameSamples <= 0 {
		return Config{}, fmt.Errorf("KIOSK_CAPTURE_FRAME_SAMPLES must be positive")
	}
	if cfg.MotionThreshold <= 0 || cfg.MotionThreshold >= 1 {
		return Config{}, fmt.Errorf("KIOSK_MOTION_THRESHOLD must be in (0,1)")
	}
	switch cfg.AudioBackend {
	case "malgo", "null":
	default:
		return Config{}, fmt.Errorf("KIOSK_AUDIO_BACKEND must be malgo or null, got %q", cfg.AudioBackend)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
