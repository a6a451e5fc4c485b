package httpapi

import (
	"net/url"
	"os"
	"strings"

	"github.com/ent0n29/partskiosk/internal/config"
	"github.com/ent0n29/partskiosk/internal/live"
)

type readinessCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

// defaultChecks evaluates static configuration once at startup.
func defaultChecks(cfg config.Config) []readinessCheck {
	checks := make([]readinessCheck, 0, 5)

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		checks = append(checks, readinessCheck{
			ID:     "gemini_key",
			Status: "error",
			Label:  "Gemini API key",
			Detail: "GEMINI_API_KEY is not set",
			Fix:    "Set GEMINI_API_KEY in the environment or .env file.",
		})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "gemini_key",
			Status: "ok",
			Label:  "Gemini API key",
			Detail: "present",
		})
	}

	liveURL := strings.TrimSpace(cfg.GeminiLiveURL)
	if liveURL == "" {
		liveURL = live.DefaultURL
	}
	if u, err := url.Parse(liveURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		checks = append(checks, readinessCheck{
			ID:     "live_url",
			Status: "error",
			Label:  "Live endpoint",
			Detail: liveURL,
			Fix:    "GEMINI_LIVE_URL must be a ws:// or wss:// URL.",
		})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "live_url",
			Status: "ok",
			Label:  "Live endpoint",
			Detail: u.Host,
		})
	}

	if info, err := os.Stat(cfg.SignageDir); err != nil || !info.IsDir() {
		checks = append(checks, readinessCheck{
			ID:     "signage_dir",
			Status: "warn",
			Label:  "Aisle signage",
			Detail: "directory not found: " + cfg.SignageDir,
			Fix:    "Set KIOSK_SIGNAGE_DIR to a folder of aisle_<name>.png images.",
		})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "signage_dir",
			Status: "ok",
			Label:  "Aisle signage",
			Detail: cfg.SignageDir,
		})
	}

	if cfg.AudioBackend == "null" {
		checks = append(checks, readinessCheck{
			ID:     "audio_backend",
			Status: "warn",
			Label:  "Audio devices",
			Detail: "null backend; no microphone or speaker",
			Fix:    "Set KIOSK_AUDIO_BACKEND=malgo on kiosk hardware.",
		})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "audio_backend",
			Status: "ok",
			Label:  "Audio devices",
			Detail: cfg.AudioBackend,
		})
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		checks = append(checks, readinessCheck{
			ID:     "inventory_store",
			Status: "warn",
			Label:  "Inventory store",
			Detail: "in-memory catalog",
			Fix:    "Set DATABASE_URL to search the shared inventory database.",
		})
	} else {
		checks = append(checks, readinessCheck{
			ID:     "inventory_store",
			Status: "ok",
			Label:  "Inventory store",
			Detail: "postgres",
		})
	}
	return checks
}

// runChecks reports ready unless any check is an error; warnings pass.
func runChecks(checks []readinessCheck) ([]readinessCheck, bool) {
	out := append([]readinessCheck(nil), checks...)
	for _, c := range out {
		if c.Status == "error" {
			return out, false
		}
	}
	return out, true
}
