package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ent0n29/partskiosk/internal/analysis"
	"github.com/ent0n29/partskiosk/internal/audio"
	"github.com/ent0n29/partskiosk/internal/config"
	"github.com/ent0n29/partskiosk/internal/httpapi"
	"github.com/ent0n29/partskiosk/internal/inventory"
	"github.com/ent0n29/partskiosk/internal/kiosk"
	"github.com/ent0n29/partskiosk/internal/live"
	"github.com/ent0n29/partskiosk/internal/observability"
	"github.com/ent0n29/partskiosk/internal/session"
	"github.com/ent0n29/partskiosk/internal/signage"
	"github.com/ent0n29/partskiosk/internal/vision"
)

func main() {
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	verbose := cli.BoolP("verbose", "v", false, "Enable development logging")
	cli.Parse()

	var (
		logger *zap.Logger
		err    error
	)
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// A missing env file is normal in production; the process env wins.
	if err := godotenv.Load(*envFile); err != nil {
		logger.Debug("env file not loaded", zap.String("path", *envFile), zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	store, err := inventory.NewStore(runCtx, cfg.DatabaseURL, cfg.InventoryCatalog)
	if err != nil {
		logger.Fatal("inventory store init failed", zap.Error(err))
	}
	defer store.Close()

	genaiClient, err := analysis.NewGeminiClient(runCtx, cfg.GeminiAPIKey)
	if err != nil {
		logger.Fatal("gemini client init failed", zap.Error(err))
	}
	analyzer := analysis.NewGeminiAnalyzer(genaiClient.Models, analysis.Config{
		Model:   cfg.GeminiAnalysisModel,
		Timeout: 20 * time.Second,
	}, logger.Named("analysis"))

	var devices audio.Devices
	switch cfg.AudioBackend {
	case "null":
		devices = audio.NullDevices{}
		logger.Warn("audio backend: null (no microphone or speaker)")
	default:
		devices = audio.MalgoDevices{Logger: logger.Named("audio")}
		logger.Info("audio backend: malgo")
	}

	liveURL := cfg.GeminiLiveURL
	if liveURL == "" {
		liveURL = live.DefaultURL
	}
	dialer := live.NewWebsocketDialer(liveURL, cfg.GeminiAPIKey)

	frames := vision.NewFrameSource(cfg.SnapshotSettleDelay)
	motion := vision.NewMotionDetector(cfg.MotionThreshold)

	sessions := session.NewManager(cfg.InactivityTimeout)
	orchestrator := kiosk.NewOrchestrator(kiosk.Config{
		LiveModel:           cfg.GeminiLiveModel,
		Voice:               cfg.GeminiVoice,
		CaptureFrameSamples: cfg.CaptureFrameSamples,
		ToolResumeDelay:     cfg.ToolResumeDelay,
		OpeningNudge:        cfg.OpeningNudge,
		AudioDumpDir:        cfg.AudioDumpDir,
	}, kiosk.Deps{
		Sessions:  sessions,
		Dialer:    dialer,
		Devices:   devices,
		Analyzer:  analyzer,
		Inventory: store,
		Signs:     signage.NewResolver(cfg.SignageDir),
		Camera:    frames,
		Motion:    motion,
		Metrics:   metrics,
		Logger:    logger.Named("kiosk"),
	})
	sessions.StartJanitor(runCtx, time.Second)

	api := httpapi.New(runCtx, cfg, orchestrator, frames, motion, metrics, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	if err := orchestrator.Shutdown(); err != nil {
		logger.Warn("session shutdown failed", zap.Error(err))
	}
	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
