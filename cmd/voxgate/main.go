package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxgate/voxgate/internal/ffmpeg"
	"github.com/voxgate/voxgate/pkg/bot/admission"
	"github.com/voxgate/voxgate/pkg/bot/backend"
	"github.com/voxgate/voxgate/pkg/bot/config"
	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/deliver"
	"github.com/voxgate/voxgate/pkg/bot/dispatch"
	"github.com/voxgate/voxgate/pkg/bot/i18n"
	"github.com/voxgate/voxgate/pkg/bot/ingest"
	"github.com/voxgate/voxgate/pkg/bot/ledger"
	"github.com/voxgate/voxgate/pkg/bot/metrics"
	"github.com/voxgate/voxgate/pkg/bot/session"
	"github.com/voxgate/voxgate/pkg/bot/transport"
)

type botDeps struct {
	loadConfig   func() (config.Config, error)
	newTransport func(token string, logger *slog.Logger) (*transport.Telegram, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBotDeps() botDeps {
	return botDeps{
		loadConfig:   config.LoadFromEnv,
		newTransport: transport.NewTelegram,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runBot(ctx context.Context, logger *slog.Logger, deps botDeps) error {
	if deps.loadConfig == nil || deps.newTransport == nil {
		return errors.New("missing constructor dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	texts, err := i18n.Load(cfg.BotLanguage, logger)
	if err != nil {
		return fmt.Errorf("load translations: %w", err)
	}

	tg, err := deps.newTransport(cfg.TelegramToken, logger)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	if err := tg.SetCommands(dispatch.Commands(texts)); err != nil {
		logger.Warn("register commands failed", "error", err)
	}

	ai := backend.NewOpenAI(backend.OpenAIConfig{
		APIKey:             cfg.OpenAIKey,
		BaseURL:            cfg.OpenAIBaseURL,
		Model:              cfg.Model,
		SystemPrompt:       cfg.SystemPrompt,
		MaxHistoryMessages: cfg.HistoryMaxMessages,
	})

	var store ledger.Store
	if cfg.LedgerDBPath != "" {
		s, err := ledger.OpenSQLStore(cfg.LedgerDBPath)
		if err != nil {
			logger.Warn("ledger store unavailable, accounting in memory only",
				"path", cfg.LedgerDBPath, "error", err)
		} else {
			store = s
			defer func() {
				if err := s.Close(); err != nil {
					logger.Warn("ledger store close failed", "error", err)
				}
			}()
		}
	}

	prices := ledger.PriceTable{
		TokenPer1K:          cfg.TokenPricePer1K,
		TranscriptionPerMin: cfg.TranscriptionPricePerMin,
		TTSPer1KChars:       cfg.TTSPricePer1KChars,
		Image:               cfg.ImagePrice,
	}
	led := ledger.New(ledger.Config{
		Prices:    prices,
		Allowed:   func(u core.UserID) bool { return cfg.IsAllowed(int64(u)) },
		BudgetFor: func(u core.UserID) float64 { return cfg.BudgetFor(int64(u)) },
		Period:    string(cfg.BudgetPeriod),
		Store:     store,
		Logger:    logger,
	})

	mtr := metrics.NewMetrics("voxgate")
	recorder := &dispatch.UsageRecorder{Ledger: led, Metrics: mtr, Prices: prices}

	sessions := session.NewStore(session.Config{
		DefaultVoice: cfg.DefaultVoice(),
		MaxEntries:   cfg.SessionMaxEntries,
		TTL:          cfg.SessionTTL,
	})

	d := &dispatch.Dispatcher{
		Transport: tg,
		Backend:   ai,
		Gate: &admission.Gate{
			IsAllowed: func(u core.UserID) bool { return cfg.IsAllowed(int64(u)) },
			IsAdmin:   func(u core.UserID) bool { return cfg.IsAdmin(int64(u)) },
			Budget:    led,
			Logger:    logger,
		},
		Ledger:   led,
		Sessions: sessions,
		Ingest: &ingest.Pipeline{
			Fetcher:        tg,
			Transcoder:     &ffmpeg.Transcoder{},
			Transcriber:    ai,
			Ledger:         recorder,
			TempDir:        cfg.TempDir,
			IgnorePrefixes: cfg.VoiceReplyPrefixes,
			Logger:         logger,
		},
		Deliver: &deliver.Pipeline{
			Sender:          tg,
			Synthesizer:     ai,
			Ledger:          recorder,
			MaxMessageChars: cfg.MaxMessageChars,
			Logger:          logger,
		},
		Texts:   texts,
		Metrics: mtr,
		Config: dispatch.Config{
			DefaultVoice: cfg.DefaultVoice(),
			Voices:       cfg.TTSVoices,
			PreviewText:  cfg.PreviewText,
			EventTimeout: cfg.EventTimeout,
			BudgetPeriod: string(cfg.BudgetPeriod),
		},
		Logger: logger,
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtr.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("starting bot", "username", tg.Username(), "model", cfg.Model)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- d.Run(runCtx, tg.Updates(runCtx, cfg.PollTimeout))
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatch: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop polling; Run drains in-flight handlers before returning.
	cancel()
	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatch: %w", err)
		}
	case <-time.After(cfg.ShutdownGracePeriod):
		logger.Warn("shutdown grace period elapsed with handlers still in flight")
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
	}

	logger.Info("bot stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps botDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}

	if err := runBot(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxgate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBotDeps()))
}
