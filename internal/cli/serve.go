package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chadiek/taxmate/internal/account"
	"github.com/chadiek/taxmate/internal/config"
	"github.com/chadiek/taxmate/internal/dispatch"
	"github.com/chadiek/taxmate/internal/httpserver"
	"github.com/chadiek/taxmate/internal/llm"
	"github.com/chadiek/taxmate/internal/logging"
	"github.com/chadiek/taxmate/internal/status"
	"github.com/chadiek/taxmate/internal/stt"
	"github.com/chadiek/taxmate/internal/tts"
)

const (
	statusTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the assistant panel and chat endpoint",
	Long: `Start the HTTP server. It serves the panel WebSocket (/ws/panel), the
chat endpoint (/chat) when CEREBRAS_API_KEY is set, and the integration
status routes (/api/status).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log := setup()
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := status.NewMonitor(
		status.NewChecker(cfg.StatusBaseURL, statusTimeout),
		cfg.StatusPollInterval,
		logging.Component(log, "status"),
	)
	go func() { _ = monitor.Run(ctx) }()

	opts := serverOptions(cfg, log, monitor)
	opts.Account = openSignedIn(cfg.SessionFile, log)
	srv := httpserver.New(opts)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	return nil
}

// serverOptions wires the configured providers into the HTTP server. Providers
// without credentials stay nil so the server degrades the matching feature.
func serverOptions(cfg config.Config, log zerolog.Logger, monitor *status.Monitor) httpserver.Options {
	opts := httpserver.Options{
		Logger:       logging.Component(log, "http"),
		AuthPassword: cfg.AuthPassword,
		Dispatcher:   dispatch.NewClient(cfg.ChatBaseURL, cfg.ChatTimeout),
		VoiceOutput:  cfg.VoiceOutput,
		Strict:       cfg.StrictInvariants,
		Status:       monitor,
	}
	if cfg.CerebrasKey != "" {
		opts.Generator = llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
	}
	if cfg.AssemblyAIKey != "" {
		sttLog := logging.Component(log, "stt")
		opts.NewCapture = func() httpserver.PanelCapture {
			return stt.NewAssemblyAI(cfg.AssemblyAIKey, stt.WithLogger(sttLog))
		}
	}
	if cfg.SpeechEnabled() {
		ttsLog := logging.Component(log, "tts")
		switch cfg.TTSProvider {
		case "elevenlabs":
			opts.Streamer = tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, ttsLog)
		default:
			opts.Streamer = tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramModel, ttsLog)
		}
	}
	return opts
}

// openSignedIn loads the account session once at startup. An unreadable
// session file is logged and treated as signed out.
func openSignedIn(path string, log zerolog.Logger) *account.Session {
	acct, err := account.Open(path)
	if err != nil {
		acctLog := logging.Component(log, "account")
		acctLog.Warn().Err(err).Str("path", path).Msg("session file unreadable, continuing signed out")
		return nil
	}
	return acct
}
