package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryan-winkler/lectern/internal/config"
	"github.com/ryan-winkler/lectern/internal/llm"
	"github.com/ryan-winkler/lectern/internal/ratelimit"
	"github.com/ryan-winkler/lectern/internal/server"
	"github.com/ryan-winkler/lectern/internal/session"
	"github.com/ryan-winkler/lectern/internal/stt"
	"github.com/ryan-winkler/lectern/internal/synology"
	localtls "github.com/ryan-winkler/lectern/internal/tls"
	"github.com/ryan-winkler/lectern/internal/topics"
	"github.com/ryan-winkler/lectern/internal/vault"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	logger, logWriter := newLogger(cfg)

	creds, err := config.LoadCredentials(cfg.SecretsFile)
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}
	if err := creds.Validate(cfg.SecretsFile); err != nil {
		return fmt.Errorf("cannot start: %w", err)
	}

	store := config.NewStore(cfg.SecretsFile, creds, logger)
	if err := store.Watch(); err != nil {
		// Reloading is a convenience; serving with the loaded secrets still works.
		logger.Warn("secrets file will not be reloaded", "error", err)
	}
	defer store.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(ctx, func() session.Deps {
		c := store.Current()
		return session.Deps{
			Dial:          recognizer(cfg, c, logger),
			Translator:    llm.New(llmOptions(cfg, c), logger),
			SampleRate:    cfg.STTSampleRate,
			RecordingsDir: cfg.RecordingsDir,
		}
	}, logger)

	limiter := ratelimit.New(cfg.RateLimit, time.Minute, strings.Split(cfg.RateAllow, ","))
	go limiter.Run(ctx, 5*time.Minute)

	webSub, err := fs.Sub(webFS, "web")
	if err != nil {
		return fmt.Errorf("embedded web files: %w", err)
	}

	var access *slog.Logger
	if cfg.AccessLog {
		access = server.NewAccessLogger(logWriter)
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    store,
		Catalog:  topics.New(),
		Sessions: sessions,
		Vault:    vault.New(cfg.ExportDir, logger),
		Limiter:  limiter,
		Web:      webSub,
		Version:  version,
		Logger:   logger,
		Access:   access,
		LLMHealth: func(ctx context.Context) error {
			return llm.New(llmOptions(cfg, store.Current()), logger).Health(ctx)
		},
	})
	go srv.SweepSessions(ctx, 5*time.Minute, 2*time.Hour)

	go func() {
		if _, err := srv.RefreshFolders(ctx); err != nil {
			logger.Warn("initial folder refresh failed", "error", err, "hint", synology.Hint(err))
		}
	}()

	// No read or write timeout: the audio socket and event stream are long-lived.
	// Request contexts end with ctx so open event streams let shutdown finish.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	proto := "http"
	if cfg.EnableTLS {
		certDir := filepath.Join(os.Getenv("HOME"), ".config", "lectern", "tls")
		hostnames := []string{"lectern.local"}
		if extra := os.Getenv("LECTERN_TLS_HOSTNAMES"); extra != "" {
			for _, h := range strings.Split(extra, ",") {
				hostnames = append(hostnames, strings.TrimSpace(h))
			}
		}
		tlsConfig, err := localtls.GenerateOrLoad(certDir, hostnames, logger)
		if err != nil {
			// Without TLS the mic only works from localhost, but the server is still usable there.
			logger.Error("TLS setup failed, falling back to HTTP", "error", err)
		} else {
			httpServer.TLSConfig = tlsConfig
			proto = "https"
		}
	}

	logger.Info("Lectern starting",
		"addr", cfg.ListenAddr(),
		"proto", proto,
		"version", version,
		"backend", cfg.NASBackend,
		"folder", cfg.FolderPath,
		"llm_model", cfg.LLMModel,
	)
	fmt.Fprintf(os.Stdout, "\n  Lectern %s\n  → %s://%s\n\n", version, proto, cfg.ListenAddr())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if proto == "https" {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err, "why", "connections did not drain within 10s")
	}
	logger.Info("goodbye")
	return nil
}

func recognizer(cfg *config.Config, creds config.Credentials, logger *slog.Logger) session.DialFunc {
	d := &stt.Dialer{
		URL:              cfg.STTURL,
		APIKey:           creds.STTKey,
		SampleRate:       cfg.STTSampleRate,
		HandshakeTimeout: 10 * time.Second,
		Logger:           logger,
	}
	return func(ctx context.Context) (session.Stream, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func llmOptions(cfg *config.Config, creds config.Credentials) llm.Options {
	return llm.Options{
		BaseURL: cfg.LLMURL,
		APIKey:  creds.LLMKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}
}
