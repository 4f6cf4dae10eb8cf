// Package server wires the HTTP surface of Lectern: the folder catalog,
// interpreting sessions, live event streams and the embedded dashboard.
package server

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/ryan-winkler/lectern/internal/config"
	"github.com/ryan-winkler/lectern/internal/ratelimit"
	"github.com/ryan-winkler/lectern/internal/session"
	"github.com/ryan-winkler/lectern/internal/synology"
	"github.com/ryan-winkler/lectern/internal/topics"
	"github.com/ryan-winkler/lectern/internal/vault"
	"github.com/ryan-winkler/lectern/internal/webdav"
)

// Options configures a Server. Vault, Limiter, Access and LLMHealth are optional.
type Options struct {
	Config   *config.Config
	Store    *config.Store
	Catalog  *topics.Catalog
	Sessions *session.Manager
	Vault    *vault.Vault
	Limiter  *ratelimit.Limiter
	Web      fs.FS
	Version  string
	Logger   *slog.Logger
	Access   *slog.Logger

	// LLMHealth probes the language model for /healthz?diag.
	LLMHealth func(ctx context.Context) error
	// Lister overrides the NAS backend chosen from Config.
	Lister func(config.Credentials) topics.Lister
}

// Server serves the dashboard and its API.
type Server struct {
	cfg       *config.Config
	store     *config.Store
	catalog   *topics.Catalog
	sessions  *session.Manager
	vault     *vault.Vault
	limiter   *ratelimit.Limiter
	web       fs.FS
	version   string
	logger    *slog.Logger
	access    *slog.Logger
	llmHealth func(ctx context.Context) error
	lister    func(config.Credentials) topics.Lister
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		catalog:   opts.Catalog,
		sessions:  opts.Sessions,
		vault:     opts.Vault,
		limiter:   opts.Limiter,
		web:       opts.Web,
		version:   opts.Version,
		logger:    opts.Logger,
		access:    opts.Access,
		llmHealth: opts.LLMHealth,
		lister:    opts.Lister,
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(0, time.Minute, nil)
	}
	if s.lister == nil {
		s.lister = func(creds config.Credentials) topics.Lister {
			return NewLister(s.cfg, creds, s.logger)
		}
	}
	return s
}

// NewLister returns the folder lister for the configured NAS backend.
func NewLister(cfg *config.Config, creds config.Credentials, logger *slog.Logger) topics.Lister {
	if cfg.NASBackend == "webdav" {
		base := cfg.WebDAVURL
		if base == "" {
			base = creds.NASURL
		}
		return webdav.New(base, creds.NASAccount, creds.NASPassword, cfg.NASTimeout, logger)
	}
	return synology.New(synology.Options{
		BaseURL:  creds.NASURL,
		Account:  creds.NASAccount,
		Password: creds.NASPassword,
		Timeout:  cfg.NASTimeout,
	}, logger)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/folders", s.withAuth(s.handleFolders))
	mux.HandleFunc("POST /api/folders/refresh", s.withAuth(s.limiter.Wrap(s.handleRefresh, s.logger)))

	mux.HandleFunc("POST /api/sessions", s.withAuth(s.limiter.Wrap(s.handleCreateSession, s.logger)))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.withAuth(s.handleTranscript))
	mux.HandleFunc("POST /api/sessions/{id}/clear", s.withAuth(s.handleClear))
	mux.HandleFunc("PUT /api/sessions/{id}/topic", s.withAuth(s.handleTopic))
	mux.HandleFunc("POST /api/sessions/{id}/export", s.withAuth(s.handleExport))
	mux.HandleFunc("GET /api/sessions/{id}/events", s.withAuth(s.handleEvents))
	mux.HandleFunc("GET /api/sessions/{id}/audio", s.withAuth(s.handleAudio))

	mux.HandleFunc("GET /api/exports", s.withAuth(s.handleExports))

	if s.web != nil {
		mux.Handle("GET /", http.FileServer(http.FS(s.web)))
	}

	return s.accessLog(secure(mux))
}

// RefreshFolders reloads the topic catalog with the current credentials.
func (s *Server) RefreshFolders(ctx context.Context) ([]string, error) {
	creds := s.store.Current()
	if err := creds.ValidateNAS(s.cfg.SecretsFile); err != nil {
		return nil, err
	}
	start := time.Now()
	names, err := s.catalog.Refresh(ctx, s.lister(creds), s.cfg.FolderPath)
	if err != nil {
		s.logger.Warn("folder refresh failed",
			"backend", s.cfg.NASBackend,
			"path", s.cfg.FolderPath,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}
	s.logger.Info("folders refreshed",
		"backend", s.cfg.NASBackend,
		"count", len(names),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return names, nil
}
