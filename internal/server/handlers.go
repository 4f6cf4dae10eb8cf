package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ryan-winkler/lectern/internal/config"
	"github.com/ryan-winkler/lectern/internal/httputil"
	"github.com/ryan-winkler/lectern/internal/session"
	"github.com/ryan-winkler/lectern/internal/synology"
	"github.com/ryan-winkler/lectern/internal/vault"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	creds := s.store.Current()
	refreshed, refreshErr := s.catalog.Status()

	nas := map[string]any{
		"backend": s.cfg.NASBackend,
		"folders": len(s.catalog.Names()),
	}
	if !refreshed.IsZero() {
		nas["refreshed"] = refreshed.UTC().Format(time.RFC3339)
	}
	if refreshErr != nil {
		nas["error"] = refreshErr.Error()
		nas["hint"] = synology.Hint(refreshErr)
	}

	status := map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"version":    s.version,
		"nas":        nas,
		"recognizer": configured(creds.STTKey),
		"llm":        configured(creds.LLMKey),
		"sessions":   s.sessions.Len(),
		"export":     s.vault != nil,
		"tls":        s.cfg.EnableTLS,
	}

	if r.URL.Query().Has("diag") {
		diag := map[string]any{
			"folder_path":  s.cfg.FolderPath,
			"secrets_file": s.cfg.SecretsFile,
			"stt_url":      s.cfg.STTURL,
			"llm_url":      s.cfg.LLMURL,
			"llm_model":    s.cfg.LLMModel,
			"rate_limit":   s.cfg.RateLimit,
		}
		if err := creds.Validate(s.cfg.SecretsFile); err != nil {
			diag["credentials"] = err.Error()
		}
		if s.llmHealth != nil && creds.LLMKey != "" {
			if err := s.llmHealth(r.Context()); err != nil {
				status["llm"] = "unreachable"
				diag["llm_error"] = err.Error()
			} else {
				status["llm"] = "connected"
			}
		}
		status["diagnostics"] = diag
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

func configured(key string) string {
	if key == "" {
		return "missing"
	}
	return "configured"
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	refreshed, err := s.catalog.Status()
	resp := map[string]any{
		"folders": s.catalog.Filter(q),
		"path":    s.cfg.FolderPath,
	}
	if !refreshed.IsZero() {
		resp["refreshed"] = refreshed.UTC().Format(time.RFC3339)
	}
	if err != nil {
		resp["error"] = err.Error()
		resp["hint"] = synology.Hint(err)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	names, err := s.RefreshFolders(r.Context())
	if err != nil {
		s.refreshFailed(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"folders":     names,
		"count":       len(names),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// refreshFailed answers a failed refresh. The previous folder list is
// returned alongside the error so the selector stays usable.
func (s *Server) refreshFailed(w http.ResponseWriter, r *http.Request, err error) {
	var missing *config.MissingError
	if errors.As(err, &missing) {
		httputil.Detailed(w, r, s.logger, http.StatusServiceUnavailable, "NAS credentials are not configured",
			"WHY: "+err.Error(), map[string]any{"missing": missing.Keys})
		return
	}
	if synology.IsAuthFailure(err) {
		s.limiter.Exhaust(r.RemoteAddr)
	}
	httputil.Detailed(w, r, s.logger, http.StatusBadGateway, "folder refresh failed",
		"WHY: "+err.Error(),
		map[string]any{
			"code":    synology.Code(err),
			"hint":    synology.Hint(err),
			"detail":  err.Error(),
			"folders": s.catalog.Names(),
		})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	// First visitor populates the catalog, like opening the page did before
	// a refresh button existed.
	if refreshed, _ := s.catalog.Status(); refreshed.IsZero() {
		if _, err := s.RefreshFolders(r.Context()); err != nil {
			s.logger.Info("initial folder refresh failed", "error", err)
		}
	}

	sess := s.sessions.Create()
	_, refreshErr := s.catalog.Status()
	resp := map[string]any{
		"id":      sess.ID,
		"topic":   sess.Topic(),
		"folders": s.catalog.Names(),
	}
	if refreshErr != nil {
		resp["error"] = refreshErr.Error()
		resp["hint"] = synology.Hint(refreshErr)
	}
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

// session resolves {id} or writes a 404.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *session.Session {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		httputil.Error(w, r, s.logger, http.StatusNotFound, "unknown session",
			"WHY: session id not in manager, the tab may predate a restart or idle sweep")
		return nil
	}
	return sess
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(w, r); sess != nil {
		s.sessions.Remove(sess.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	english, korean := sess.Transcript().Columns()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"topic":     sess.Topic(),
		"status":    sess.Status(),
		"english":   english,
		"korean":    korean,
		"entries":   sess.Transcript().Entries(),
		"capturing": sess.Capturing(),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(w, r); sess != nil {
		sess.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		httputil.Error(w, r, s.logger, http.StatusBadRequest, "invalid JSON body",
			"WHY: topic update expects {\"topic\": string}")
		return
	}
	if req.Topic != "" && !s.catalog.Contains(req.Topic) {
		httputil.Error(w, r, s.logger, http.StatusUnprocessableEntity, "topic is not in the folder list",
			"WHY: topics are limited to NAS folder names, refresh may be stale")
		return
	}
	sess.SetTopic(req.Topic)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"topic": req.Topic})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	if s.vault == nil {
		httputil.Error(w, r, s.logger, http.StatusNotFound, "export is disabled",
			"WHY: LECTERN_EXPORT_DIR is not set")
		return
	}
	file, err := s.vault.Save(sess.ID, sess.Topic(), sess.Transcript().Entries())
	if errors.Is(err, vault.ErrEmpty) {
		httputil.Error(w, r, s.logger, http.StatusConflict, "nothing to export",
			"WHY: transcript is empty")
		return
	}
	if err != nil {
		httputil.ServerError(w, r, s.logger, "export failed",
			"WHY: could not write markdown into the export dir", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"file":    file,
		"entries": sess.Transcript().Len(),
	})
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"exports": []vault.Summary{}})
		return
	}
	list, err := s.vault.Scan(20)
	if err != nil {
		httputil.ServerError(w, r, s.logger, "listing exports failed",
			"WHY: glob over the export dir failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"exports": list, "dir": s.vault.Dir()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(w, r); sess != nil {
		sess.SSEHandler()(w, r)
	}
}

// SweepSessions removes idle sessions until ctx is done.
func (s *Server) SweepSessions(ctx context.Context, every, maxIdle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.sessions.Sweep(maxIdle); n > 0 {
				s.logger.Info("idle sessions removed", "count", n)
			}
		}
	}
}
