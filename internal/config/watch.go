package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current credentials and swaps them when the secrets file changes.
type Store struct {
	path   string
	logger *slog.Logger
	cur    atomic.Pointer[Credentials]
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
}

// NewStore wraps already validated credentials loaded from path.
func NewStore(path string, initial Credentials, logger *slog.Logger) *Store {
	s := &Store{path: path, logger: logger, stopCh: make(chan struct{})}
	s.cur.Store(&initial)
	return s
}

// Current returns a copy of the active credentials.
func (s *Store) Current() Credentials {
	return *s.cur.Load()
}

// Reload re-reads every source. Invalid results are rejected and the previous
// credentials stay active.
func (s *Store) Reload() error {
	creds, err := LoadCredentials(s.path)
	if err != nil {
		return err
	}
	if err := creds.Validate(s.path); err != nil {
		return err
	}
	s.cur.Store(&creds)
	return nil
}

// Watch reloads credentials whenever the secrets file is written. The parent
// directory is watched because editors replace files by rename.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("secrets file path is empty")
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve secrets path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch dir %s: %w", filepath.Dir(abs), err)
	}
	s.fsw = fsw
	s.logger.Info("watching secrets file", "path", abs)
	go s.loop(abs)
	return nil
}

// Stop shuts down the watcher.
func (s *Store) Stop() {
	close(s.stopCh)
	if s.fsw != nil {
		s.fsw.Close()
	}
}

func (s *Store) loop(abs string) {
	// Debounce bursts of events from a single save.
	var pending time.Time
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()

		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("secrets watcher error", "error", err)

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < 300*time.Millisecond {
				continue
			}
			pending = time.Time{}
			if err := s.Reload(); err != nil {
				s.logger.Warn("secrets reload rejected, keeping previous credentials", "error", err)
				continue
			}
			s.logger.Info("secrets reloaded", "path", abs)
		}
	}
}
