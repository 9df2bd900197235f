// Package api exposes the embed host over HTTP: the feed listing, a
// websocket session per rendered page, and diagnostic snapshots.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/feedframe/embedhost/cmd/config"
	"github.com/feedframe/embedhost/lib/content"
	"github.com/feedframe/embedhost/lib/embedpool"
	"github.com/feedframe/embedhost/lib/fallback"
	"github.com/feedframe/embedhost/lib/feed"
	"github.com/feedframe/embedhost/lib/logger"
	"github.com/feedframe/embedhost/lib/playback"
	"github.com/feedframe/embedhost/lib/zstdutil"
)

type ApiService struct {
	cfg      *config.Config
	resolver *content.Resolver
	store    *feed.Store
	thumbs   *fallback.Resolver

	sessionMu sync.RWMutex
	sessions  map[string]*session
}

func New(cfg *config.Config, resolver *content.Resolver, store *feed.Store, thumbs *fallback.Resolver) *ApiService {
	return &ApiService{
		cfg:      cfg,
		resolver: resolver,
		store:    store,
		thumbs:   thumbs,
		sessions: make(map[string]*session),
	}
}

// Routes mounts all endpoints on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Get("/healthz", s.GetHealthz)
	r.Get("/feed", s.GetFeed)
	r.Get("/session", s.HandleSession)
	r.Get("/debug/sessions", s.GetDebugSessions)
	r.Get("/debug/journals", s.GetJournalArchive)
}

func (s *ApiService) GetHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// feedEntry is a feed item together with its resolved content reference.
// Items whose URL no platform recognizes carry a null ref and render
// statically.
type feedEntry struct {
	feed.Item
	Ref *content.Reference `json:"ref"`
}

func (s *ApiService) GetFeed(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.List(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("list feed", "err", err)
		http.Error(w, "failed to list feed", http.StatusInternalServerError)
		return
	}
	entries := lo.Map(items, func(it feed.Item, _ int) feedEntry {
		return feedEntry{Item: it, Ref: s.resolver.Resolve(it.SourceURL)}
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// sessionDebug is the diagnostic view of one connected page.
type sessionDebug struct {
	ID     string                  `json:"id"`
	Embeds []playback.Snapshot     `json:"embeds"`
	Pool   []embedpool.EntrySnapshot `json:"pool"`
}

func (s *ApiService) GetDebugSessions(w http.ResponseWriter, r *http.Request) {
	s.sessionMu.RLock()
	sessions := lo.Values(s.sessions)
	s.sessionMu.RUnlock()

	out := lo.Map(sessions, func(sess *session, _ int) sessionDebug {
		return sess.debugSnapshot()
	})
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetJournalArchive streams a tar.zst of the session journal directory.
func (s *ApiService) GetJournalArchive(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JournalDir == "" {
		http.Error(w, "journaling is disabled", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(s.cfg.JournalDir); err != nil {
		http.Error(w, "no journals recorded yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="journals.tar.zst"`)
	if err := zstdutil.TarZstdDir(w, s.cfg.JournalDir, zstdutil.LevelFastest); err != nil {
		// Headers are already out; all we can do is log.
		logger.FromContext(r.Context()).Error("archive journals", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
