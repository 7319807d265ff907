// Package server exposes the library over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/bryan-buckman/lipu/internal/engine"
	"github.com/bryan-buckman/lipu/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// refreshTimeout bounds a refresh triggered over HTTP.
const refreshTimeout = 5 * time.Minute

// Server is the HTTP front end of an Engine.
type Server struct {
	eng    *engine.Engine
	poller *Poller
	router chi.Router
	log    logrus.FieldLogger
}

// New creates a server for eng. A positive pollInterval refreshes the library
// in the background while the server runs.
func New(eng *engine.Engine, pollInterval time.Duration, log logrus.FieldLogger) *Server {
	s := &Server{eng: eng, log: log}
	if pollInterval > 0 {
		s.poller = NewPoller(eng, pollInterval, log)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/files/*", s.handleFile)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Delete("/feeds", s.handleRemoveFeed)
		r.Post("/feeds/mastodon", s.handleAddMastodon)
		r.Post("/feeds/youtube", s.handleAddYouTube)
		r.Post("/refresh", s.handleRefresh)

		r.Get("/items", s.handleListItems)
		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/", s.handleLoadItem)
			r.Post("/tags/{tag}", s.handleAddTag)
			r.Delete("/tags/{tag}", s.handleRemoveTag)
			r.Put("/progress", s.handleSetProgress)
			r.Post("/download", s.handleDownload)
		})
		r.Get("/tags", s.handleListTags)
		r.Delete("/tags/{tag}", s.handleDropTag)

		r.Post("/save", s.handleSave)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.poller != nil {
		s.poller.Start()
		defer s.poller.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"elapsed":    time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// --- Feed Handlers ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"feeds": s.eng.Feeds()})
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeMessage(w, http.StatusBadRequest, "url is required")
		return
	}
	s.eng.AddFeed(req.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "url": req.URL})
}

func (s *Server) handleRemoveFeed(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		writeMessage(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.eng.RemoveFeed(u); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddMastodon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instance string `json:"instance"`
		User     string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Instance == "" || req.User == "" {
		writeMessage(w, http.StatusBadRequest, "instance and user are required")
		return
	}
	u := s.eng.AddMastodonFeed(req.Instance, req.User)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "url": u})
}

func (s *Server) handleAddYouTube(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeMessage(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	u := s.eng.AddYouTubeChannel(req.ChannelID)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok", "url": u})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	report, err := s.eng.Refresh(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	failed := make(map[string]string, len(report.Failed))
	for u, ferr := range report.Failed {
		failed[u] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"feeds":     report.Feeds,
		"new_items": report.NewItems,
		"failed":    failed,
	})
}

// --- Item Handlers ---

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var items []model.Metadata
	switch {
	case q.Has("tag"):
		items = s.eng.WithTag(q.Get("tag"))
	case q.Has("q"):
		items = s.eng.Search(q.Get("q"))
	default:
		items = s.eng.List()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleLoadItem(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "itemID")
	item, ok := s.eng.Load(id)
	if !ok {
		s.writeError(w, model.NotFoundf("load", "item %q", id))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.AddTag(pathParam(r, "itemID"), pathParam(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RemoveTag(pathParam(r, "itemID"), pathParam(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tags": s.eng.Tags()})
}

func (s *Server) handleDropTag(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DropTag(pathParam(r, "tag")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetProgress(w http.ResponseWriter, r *http.Request) {
	var p model.ViewingProgress
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid viewing progress: "+err.Error())
		return
	}
	if err := s.eng.SetViewingProgress(pathParam(r, "itemID"), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "itemID")
	if err := s.eng.DownloadItem(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	item, _ := s.eng.Load(id)
	writeJSON(w, http.StatusOK, item)
}

// handleFile serves downloaded media and thumbnails. Anything else in the data
// directory is not exposed.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "*")
	if name == "" || !s.eng.HasFile(name) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.eng.DataDir(), filepath.Base(name)))
}

// --- Persistence Handlers ---

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.WriteToDisk(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	imported, err := s.eng.ImportOPML(file)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"imported": imported,
		"total":    len(s.eng.Feeds()),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	data, err := s.eng.ExportOPML()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=lipu-feeds.opml")
	w.Write(data)
}

// --- Helpers ---

// pathParam returns a decoded route parameter. chi matches on RawPath when the
// request carries one (item ids are often URLs with encoded slashes), and only
// then is the parameter still escaped.
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return raw
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.NotFound:
		return http.StatusNotFound
	case model.NoNetwork:
		return http.StatusBadGateway
	case model.CorruptedData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeMessage(w, status, err.Error())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
