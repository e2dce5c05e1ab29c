// Package api exposes the admin plane: queue inspection, message
// submission, pause/resume control and the Prometheus scrape endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/postflux/postflux/internal/metrics"
	"github.com/postflux/postflux/internal/queue"
	"github.com/postflux/postflux/internal/spool"
)

// Config represents API server configuration
type Config struct {
	Enabled      bool   `toml:"enabled" json:"enabled"`
	ListenAddr   string `toml:"listen" json:"listen"`
	Username     string `toml:"username" json:"username"`
	PasswordHash string `toml:"password_hash" json:"-"`

	// Scheduling defaults applied to submitted messages.
	NotifyAfter time.Duration `toml:"-" json:"-"`
	ExpireAfter time.Duration `toml:"-" json:"-"`
}

// Server is the admin HTTP server. It talks to the spool for message state
// and to the scheduler for control events.
type Server struct {
	config     Config
	store      spool.Store
	scheduler  *queue.Scheduler
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(config Config, store spool.Store, scheduler *queue.Scheduler) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	if config.NotifyAfter <= 0 {
		config.NotifyAfter = 4 * time.Hour
	}
	if config.ExpireAfter <= 0 {
		config.ExpireAfter = 120 * time.Hour
	}

	s := &Server{
		config:    config,
		store:     store,
		scheduler: scheduler,
		logger:    slog.Default().With("component", "api"),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	if s.config.Username != "" && s.config.PasswordHash != "" {
		api.Use(s.basicAuth)
	}

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/queue/status", s.handleQueueStatus).Methods("GET")
	api.HandleFunc("/queue/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/queue/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/queue/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/queue/messages", s.handleSubmitMessage).Methods("POST")
	api.HandleFunc("/queue/message/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/queue/message/{id}", s.handleDeleteMessage).Methods("DELETE")

	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("starting admin API", "listen", s.config.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping admin API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.config.Username)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.config.PasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="postflux"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("spool unavailable: %v", err))
		return
	}

	metrics.SpoolMessages.Set(float64(len(entries)))

	status := s.scheduler.Status()
	writeJSON(w, map[string]any{
		"paused":       status.Paused,
		"on_hold":      status.OnHold,
		"next_wake_up": status.NextWakeUp,
		"messages":     len(entries),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Notify(queue.PausedEvent(true))
	s.logger.Info("queue paused via admin API", "remote", r.RemoteAddr)
	writeJSON(w, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Notify(queue.PausedEvent(false))
	s.logger.Info("queue resumed via admin API", "remote", r.RemoteAddr)
	writeJSON(w, map[string]any{"paused": false})
}

// messageSummary is the list-view projection of a spool entry.
type messageSummary struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	Recipients []string       `json:"recipients"`
	Size       int64          `json:"size"`
	CreatedAt  int64          `json:"created_at"`
	Domains    []domainDetail `json:"domains"`
}

type domainDetail struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	NextDue  int64  `json:"next_due"`
	Expires  int64  `json:"expires"`
}

func summarize(e *spool.Entry) messageSummary {
	domains := make([]domainDetail, 0, len(e.Domains))
	for _, d := range e.Domains {
		domains = append(domains, domainDetail{
			Name:     d.Name,
			Status:   d.Status.String(),
			Attempts: d.Retry.Attempts,
			NextDue:  d.Retry.Due,
			Expires:  d.Expires,
		})
	}
	return messageSummary{
		ID:         strconv.FormatUint(uint64(e.ID), 10),
		From:       e.From,
		Recipients: e.Recipients,
		Size:       e.Size,
		CreatedAt:  e.CreatedAt,
		Domains:    domains,
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("spool unavailable: %v", err))
		return
	}

	metrics.SpoolMessages.Set(float64(len(entries)))

	messages := make([]messageSummary, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, summarize(e))
	}
	writeJSON(w, messages)
}

// submitRequest is the body of POST /api/queue/messages.
type submitRequest struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Content    string   `json:"content"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.From == "" || len(req.Recipients) == 0 || req.Content == "" {
		writeError(w, http.StatusBadRequest, "from, recipients and content are required")
		return
	}

	content := []byte(req.Content)
	entry := spool.NewEntry(req.From, req.Recipients, int64(len(content)),
		s.config.NotifyAfter, s.config.ExpireAfter)
	if len(entry.Domains) == 0 {
		writeError(w, http.StatusBadRequest, "no valid recipient domains")
		return
	}

	if err := s.store.Put(entry, content); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to spool message: %v", err))
		return
	}

	// Wake the scheduler so the new message is picked up immediately.
	s.scheduler.Notify(queue.RefreshEvent())

	s.logger.Info("message_submitted",
		"queue_id", entry.ID,
		"from", req.From,
		"recipients", len(req.Recipients))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(summarize(entry))
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	entry, err := s.store.Get(id)
	if err == spool.ErrNotFound {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("spool unavailable: %v", err))
		return
	}
	writeJSON(w, summarize(entry))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(id); err != nil {
		if err == spool.ErrNotFound {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete message: %v", err))
		return
	}

	// Drop any hold the scheduler still tracks for the removed id.
	s.scheduler.Notify(queue.RefreshEvent(id))

	s.logger.Info("message_deleted", "queue_id", id, "remote", r.RemoteAddr)
	writeJSON(w, map[string]any{"deleted": strconv.FormatUint(uint64(id), 10)})
}

func parseID(w http.ResponseWriter, r *http.Request) (queue.QueueID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid message id: %q", raw))
		return 0, false
	}
	return queue.QueueID(id), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
