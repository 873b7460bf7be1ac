package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Volpestyle/career-agent-sub001/internal/db"
	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/identity"
	"github.com/Volpestyle/career-agent-sub001/internal/recorder"
	"github.com/Volpestyle/career-agent-sub001/internal/stream"
)

type Config struct {
	Port int
	Host string
	TLS  TLSConfig
	// StreamWriteTimeout bounds each frame write to a client.
	StreamWriteTimeout time.Duration
	JWTSecret          string
	TokenTTL           time.Duration
}

// Streamer serves one client stream until it ends.
type Streamer interface {
	Serve(ctx context.Context, r *http.Request, sessionID string, sink stream.Sink) error
}

type Recorder interface {
	ClaimSession(ctx context.Context, sessionID, ownerID, query string) error
	RecordLog(ctx context.Context, l events.ActionLog) (events.ActionLog, error)
	RecordJobs(ctx context.Context, ownerID, sessionID string, jobs []events.JobResult, totalFound int) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the routes call into.
type Deps struct {
	Streams    Streamer
	Recorder   Recorder
	WorkerKeys *identity.WorkerKeys
	Health     Pinger
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type Server struct {
	cfg      Config
	streams  Streamer
	rec      Recorder
	keys     *identity.WorkerKeys
	health   Pinger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(cfg Config, deps Deps) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	keys := deps.WorkerKeys
	if keys == nil {
		keys = identity.NewWorkerKeys("", "")
	}
	return &Server{
		cfg:      cfg,
		streams:  deps.Streams,
		rec:      deps.Recorder,
		keys:     keys,
		health:   deps.Health,
		gatherer: deps.Gatherer,
		logger:   deps.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebSocket)
	mux.Handle("POST /api/sessions/{id}/claim", s.requireWorker(http.HandlerFunc(s.handleClaim)))
	mux.Handle("POST /api/sessions/{id}/logs", s.requireWorker(http.HandlerFunc(s.handleLog)))
	mux.Handle("POST /api/sessions/{id}/jobs", s.requireWorker(http.HandlerFunc(s.handleJobs)))
	mux.HandleFunc("POST /api/auth/anonymous", s.handleAnonymous)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := tlsConfig(s.cfg.TLS)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	// No WriteTimeout: streams are long-lived and bound each write themselves.
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webserver: listening", "addr", addr, "tls", s.cfg.TLS.Mode)
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webserver: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webserver shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sink := stream.NewSSESink(w, s.cfg.StreamWriteTimeout)
	s.logStreamEnd(id, s.streams.Serve(r.Context(), r, id, sink))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The stream is one-way; reading only notices the client leaving and
	// lets the library answer pings.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := stream.NewWSSink(conn, s.cfg.StreamWriteTimeout)
	s.logStreamEnd(id, s.streams.Serve(ctx, r, id, sink))
}

func (s *Server) logStreamEnd(sessionID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrUnauthorized):
		s.logger.Info("webserver: stream refused", "session", sessionID)
	default:
		s.logger.Warn("webserver: stream ended", "session", sessionID, "err", err)
	}
}

func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.keys.Verify(r.Header.Get(identity.WorkerKeyHeader)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimRequest struct {
	OwnerID string `json:"ownerId"`
	Query   string `json:"query"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rec.ClaimSession(r.Context(), r.PathValue("id"), body.OwnerID, body.Query); err != nil {
		s.writeRecordError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var l events.ActionLog
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if l.SessionID == "" {
		l.SessionID = id
	}
	if l.SessionID != id {
		http.Error(w, "sessionId does not match path", http.StatusBadRequest)
		return
	}
	stored, err := s.rec.RecordLog(r.Context(), l)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type jobsRequest struct {
	OwnerID    string             `json:"ownerId"`
	Jobs       []events.JobResult `json:"jobs"`
	TotalFound int                `json:"totalFound"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var body jobsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rec.RecordJobs(r.Context(), body.OwnerID, r.PathValue("id"), body.Jobs, body.TotalFound); err != nil {
		s.writeRecordError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRecordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recorder.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, "search not claimed", http.StatusNotFound)
	case errors.Is(err, db.ErrConflict):
		http.Error(w, "session owned by another identity", http.StatusConflict)
	default:
		s.logger.Error("webserver: record failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type anonymousResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
}

// handleAnonymous mints an identity for a visitor without an account and
// stores it in a cookie the stream endpoint will pick up.
func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	token, id, err := identity.IssueAnonymousToken(s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("webserver: issue anonymous token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     identity.AnonCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.TokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, anonymousResponse{Token: token, ID: id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
