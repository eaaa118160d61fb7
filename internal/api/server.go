// Package api exposes the snapshot over HTTP: status, read, trusted bulk
// write and forced reload.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/ingest"
	"github.com/galois26/legisync/internal/metrics"
	"github.com/galois26/legisync/internal/model"
	"github.com/galois26/legisync/internal/store"
)

const originTrustedWrite = "trusted_write"

type Deps struct {
	Store     *store.Store
	Scheduler *ingest.Scheduler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg     config.Server
	store   *store.Store
	sched   *ingest.Scheduler
	metrics *metrics.Metrics
	log     *slog.Logger
	version string
	reload  *rate.Limiter

	router chi.Router
	server *http.Server
}

func New(cfg config.Server, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.ReloadRatePerSecond > 0 {
		limit = rate.Limit(cfg.ReloadRatePerSecond)
	}
	burst := cfg.ReloadBurst
	if burst < 1 {
		burst = 1
	}
	s := &Server{
		cfg:     cfg,
		store:   d.Store,
		sched:   d.Scheduler,
		metrics: d.Metrics,
		log:     d.Logger.With("component", "api"),
		version: d.Version,
		reload:  rate.NewLimiter(limit, burst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log, s.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/datos", s.handleRead)
	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.WriteToken))
		r.Post("/actualizar-datos", s.handleReplace)
		r.Get("/forzar-recarga", s.handleReload)
		r.Post("/forzar-recarga", s.handleReload)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.router = r

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until the server stops. A Shutdown is not reported as an error.
func (s *Server) Serve() error {
	s.log.Info("listening", "addr", s.cfg.ListenAddress)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

type statusResponse struct {
	Status      string         `json:"status"`
	RecordCount int            `json:"record_count"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	LastSync    *ingest.Status `json:"last_sync,omitempty"`
	Version     string         `json:"version,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	resp := statusResponse{
		Status:      "ok",
		RecordCount: len(snap.Records),
		Origin:      snap.Origin,
		Version:     s.version,
	}
	if !snap.UpdatedAt.IsZero() {
		resp.UpdatedAt = &snap.UpdatedAt
	}
	if s.sched != nil {
		if st := s.sched.Status(); st.CycleID != "" {
			resp.LastSync = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if s.sched != nil && s.store.Len() == 0 {
		s.sched.EnsureLoaded(r.Context())
	}
	writeJSON(w, http.StatusOK, s.store.Read())
}

type validationResponse struct {
	Status string   `json:"status"`
	Error  string   `json:"error"`
	Index  *int     `json:"index,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.metrics.TrustedWrite("rejected")
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	records, err := model.DecodeBatch(body)
	if err != nil {
		s.metrics.TrustedWrite("rejected")
		resp := validationResponse{Status: "error", Error: err.Error()}
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			resp.Fields = verr.Fields
			if verr.Index >= 0 {
				resp.Index = &verr.Index
			}
		}
		s.log.Warn("trusted write rejected", "err", err, "request_id", middleware.GetReqID(r.Context()))
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	if err := s.store.Replace(r.Context(), records, originTrustedWrite); err != nil {
		s.metrics.TrustedWrite("error")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.TrustedWrite("ok")
	s.metrics.SetSnapshotRecords(len(records))
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", RecordCount: len(records)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "no ingestion scheduler configured")
		return
	}
	if res := s.reload.Reserve(); res.Delay() > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.Delay().Seconds()))))
		writeError(w, http.StatusTooManyRequests, "reload rate limit exceeded")
		return
	}
	n, err := s.sched.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":       "error",
			"error":        err.Error(),
			"record_count": s.store.Len(),
		})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", RecordCount: n})
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBodyBytes > 0 {
		return s.cfg.MaxBodyBytes
	}
	return 8 << 20
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": msg})
}
