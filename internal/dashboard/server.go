// Package dashboard serves a read-only JSON view of the position book,
// reconciliation state and trade history.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
	"github.com/eddiefleurent/tomking_plm/internal/reconcile"
	"github.com/eddiefleurent/tomking_plm/internal/storage/history"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const defaultTradeLimit = 50

// PositionSource is the book surface the dashboard reads.
type PositionSource interface {
	Summary() []portfolio.PositionSummary
	CorrelationExposure() map[string]portfolio.GroupExposure
}

// ReconcileSource is the reconciliation surface the dashboard reads.
type ReconcileSource interface {
	Records() []reconcile.Record
	SuspectLegs() []reconcile.SuspectLeg
	BlockNewEntries() bool
}

// HistorySource is the trade archive surface the dashboard reads.
type HistorySource interface {
	Statistics(ctx context.Context) (*history.Statistics, error)
	Trades(ctx context.Context, strategy string, limit int) ([]history.TradeModel, error)
}

// Config configures the HTTP listener.
type Config struct {
	Listen    string
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	book      PositionSource
	reconcile ReconcileSource
	history   HistorySource
	logger    logrus.FieldLogger
	listen    string
	authToken string
	started   time.Time
}

// ReconcileStatus is the response of /api/reconcile/status.
type ReconcileStatus struct {
	LastRecord      *reconcile.Record      `json:"last_record,omitempty"`
	SuspectLegs     []reconcile.SuspectLeg `json:"suspect_legs"`
	BlockNewEntries bool                   `json:"block_new_entries"`
}

// NewServer wires the routes. hist may be nil when the archive is disabled.
func NewServer(cfg Config, book PositionSource, rec ReconcileSource, hist HistorySource, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		book:      book,
		reconcile: rec,
		history:   hist,
		logger:    logger.WithField("component", "dashboard"),
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
		started:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/positions", s.handleGetPositions)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/exposure", s.handleGetExposure)
		r.Get("/reconcile/status", s.handleReconcileStatus)
		r.Get("/reconcile/records", s.handleReconcileRecords)
		r.Get("/stats", s.handleGetStats)
		r.Get("/trades", s.handleGetTrades)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.reconcile != nil && s.reconcile.BlockNewEntries() {
		health["status"] = "degraded"
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	summaries := s.book.Summary()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := summaries[:0]
		for _, p := range summaries {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		summaries = filtered
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, p := range s.book.Summary() {
		if p.ID == id {
			s.writeJSON(w, http.StatusOK, p)
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleGetExposure(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.book.CorrelationExposure())
}

func (s *Server) handleReconcileStatus(w http.ResponseWriter, _ *http.Request) {
	if s.reconcile == nil {
		http.Error(w, "Reconciliation disabled", http.StatusServiceUnavailable)
		return
	}
	status := ReconcileStatus{
		BlockNewEntries: s.reconcile.BlockNewEntries(),
		SuspectLegs:     s.reconcile.SuspectLegs(),
	}
	if records := s.reconcile.Records(); len(records) > 0 {
		last := records[len(records)-1]
		status.LastRecord = &last
	}
	if status.SuspectLegs == nil {
		status.SuspectLegs = []reconcile.SuspectLeg{}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReconcileRecords(w http.ResponseWriter, _ *http.Request) {
	if s.reconcile == nil {
		http.Error(w, "Reconciliation disabled", http.StatusServiceUnavailable)
		return
	}
	records := s.reconcile.Records()
	if records == nil {
		records = []reconcile.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "History disabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.history.Statistics(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "History disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.history.Trades(r.Context(), r.URL.Query().Get("strategy"), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []history.TradeModel{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}
