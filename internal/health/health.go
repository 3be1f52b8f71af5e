// Package health serves the operational sidecar: a JSON health endpoint and
// the Prometheus scrape target.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/store"
)

// staleness thresholds for the reported status.
const (
	degradedAfter  = 5 * time.Minute
	unhealthyAfter = 15 * time.Minute
)

// PollerStats, BufferStats, VerifierStats and QueueDepth decouple the
// sidecar from the components it reports on.
type (
	PollerStats interface {
		Stats() (processed, errors uint64)
	}
	BufferStats interface {
		Stats() (buffered int, flushes uint64, avgFlushMs float64)
	}
	DLQStats interface {
		Size() int
		Utilization() float64
	}
	VerifierStats interface {
		Stats() (cycles uint64, lastErr string)
	}
	QueueDepth interface {
		QueueDepth() int
	}
)

// Response is the /health payload.
type Response struct {
	Status         string  `json:"status"`
	CursorSlot     uint64  `json:"cursor_slot"`
	CursorSource   string  `json:"cursor_source,omitempty"`
	CursorAge      string  `json:"cursor_age,omitempty"`
	Processed      uint64  `json:"transactions_processed"`
	Errors         uint64  `json:"transaction_errors"`
	Buffered       int     `json:"events_buffered,omitempty"`
	Flushes        uint64  `json:"buffer_flushes,omitempty"`
	AvgFlushMs     float64 `json:"avg_flush_ms,omitempty"`
	DLQSize        int     `json:"dlq_size"`
	DLQUtilization float64 `json:"dlq_utilization_pct"`
	VerifierCycles uint64  `json:"verifier_cycles"`
	VerifierError  string  `json:"verifier_last_error,omitempty"`
	URIQueueDepth  int     `json:"uri_queue_depth"`
}

// Server is the health HTTP sidecar.
type Server struct {
	port   int
	st     *store.Store
	logger *zap.Logger
	server *http.Server

	mu       sync.RWMutex
	poller   PollerStats
	buffer   BufferStats
	dlq      DLQStats
	verifier VerifierStats
	uris     QueueDepth
}

// NewServer builds the sidecar. Components attach afterwards; a nil
// component is simply omitted from the report.
func NewServer(port int, st *store.Store, logger *zap.Logger) *Server {
	return &Server{port: port, st: st, logger: logger.Named("health")}
}

// Attach registers the components to report on. Nil values are allowed.
func (s *Server) Attach(poller PollerStats, buffer BufferStats, dlq DLQStats, verifier VerifierStats, uris QueueDepth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poller = poller
	s.buffer = buffer
	s.dlq = dlq
	s.verifier = verifier
	s.uris = uris
}

// Start begins serving /health and /metrics.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", zap.Error(err))
		}
	}()
	s.logger.Info("health server listening", zap.Int("port", s.port))
}

// Stop shuts the sidecar down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	poller, buffer, dlq, verifier, uris := s.poller, s.buffer, s.dlq, s.verifier, s.uris
	s.mu.RUnlock()

	resp := Response{Status: "healthy"}

	cursor, err := store.LoadCursor(r.Context(), s.st.Pool)
	if err != nil {
		s.logger.Warn("cursor read failed in health check", zap.Error(err))
		resp.Status = "degraded"
	} else if cursor != nil {
		resp.CursorSlot = cursor.LastSlot
		resp.CursorSource = cursor.Source
		age := time.Since(cursor.UpdatedAt)
		resp.CursorAge = age.Truncate(time.Second).String()
		if age > degradedAfter {
			resp.Status = "degraded"
		}
		if age > unhealthyAfter {
			resp.Status = "unhealthy"
		}
	}

	if poller != nil {
		resp.Processed, resp.Errors = poller.Stats()
	}
	if buffer != nil {
		resp.Buffered, resp.Flushes, resp.AvgFlushMs = buffer.Stats()
	}
	if dlq != nil {
		resp.DLQSize = dlq.Size()
		resp.DLQUtilization = dlq.Utilization()
	}
	if verifier != nil {
		resp.VerifierCycles, resp.VerifierError = verifier.Stats()
		if resp.VerifierError != "" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}
	if uris != nil {
		resp.URIQueueDepth = uris.QueueDepth()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health response encoding failed", zap.Error(err))
	}
}
