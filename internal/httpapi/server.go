// Package httpapi exposes operational surface for ribd: liveness, readiness
// and Prometheus metrics. It is not part of the RIB/peer RPC surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConsumerStatus reports Kafka ingress consumer-group join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// DBChecker abstracts the audit database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// PipelineStatus reports a single address family's pipeline service state,
// mirroring the status/reason pair an XRL status method would have returned.
type PipelineStatus interface {
	Status() (state string, reason string)
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	ingress   ConsumerStatus
	pipelines map[string]PipelineStatus
	logger    *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, ingress ConsumerStatus, pipelines map[string]PipelineStatus, logger *zap.Logger) *Server {
	s := &Server{
		ingress:   ingress,
		pipelines: pipelines,
		logger:    logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	if s.ingress != nil && s.ingress.IsJoined() {
		checks["kafka_ingress"] = "ok"
	} else {
		checks["kafka_ingress"] = "not_joined"
		allOK = false
	}

	for name, p := range s.pipelines {
		state, reason := p.Status()
		if state != "RUNNING" {
			allOK = false
			checks["pipeline_"+name] = state + ": " + reason
		} else {
			checks["pipeline_"+name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
