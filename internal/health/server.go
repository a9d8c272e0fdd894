// Package health exposes a lightweight HTTP health endpoint for service probes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/logging"
)

const (
	checkTimeout       = 2 * time.Second
	readHeaderTimeout  = 2 * time.Second
	healthListenPrefix = ":"
)

// StorageChecker verifies the zivpn state files.
type StorageChecker interface {
	Check(ctx context.Context) error
}

// MongoChecker defines the subset of MongoDB client behavior required for health.
type MongoChecker interface {
	Ping(ctx context.Context) error
}

// Server hosts the health endpoint and owns the underlying HTTP server.
type Server struct {
	server       *http.Server
	logger       *logrus.Entry
	storage      StorageChecker
	mongoChecker MongoChecker
}

type response struct {
	Status  string `json:"status"`
	Storage string `json:"storage,omitempty"`
	Mongo   string `json:"mongo,omitempty"`
}

// NewServer constructs a health server that exposes GET /healthz on the
// provided port. mongoChecker is nil when the audit mirror is disabled.
func NewServer(port int, storage StorageChecker, mongoChecker MongoChecker, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Logger()
	}

	srv := &Server{
		logger:       logger,
		storage:      storage,
		mongoChecker: mongoChecker,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf("%s%d", healthListenPrefix, port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return srv
}

// ListenAndServe starts the health server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithFields(logging.Fields{
		"event": "health_listen",
		"addr":  s.server.Addr,
	}).Info("starting health server")

	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("event", "health_stopped").Info("health server stopped")
			return nil
		}

		return fmt.Errorf("health server listen: %w", err)
	}

	s.logger.WithField("event", "health_stopped").Info("health server stopped")
	return nil
}

// Shutdown gracefully stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok"}

	ctx := r.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if s.storage == nil {
		resp.Storage = "error"
		s.logger.WithField("event", "health_storage_missing").Warn("storage checker is not configured for health endpoint")
	} else if err := s.run(ctx, s.storage.Check); err != nil {
		resp.Storage = "error"
		s.logger.WithField("event", "health_storage_error").WithError(err).Warn("storage check failed during health check")
	}

	if s.mongoChecker != nil {
		if err := s.run(ctx, s.mongoChecker.Ping); err != nil {
			resp.Mongo = "error"
			s.logger.WithField("event", "health_mongo_error").WithError(err).Warn("mongo ping failed during health check")
		}
	}

	if resp.Storage != "" || resp.Mongo != "" {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithField("event", "health_write_error").WithError(err).Error("failed to encode health response")
	}
}

func (s *Server) run(ctx context.Context, check func(context.Context) error) error {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	return check(checkCtx)
}
