// Package api exposes the HTTP surface: result ingestion, experiment
// completion, comparison and timeline queries, live update notifications,
// and operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/schema"
	"github.com/benchdb/server/types"
)

// ResultsStore is the persistence surface the handlers need.
type ResultsStore interface {
	RecordAllData(ctx context.Context, data *types.BenchmarkData, suppressTimeline bool) (int, int, error)
	RecordCompletion(ctx context.Context, data types.CompletionData) error
	GetProjectBySlug(ctx context.Context, slug string) (*types.Project, error)
	RevisionsExistInProject(ctx context.Context, slug, base, change string) (*types.Source, *types.Source, bool, error)
	GetBaselineCommit(ctx context.Context, project *types.Project, currentCommit string) (*types.Source, error)
	GetTimelineData(ctx context.Context, project *types.Project, req types.TimelineRequest) (*types.PlotData, error)
}

// Server provides the HTTP API.
type Server struct {
	addr       string
	store      ResultsStore
	validator  *schema.Validator
	log        logrus.FieldLogger
	httpServer *http.Server
	hub        *Hub
}

// NewServer creates the API server.
func NewServer(addr string, store ResultsStore, log logrus.FieldLogger) (*Server, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create payload validator: %w", err)
	}

	return &Server{
		addr:      addr,
		store:     store,
		validator: validator,
		log:       log.WithField("component", "api-server"),
		hub:       NewHub(log),
	}, nil
}

// Hub returns the websocket hub, so the timeline updater can publish
// completion events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the websocket hub and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go s.hub.Run(ctx)

	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("API server failed")
		}
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware)

	router.HandleFunc("/benchdb/results", s.handleResults).Methods(http.MethodPost)
	router.HandleFunc("/benchdb/completion", s.handleCompletion).Methods(http.MethodPut)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/projects/{slug}/timeline", s.handleTimeline).Methods(http.MethodGet)
	apiRouter.HandleFunc("/projects/{slug}/compare/{base}/{change}", s.handleCompare).Methods(http.MethodGet)
	apiRouter.HandleFunc("/projects/{slug}/baseline", s.handleBaseline).Methods(http.MethodGet)
	apiRouter.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.hub.HandleConnection).Methods(http.MethodGet)

	return router
}

// requestIDMiddleware tags each request with a correlation id for log
// aggregation.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Debug("Handled request")
	})
}
