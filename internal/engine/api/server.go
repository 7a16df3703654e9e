package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/lifecycle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/store"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// Server exposes the engine's read-only status surface plus the client-facing
// clarification endpoints. All marketplace state changes go through the
// ledger; nothing here mutates jobs or tasks.
type Server struct {
	router  *mux.Router
	cors    *cors.Cors
	logger  logging.Logger
	manager *lifecycle.Manager
	store   *store.Store

	treasury *treasury.Treasury
	planner  Planner

	httpServer *http.Server
}

func NewServer(port int, manager *lifecycle.Manager, tr *treasury.Treasury, planner Planner, st *store.Store, logger logging.Logger) *Server {
	router := mux.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Accept", "Origin", "X-Requested-With"},
		AllowCredentials: true,
	})

	s := &Server{
		router:   router,
		cors:     corsHandler,
		logger:   logger,
		manager:  manager,
		store:    st,
		treasury: tr,
		planner:  planner,
	}

	s.routes()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api))

	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/economics", s.handleJobEconomics).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/economics", s.handleEconomics).Methods("GET")
	api.HandleFunc("/workers", s.handleListWorkers).Methods("GET")
	api.HandleFunc("/clarify", s.handleClarify).Methods("POST")
	api.HandleFunc("/decompose/preview", s.handleDecomposePreview).Methods("POST")
}

// Start blocks serving the API until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting status API", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
