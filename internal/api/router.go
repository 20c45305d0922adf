package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/healthlink/mpi/internal/algorithm"
	"github.com/healthlink/mpi/internal/config"
	"github.com/healthlink/mpi/internal/mpi"
	"github.com/healthlink/mpi/internal/tuning"
)

// Server wires the chi router, middleware, and handler set.
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, store *mpi.Store, algoStore *algorithm.Store, sup *tuning.Supervisor) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(store, algoStore, sup),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Linking
		r.Route("/link", func(r chi.Router) {
			r.Post("/", s.handlers.LinkRecord)
		})

		// Seeding / bulk ingest
		r.Route("/seed", func(r chi.Router) {
			r.Post("/", s.handlers.SeedPatients)
		})

		// Patients
		r.Route("/patients", func(r chi.Router) {
			r.Get("/{referenceID}", s.handlers.GetPatient)
			r.Put("/{referenceID}", s.handlers.UpdatePatient)
			r.Delete("/{referenceID}", s.handlers.DeletePatient)
			r.Get("/orphaned", s.handlers.GetOrphanedPatients)
		})

		// Persons
		r.Route("/persons", func(r chi.Router) {
			r.Get("/{referenceID}", s.handlers.GetPerson)
			r.Delete("/", s.handlers.DeletePersons)
		})

		// Algorithm configuration
		r.Route("/algorithm", func(r chi.Router) {
			r.Get("/", s.handlers.ListAlgorithms)
			r.Post("/", s.handlers.CreateAlgorithm)
			r.Get("/{label}", s.handlers.GetAlgorithm)
			r.Put("/{label}", s.handlers.UpdateAlgorithm)
			r.Delete("/{label}", s.handlers.DeleteAlgorithm)
			r.Get("/default", s.handlers.GetDefaultAlgorithm)
		})

		// Tuning
		r.Route("/tuning", func(r chi.Router) {
			r.Post("/", s.handlers.StartTuningJob)
			r.Get("/", s.handlers.GetTuningJob)
		})

		// Operational
		r.Post("/reset", s.handlers.ResetMPI)
	})
}

// Router returns the chi router.
func (s *Server) Router() http.Handler {
	return s.router
}
