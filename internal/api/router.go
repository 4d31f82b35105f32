package api

import (
	"net/http"

	"github.com/balu-dk/go-pipelets/internal/api/handlers"
	"github.com/balu-dk/go-pipelets/internal/api/middleware"
	"github.com/balu-dk/go-pipelets/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API handles the API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new API server
func NewAPI(cpms *service.CPMS, allowedOrigins []string) *API {
	router := chi.NewRouter()
	handler := handlers.NewHandler(cpms)

	// Setup middleware
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)

	// CORS configuration
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/healthz", handler.Health)
	router.Handle("/metrics", promhttp.HandlerFor(cpms.Gatherer(), promhttp.HandlerOpts{}))

	// Setup routes
	router.Route("/api/v1", func(r chi.Router) {
		// The log stream is a websocket and bypasses the JSON content type
		r.Get("/logs/stream", handler.StreamLogs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ContentType)

			// Charge point routes
			r.Route("/chargepoints", func(r chi.Router) {
				r.Get("/", handler.GetChargePoints)
				r.Get("/{id}/status", handler.GetSessionStatus)
				r.Post("/{id}/trigger", handler.TriggerMessage)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/{id}", handler.GetTransaction)
			})

			// Simulator routes
			r.Route("/sim", func(r chi.Router) {
				r.Get("/", handler.GetSimulators)
				r.Post("/{cpID}/connect", handler.SimConnect)
				r.Post("/{cpID}/disconnect", handler.SimDisconnect)
				r.Post("/{cpID}/authorize", handler.SimAuthorize)
				r.Post("/{cpID}/start", handler.SimStartTransaction)
				r.Post("/{cpID}/stop", handler.SimStopTransaction)
				r.Post("/{cpID}/heartbeat/start", handler.SimStartHeartbeat)
				r.Post("/{cpID}/heartbeat/stop", handler.SimStopHeartbeat)
			})

			// Pipeline routes
			r.Get("/workflows", handler.GetWorkflows)
			r.Post("/workflows", handler.RegisterWorkflow)
			r.Get("/pipelets", handler.GetPipelets)
			r.Post("/pipelets", handler.SavePipelet)
			r.Post("/pipelets/{id}/test", handler.TestPipelet)
			r.Get("/builtins", handler.GetBuiltins)
			r.Get("/runs", handler.GetRuns)

			// Log routes
			r.Get("/logs", handler.GetLogs)
			r.Get("/logs/archive", handler.GetArchivedLogs)
		})
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
