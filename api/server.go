/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the warehouse frontend

ROUTE GROUPS:
  /api/lots/*           Lot Ledger
  /api/partitions/*     Running balances
  /api/pools            Balance pool
  /api/processing/*     Processing Record Engine
  /api/reservations/*   Reservation / Approval Engine
  /api/available        Availability net of holds
  /metrics              Prometheus scrape endpoint (when configured)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures the ambient parts of the router.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole, HeaderIdempotencyKey},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		// Lot routes
		r.Route("/lots", func(r chi.Router) {
			r.Post("/", h.RegisterIntake)
			r.Get("/{id}", h.GetLot)
			r.Get("/{id}/movements", h.GetLotMovements)
			r.Get("/{id}/records", h.GetLotRecords)
		})
		r.Get("/partitions/balance", h.GetPartitionBalance)
		r.Get("/pools", h.GetPools)

		// Processing routes
		r.Route("/processing", func(r chi.Router) {
			r.Post("/", h.CreateRecord)
			r.Get("/{id}", h.GetRecord)
			r.Put("/{id}", h.UpdateRecord)
			r.Post("/{id}/quality", h.AddQualityCheck)
			r.Post("/{id}/rejects", h.RecordRejectWeight)
			r.Post("/{id}/disposition", h.ReclassifyRejects)
			r.Post("/{id}/post", h.PostRecord)
			r.Post("/{id}/reverse", h.ReverseRecord)
			r.Get("/{id}/estimates", h.GetRecordEstimates)
			r.Get("/{id}/transactions", h.GetRecordTransactions)
		})

		// Reservation routes
		r.Route("/reservations", func(r chi.Router) {
			r.Get("/", h.ListReservations)
			r.Post("/", h.SubmitReservation)
			r.Get("/{id}", h.GetReservation)
			r.Post("/{id}/approve", h.ApproveReservation)
			r.Post("/{id}/decline", h.DeclineReservation)
			r.Post("/{id}/returns", h.RegisterReturn)
		})
		r.Get("/available", h.GetAvailable)
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
