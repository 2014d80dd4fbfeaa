// Package httpapi serves the REST surface of the coordinator.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/middleware"
	"github.com/mmynk/invoicechain/internal/service"
)

// Pinger reports whether the document store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the router switches that come from configuration.
type Config struct {
	// PublicSearch lets anonymous callers use GET /invoices/search.
	PublicSearch   bool
	AllowedOrigins []string
}

// Server holds the handler dependencies.
type Server struct {
	users     *service.UserService
	invoices  *service.InvoiceService
	templates *service.TemplateService
	jwt       *auth.JWTManager
	store     Pinger
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
}

// NewServer creates the REST server. metrics may be nil.
func NewServer(
	users *service.UserService,
	invoices *service.InvoiceService,
	templates *service.TemplateService,
	jwtManager *auth.JWTManager,
	store Pinger,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		users:     users,
		invoices:  invoices,
		templates: templates,
		jwt:       jwtManager,
		store:     store,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Router builds the chi router. Other handlers (the Connect service) can be
// mounted on the returned router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logging(s.logger, s.metrics))
	r.Use(middleware.CORS(s.cfg.AllowedOrigins))

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Identity
	r.Post("/users/profile", s.upsertProfile)
	r.Post("/users/{wallet}/verify/nonce", s.issueNonce)
	r.Post("/users/{wallet}/verify", s.verify)

	r.Group(func(r chi.Router) {
		if s.cfg.PublicSearch {
			r.Use(middleware.OptionalAuthHTTP(s.jwt))
		} else {
			r.Use(middleware.RequireAuthHTTP(s.jwt))
		}
		r.Get("/invoices/search", s.searchInvoices)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuthHTTP(s.jwt))

		r.Get("/users/{wallet}", s.getUser)

		r.Post("/invoices", s.createInvoice)
		r.Get("/invoices/{id}", s.getInvoice)
		r.Post("/invoices/{id}/resume", s.resumeInvoice)
		r.Put("/invoices/{id}/status", s.updateStatus)
		r.Post("/invoices/{id}/disputes", s.openDispute)
		r.Post("/invoices/{id}/disputes/resolve", s.resolveDispute)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireWallet)
			r.Get("/templates", s.listTemplates)
			r.Post("/templates", s.saveTemplate)
			r.Delete("/templates/{id}", s.deleteTemplate)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller extracts the authenticated identity placed in the context by the auth middleware.
func caller(r *http.Request) service.Caller {
	ctx := r.Context()
	return service.Caller{
		UserID: middleware.GetUserID(ctx),
		Wallet: middleware.GetWallet(ctx),
		Email:  middleware.GetEmail(ctx),
	}
}
