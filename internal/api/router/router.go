package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-slot-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-slot-engine/internal/http/middleware"
	"github.com/wolfman30/clinic-slot-engine/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Health         *handlers.HealthHandler
	Slots          *handlers.SlotsHandler
	Holds          *handlers.HoldsHandler
	Bookings       *handlers.BookingsHandler
	PaymentWebhook *handlers.PaymentWebhookHandler
	Admin          *handlers.AdminHandler
	MetricsHandler http.Handler

	AdminAuthSecret    string
	CORSAllowedOrigins []string

	// HoldRateLimit caps POST /holds per client IP; zero disables it.
	HoldRateLimit float64
	HoldRateBurst int
}

// New creates the engine's chi router. ctx bounds background work started
// by middleware.
func New(ctx context.Context, cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Slots != nil {
		r.Route("/slots", func(s chi.Router) {
			s.Get("/", cfg.Slots.List)
			s.Get("/{slotID}", cfg.Slots.Get)
		})
	}

	if cfg.Holds != nil {
		r.Route("/holds", func(h chi.Router) {
			create := http.HandlerFunc(cfg.Holds.Create)
			if cfg.HoldRateLimit > 0 {
				burst := cfg.HoldRateBurst
				if burst <= 0 {
					burst = 1
				}
				limiter := httpmiddleware.NewRateLimiter(ctx, cfg.HoldRateLimit, burst)
				h.With(httpmiddleware.RateLimit(limiter)).Post("/", create)
			} else {
				h.Post("/", create)
			}
			h.Post("/{holdID}/renew", cfg.Holds.Renew)
			h.Delete("/{holdID}", cfg.Holds.Release)
		})
	}

	if cfg.Bookings != nil {
		r.Route("/bookings", func(b chi.Router) {
			b.Post("/", cfg.Bookings.Create)
			b.Route("/{bookingID}", func(one chi.Router) {
				one.Get("/", cfg.Bookings.Get)
				one.Post("/hold", cfg.Bookings.AttachHold)
				one.Post("/payment", cfg.Bookings.SubmitPayment)
				one.Post("/cancel", cfg.Bookings.Cancel)
				one.Get("/watch", cfg.Bookings.Watch)
			})
		})
	}

	if cfg.PaymentWebhook != nil {
		r.Post("/webhooks/payments", cfg.PaymentWebhook.Handle)
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Post("/sweep", cfg.Admin.Sweep)
			admin.Get("/slots/{slotID}/verify", cfg.Admin.VerifySlot)
			admin.Get("/audit/{targetType}/{targetID}", cfg.Admin.AuditTrail)
		})
	}

	return r
}
