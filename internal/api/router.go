// Package api wires all HTTP routes onto a chi router.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d9705996/bookkeeper/internal/account"
	"github.com/d9705996/bookkeeper/internal/api/handler"
	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/api/middleware"
	"github.com/d9705996/bookkeeper/internal/health"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/signup"
	"github.com/d9705996/bookkeeper/internal/tenant"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Log      *slog.Logger
	Tokens   middleware.Verifier
	Accounts *account.Service
	Signup   *signup.Service
	Invites  *invite.Guard
	Tenant   *tenant.Service
	Events   *notify.Registry
	Health   *health.Handler
	// Metrics defaults to promhttp.Handler().
	Metrics        http.Handler
	AllowedOrigins []string
	// RequestTimeout bounds every route except the notification stream.
	RequestTimeout time.Duration
}

// NewRouter builds the application's HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 15 * time.Second
	}
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}

	authH := handler.NewAuthHandler(d.Accounts, d.Log)
	signupH := handler.NewSignupHandler(d.Signup, d.Log)
	inviteH := handler.NewInviteHandler(d.Invites, d.Log)
	tenantH := handler.NewTenantHandler(d.Tenant, d.Log)
	notifyH := handler.NewNotificationHandler(d.Events, d.Log)
	requireAuth := middleware.RequireAuth(d.Tokens, d.Log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{chimw.RequestIDHeader},
		MaxAge:         300,
	}))
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonapi.RenderError(w, http.StatusNotFound, "not_found", "Not Found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonapi.RenderError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed",
			"method not allowed on this route")
	})

	r.Get("/health", d.Health.ServeHealth)
	r.Get("/ready", d.Health.ServeReady)
	r.Handle("/metrics", d.Metrics)

	// Long-lived stream: no request timeout.
	r.With(requireAuth).Get("/notifications/stream", notifyH.Stream)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(d.RequestTimeout))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authH.Login)
			r.Post("/refresh", authH.Refresh)
			r.With(requireAuth).Post("/logout", authH.Logout)
			r.With(requireAuth).Get("/me", authH.Me)

			r.Route("/signup", func(r chi.Router) {
				r.Post("/step1", signupH.Step1)
				r.Post("/step2", signupH.Step2)
				r.Post("/step3", signupH.Step3)
				r.Post("/verify-email", signupH.VerifyEmail)
				r.Post("/verify-mobile", signupH.VerifyMobile)
			})
		})

		r.Route("/public/invites", func(r chi.Router) {
			r.Post("/verify", inviteH.Verify)
			r.Post("/accept", inviteH.Accept)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)

			r.Get("/organizations/current", tenantH.CurrentOrganization)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/invites", inviteH.Create)
				r.Get("/invites", inviteH.List)
				r.With(middleware.RequireSuperAdmin).Post("/organizations", tenantH.CreateOrganization)
			})

			r.Route("/customers", func(r chi.Router) {
				r.Use(middleware.RequireLiveSubscription)
				r.Get("/", tenantH.ListCustomers)
				r.Post("/", tenantH.CreateCustomer)
			})
		})
	})

	return r
}
