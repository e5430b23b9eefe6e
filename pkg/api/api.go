// Package api hosts the HTTP surface: the public provider webhook receivers
// and the authenticated REST API behind bearer API keys.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/backfill"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/dispatch"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/providers"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

// Deps carries everything the HTTP layer talks to.
type Deps struct {
	Orgs         *store.OrgStore
	Keys         *store.APIKeyStore
	Connections  *store.ConnectionStore
	WebhookLogs  *store.WebhookLogStore
	Events       *store.EventStore
	Users        *store.UserStore
	Entitlements *store.EntitlementStore
	Issues       *store.IssueStore
	Alerts       *store.AlertStore
	Scans        *store.ScanRunStore
	Checks       *store.AccessCheckStore

	Normalizers *normalize.Registry
	Detectors   *detect.Registry
	Box         *secrets.Box
	Tasks       *queue.Client
	Monitor     *queue.Monitor
	Backfills   *backfill.Runner
	Dispatcher  *dispatch.Dispatcher
	Deliverer   *dispatch.Deliverer
	AppleProxy  *dispatch.AppleProxy
	Caller      *providers.Caller
	Audit       *audit.Recorder

	Production bool
	Log        *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	Deps
	log   *slog.Logger
	clock func() time.Time
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{Deps: d, log: log, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", auth.RequestIDHeader},
		MaxAge:         86400,
	}))
	r.Use(auth.NewRateLimiter(50, 100).Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/{orgSlug}/{source}", s.handleInboundWebhook)
	r.Post("/setup/org", s.handleCreateOrg)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Keys, s.log))

		r.Route("/setup", func(r chi.Router) {
			r.Get("/status", s.handleSetupStatus)
			r.Get("/backfill/progress", s.handleBackfillProgress)
			r.Post("/backfill/{source}", s.handleTriggerBackfill)
			r.Post("/verify/{source}", s.handleVerifyConnection)
			r.Post("/{source}", s.handleUpsertConnection)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/issues", func(r chi.Router) {
				r.With(auth.RequireScope("issues:read")).Get("/", s.handleListIssues)
				r.With(auth.RequireScope("issues:read")).Get("/{id}", s.handleGetIssue)
				r.With(auth.RequireScope("issues:write")).Post("/{id}/acknowledge", s.handleIssueStatus(contracts.IssueAcknowledged))
				r.With(auth.RequireScope("issues:write")).Post("/{id}/resolve", s.handleIssueStatus(contracts.IssueResolved))
				r.With(auth.RequireScope("issues:write")).Post("/{id}/dismiss", s.handleIssueStatus(contracts.IssueDismissed))
			})

			r.Route("/users", func(r chi.Router) {
				r.Use(auth.RequireScope("users:read"))
				r.Get("/", s.handleListUsers)
				r.Get("/{userID}", s.handleGetUser)
				r.With(auth.RequireScope("events:read")).Get("/{userID}/timeline", s.handleUserTimeline)
				r.Get("/{userID}/entitlements", s.handleUserEntitlements)
				r.Get("/{userID}/identities", s.handleUserIdentities)
				r.With(auth.RequireScope("issues:read")).Get("/{userID}/issues", s.handleUserIssues)
			})

			r.Route("/dashboard", func(r chi.Router) {
				r.Use(auth.RequireScope("issues:read"))
				r.Get("/first-look", s.handleDashboardFirstLook)
				r.Get("/revenue-impact", s.handleDashboardRevenueImpact)
				r.Get("/entitlement-health", s.handleDashboardEntitlementHealth)
			})

			r.Route("/admin", func(r chi.Router) {
				r.With(auth.RequireScope("admin:write")).Post("/scans/trigger", s.handleTriggerScan)
				r.With(auth.RequireScope("admin:read")).Get("/scans/history", s.handleScanHistory)
				r.With(auth.RequireScope("admin:read")).Get("/scans/schedules", s.handleScanSchedules)
				r.With(auth.RequireScope("admin:read")).Get("/queues", s.handleQueueHealth)
			})

			r.Route("/data-management", func(r chi.Router) {
				r.With(auth.RequireScope("admin:write")).Delete("/users/{userID}/data", s.handleEraseUserData)
				r.With(auth.RequireScope("admin:read")).Get("/users/{userID}/data-export", s.handleExportUserData)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.With(auth.RequireScope("alerts:read")).Get("/", s.handleListAlertConfigs)
				r.With(auth.RequireScope("alerts:write")).Post("/", s.handleCreateAlertConfig)
				r.With(auth.RequireScope("alerts:read")).Get("/{id}", s.handleGetAlertConfig)
				r.With(auth.RequireScope("alerts:write")).Put("/{id}", s.handleUpdateAlertConfig)
				r.With(auth.RequireScope("alerts:write")).Delete("/{id}", s.handleDeleteAlertConfig)
				r.With(auth.RequireScope("alerts:write")).Post("/{id}/test", s.handleTestAlertConfig)
				r.With(auth.RequireScope("alerts:read")).Get("/{id}/signing-secret", s.handleAlertSigningSecret)
				r.With(auth.RequireScope("alerts:read")).Get("/{id}/deliveries", s.handleAlertDeliveries)
			})

			// Any valid key may report access observations; the data is
			// write-only from the caller's point of view.
			r.Post("/access-checks", s.handleAccessCheck)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recoverer converts panics into the standard error envelope instead of a
// dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in handler",
					"method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
