// Package handlers exposes the session, transfer, rule and audit operations
// over HTTP. Interactive terminals and the event stream use websockets.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/eventbus"
	"github.com/gluk-w/termctl/internal/metrics"
	"github.com/gluk-w/termctl/internal/middleware"
	"github.com/gluk-w/termctl/internal/policy"
	"github.com/gluk-w/termctl/internal/scheduler"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
	"github.com/gluk-w/termctl/internal/sshtransfer"
)

// Deps are the components served by the API. Sessions, Transfers, Policy
// and Audit are required.
type Deps struct {
	Sessions  *sshmanager.Manager
	Transfers *sshtransfer.Engine
	Policy    *policy.Engine
	Audit     *sshaudit.Auditor
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	APIToken  string
	Logger    *zap.Logger
}

type Handler struct {
	sessions  *sshmanager.Manager
	transfers *sshtransfer.Engine
	policy    *policy.Engine
	audit     *sshaudit.Auditor
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	token     string
	logger    *zap.Logger
	started   time.Time
}

func New(d Deps) (*Handler, error) {
	if d.Sessions == nil || d.Transfers == nil || d.Policy == nil || d.Audit == nil {
		return nil, errors.New("handlers: sessions, transfers, policy and audit are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		sessions:  d.Sessions,
		transfers: d.Transfers,
		policy:    d.Policy,
		audit:     d.Audit,
		bus:       d.Bus,
		metrics:   d.Metrics,
		scheduler: d.Scheduler,
		token:     d.APIToken,
		logger:    d.Logger.Named("http"),
		started:   time.Now(),
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(h.token))
			r.Use(middleware.Actor)

			r.Post("/sessions", h.Connect)
			r.Get("/sessions", h.ListSessions)
			r.Get("/sessions/{token}", h.GetSession)
			r.Delete("/sessions/{token}", h.Disconnect)
			r.Post("/sessions/{token}/exec", h.Exec)
			r.Get("/sessions/{token}/terminal", h.Terminal)
			r.Get("/endpoints/{id}/state", h.EndpointState)
			r.Get("/stats", h.Stats)

			r.Post("/transfers/upload", h.Upload)
			r.Post("/transfers/download", h.Download)
			r.Post("/transfers/batch", h.Batch)
			r.Get("/transfers", h.TransferHistory)
			r.Get("/transfers/active", h.ActiveTransfers)
			r.Get("/transfers/{id}", h.GetTransfer)
			r.Post("/transfers/{id}/pause", h.PauseTransfer)
			r.Post("/transfers/{id}/resume", h.ResumeTransfer)
			r.Post("/transfers/{id}/cancel", h.CancelTransfer)

			r.Get("/rules", h.ListRules)
			r.Post("/rules", h.CreateRule)
			r.Post("/rules/check", h.CheckCommand)
			r.Get("/rules/export", h.ExportRules)
			r.Post("/rules/import", h.ImportRules)
			r.Get("/rules/stats", h.RuleStats)
			r.Get("/rules/{id}", h.GetRule)
			r.Patch("/rules/{id}", h.UpdateRule)
			r.Delete("/rules/{id}", h.DeleteRule)
			r.Post("/rules/{id}/toggle", h.ToggleRule)
			r.Post("/rules/{id}/test", h.TestRule)

			r.Get("/audit", h.QueryAudit)
			r.Get("/audit/stats", h.AuditStats)
			r.Get("/audit/export", h.ExportAudit)
			r.Post("/audit/delete", h.DeleteAudit)

			r.Get("/events", h.Events)
			r.Get("/scheduler", h.SchedulerEntries)
		})
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())))
	})
}
