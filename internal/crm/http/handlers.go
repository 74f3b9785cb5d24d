// Package crmhttp wires the read-side query API and the event ingest
// endpoint.
package crmhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/crypto/bcrypt"

	"github.com/salescommand/salescommand/internal/crm/access"
	"github.com/salescommand/salescommand/internal/crm/dashboard"
	"github.com/salescommand/salescommand/internal/crm/ingest"
	"github.com/salescommand/salescommand/internal/crm/opportunities"
	"github.com/salescommand/salescommand/internal/crm/users"
	"github.com/salescommand/salescommand/internal/eventstore"
	"github.com/salescommand/salescommand/internal/platform/httpx"
	"github.com/salescommand/salescommand/internal/projection"
)

// WarmupEnqueuer hands access matrix warmup requests to the background
// worker.
type WarmupEnqueuer interface {
	EnqueueAccessWarmup(ctx context.Context) (*asynq.TaskInfo, error)
}

// Handler serves the CRM read models and the ingest endpoint.
type Handler struct {
	logger    *slog.Logger
	users     users.Reader
	opps      opportunities.Reader
	matrix    *access.Matrix
	dashboard *dashboard.Service
	ingest    *ingest.Service
	engine    *projection.Engine

	// adminTokenHash is the bcrypt hash guarding admin routes.
	adminTokenHash string
	warmups        WarmupEnqueuer
}

// HandlerParams groups the handler dependencies.
type HandlerParams struct {
	Logger         *slog.Logger
	Users          users.Reader
	Opportunities  opportunities.Reader
	Matrix         *access.Matrix
	Dashboard      *dashboard.Service
	Ingest         *ingest.Service
	Engine         *projection.Engine
	AdminTokenHash string
	Warmups        WarmupEnqueuer
}

// NewHandler constructs a Handler instance.
func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		logger:         p.Logger,
		users:          p.Users,
		opps:           p.Opportunities,
		matrix:         p.Matrix,
		dashboard:      p.Dashboard,
		ingest:         p.Ingest,
		engine:         p.Engine,
		adminTokenHash: p.AdminTokenHash,
		warmups:        p.Warmups,
	}
}

// MountRoutes registers the API routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/events", h.appendEvent)
	r.Get("/users/{userID}", h.getUser)
	r.Get("/users/{userID}/opportunities", h.listOpportunities)
	r.Get("/opportunities/{id}", h.getOpportunity)
	r.Get("/access/{userID}", h.getAccess)
	r.Get("/dashboard/{userID}", h.getDashboard)
	r.Get("/projections", h.listProjections)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.adminOnly)
		r.Post("/projections/{name}/rebuild", h.rebuildProjection)
		r.Post("/access/warmup", h.warmupAccess)
	})
}

func (h *Handler) appendEvent(w http.ResponseWriter, r *http.Request) {
	var req eventstore.AppendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}

	evt, err := h.ingest.Record(r.Context(), req)
	if err != nil {
		var conflict *eventstore.ConflictError
		switch {
		case errors.As(err, &conflict):
			httpx.Problem(w, http.StatusConflict, "Concurrency Conflict",
				fmt.Sprintf("aggregate %s is at version %d, expected %d",
					conflict.AggregateID, conflict.ActualVersion, conflict.ExpectedVersion))
		default:
			h.logger.Error("append event", slog.Any("error", err))
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, evt)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.users.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) listOpportunities(w http.ResponseWriter, r *http.Request) {
	rows, err := h.opps.ListVisibleTo(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) getOpportunity(w http.ResponseWriter, r *http.Request) {
	opp, err := h.opps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, opp)
}

func (h *Handler) getAccess(w http.ResponseWriter, r *http.Request) {
	entry, err := h.matrix.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) getDashboard(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.dashboard.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, metrics)
}

func (h *Handler) listProjections(w http.ResponseWriter, r *http.Request) {
	var checkpoints []projection.Checkpoint
	for _, name := range h.engine.Names() {
		cp, err := h.engine.Checkpoint(name)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		checkpoints = append(checkpoints, cp)
	}
	httpx.JSON(w, http.StatusOK, checkpoints)
}

func (h *Handler) rebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	known := false
	for _, n := range h.engine.Names() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown projection "+name)
		return
	}

	// The rebuild runs inside this process so it shares the engine's live
	// checkpoints. A worker process replaying the same collections would
	// race the in-memory positions held here. Progress is visible through
	// GET /projections.
	go func() {
		ctx := context.WithoutCancel(r.Context())
		if err := h.engine.Rebuild(ctx, name); err != nil {
			h.logger.Error("projection rebuild", slog.String("projection", name), slog.Any("error", err))
		}
	}()
	httpx.JSON(w, http.StatusAccepted, map[string]string{
		"projection": name,
		"status":     string(projection.StatusRebuilding),
	})
}

func (h *Handler) warmupAccess(w http.ResponseWriter, r *http.Request) {
	info, err := h.warmups.EnqueueAccessWarmup(r.Context())
	if err != nil {
		h.logger.Error("enqueue access warmup", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID})
}

// adminOnly verifies the bearer token against the configured bcrypt hash.
func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || h.adminTokenHash == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(h.adminTokenHash), []byte(token)); err != nil {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
