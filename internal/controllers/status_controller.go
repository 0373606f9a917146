package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/internal/util"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type BreakerStats interface {
	Stats() []breaker.Stats
}

type NumberLookup interface {
	FindByID(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error)
}

// Sessions is the subset of channels.Registry the API drives.
type Sessions interface {
	Status(numberID int64) channels.SessionStatus
	QR(numberID int64) string
	Start(ctx context.Context, numberID int64) (channels.SessionStatus, error)
	Logout(ctx context.Context, numberID int64) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type StatusController struct {
	Breakers BreakerStats
	Numbers  NumberLookup
	Sessions Sessions
	DB       Pinger
}

// NewStatusController builds the status endpoints. sessions may be nil when
// the session transport is disabled.
func NewStatusController(breakers BreakerStats, numbers NumberLookup, sessions Sessions, db Pinger) *StatusController {
	return &StatusController{Breakers: breakers, Numbers: numbers, Sessions: sessions, DB: db}
}

func (c *StatusController) RegisterRoutes(r chi.Router) {
	r.Get("/api/breakers", c.handleBreakers)
	r.Get("/api/sessions/{numberId}", c.handleSessionStatus)
	r.Post("/api/sessions/{numberId}/start", c.handleSessionStart)
	r.Post("/api/sessions/{numberId}/logout", c.handleSessionLogout)
}

type SessionResponse struct {
	NumberID int64  `json:"numberId"`
	Status   string `json:"status"`
	QRCode   string `json:"qrCode,omitempty"`
}

func (c *StatusController) handleBreakers(w http.ResponseWriter, r *http.Request) {
	util.WriteJSONResponse(w, http.StatusOK, c.Breakers.Stats())
}

// ownedNumber resolves the path number for the caller's tenant and writes
// the error response itself when it cannot.
func (c *StatusController) ownedNumber(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if c.Sessions == nil {
		util.WriteJSONError(w, http.StatusServiceUnavailable, "session transport is disabled")
		return 0, false
	}
	id, err := util.ParseID(chi.URLParam(r, "numberId"))
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	n, err := c.Numbers.FindByID(r.Context(), tenant(r), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load number", "number_id", id, "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return 0, false
	}
	if n == nil {
		util.WriteJSONError(w, http.StatusNotFound, "number not found")
		return 0, false
	}
	return id, true
}

func (c *StatusController) session(id int64) SessionResponse {
	return SessionResponse{NumberID: id, Status: string(c.Sessions.Status(id)), QRCode: c.Sessions.QR(id)}
}

func (c *StatusController) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := c.ownedNumber(w, r)
	if !ok {
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, c.session(id))
}

func (c *StatusController) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	id, ok := c.ownedNumber(w, r)
	if !ok {
		return
	}
	if _, err := c.Sessions.Start(r.Context(), id); err != nil {
		slog.ErrorContext(r.Context(), "Failed to start session", "number_id", id, "error", err)
		util.WriteJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	util.WriteJSONResponse(w, http.StatusAccepted, c.session(id))
}

func (c *StatusController) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := c.ownedNumber(w, r)
	if !ok {
		return
	}
	if err := c.Sessions.Logout(r.Context(), id); err != nil {
		slog.ErrorContext(r.Context(), "Failed to log out session", "number_id", id, "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, c.session(id))
}

// HandleHealth is mounted outside the authenticated group.
func (c *StatusController) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := c.DB.PingContext(ctx); err != nil {
		util.WriteJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "database": err.Error()})
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
