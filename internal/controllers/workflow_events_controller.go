package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RealZimboGuy/outboundflow/internal/engine"
	"github.com/RealZimboGuy/outboundflow/internal/util"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type EventDispatcher interface {
	DispatchEvent(ctx context.Context, payload domain.EventPayload) error
}

type WorkflowEventsController struct {
	Engine EventDispatcher
}

func NewWorkflowEventsController(engine EventDispatcher) *WorkflowEventsController {
	return &WorkflowEventsController{Engine: engine}
}

func (c *WorkflowEventsController) RegisterRoutes(r chi.Router) {
	r.Post("/api/workflow-events", c.handleDispatch)
}

type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

// handleDispatch runs matching workflows in the background. The tenant comes
// from the API key, never from the body.
func (c *WorkflowEventsController) handleDispatch(w http.ResponseWriter, r *http.Request) {
	payload, err := util.DecodeJSONBody[domain.EventPayload](r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	payload.TenantID = tenant(r)
	if err := c.Engine.DispatchEvent(r.Context(), payload); err != nil {
		if errors.Is(err, engine.ErrInvalidEvent) {
			util.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "Failed to dispatch workflow event", "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	util.WriteJSONResponse(w, http.StatusAccepted, AcceptedResponse{Accepted: true})
}
