package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/RealZimboGuy/outboundflow/internal/engine"
	"github.com/RealZimboGuy/outboundflow/internal/util"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type DeliveryService interface {
	Enqueue(ctx context.Context, tenantID, conversationID, messageID int64, priority int) (int64, error)
	RetryDelivery(ctx context.Context, tenantID, jobID int64) error
	GetDelivery(ctx context.Context, tenantID, jobID int64) (*domain.DeliveryJob, error)
}

type DeliveriesController struct {
	Deliveries DeliveryService
}

func NewDeliveriesController(deliveries DeliveryService) *DeliveriesController {
	return &DeliveriesController{Deliveries: deliveries}
}

func (c *DeliveriesController) RegisterRoutes(r chi.Router) {
	r.Post("/api/deliveries", c.handleEnqueue)
	r.Get("/api/deliveries/{id}", c.handleGetDelivery)
	r.Post("/api/deliveries/{id}/retry", c.handleRetry)
}

type EnqueueDeliveryRequest struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
	Priority       int   `json:"priority"`
}

type EnqueueDeliveryResponse struct {
	JobID int64 `json:"jobId"`
}

type DeliveryResponse struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	MessageID      int64      `json:"messageId"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt"`
	ErrorMessage   *string    `json:"errorMessage"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func mapDeliveryJob(j *domain.DeliveryJob) DeliveryResponse {
	out := DeliveryResponse{
		ID:             j.ID,
		ConversationID: j.ConversationID,
		MessageID:      j.ChatMessageID,
		Priority:       j.Priority,
		Status:         j.Status,
		Attempts:       j.Attempts,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.NextAttemptAt.Valid {
		t := j.NextAttemptAt.Time
		out.NextAttemptAt = &t
	}
	if j.ErrorMessage.Valid {
		s := j.ErrorMessage.String
		out.ErrorMessage = &s
	}
	return out
}

func (c *DeliveriesController) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[EnqueueDeliveryRequest](r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ConversationID <= 0 || req.MessageID <= 0 {
		util.WriteJSONError(w, http.StatusBadRequest, "conversationId and messageId are required")
		return
	}
	id, err := c.Deliveries.Enqueue(r.Context(), tenant(r), req.ConversationID, req.MessageID, req.Priority)
	if err != nil {
		writeDeliveryError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusCreated, EnqueueDeliveryResponse{JobID: id})
}

func (c *DeliveriesController) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := util.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := c.Deliveries.GetDelivery(r.Context(), tenant(r), id)
	if err != nil {
		writeDeliveryError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapDeliveryJob(job))
}

func (c *DeliveriesController) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := util.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := c.Deliveries.RetryDelivery(r.Context(), tenant(r), id); err != nil {
		writeDeliveryError(w, r, err)
		return
	}
	job, err := c.Deliveries.GetDelivery(r.Context(), tenant(r), id)
	if err != nil {
		writeDeliveryError(w, r, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, mapDeliveryJob(job))
}

func writeDeliveryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrConversationNotFound),
		errors.Is(err, engine.ErrMessageNotFound),
		errors.Is(err, engine.ErrJobNotFound):
		util.WriteJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrJobNotFailed):
		util.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		slog.ErrorContext(r.Context(), "Delivery request failed", "path", r.URL.Path, "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
