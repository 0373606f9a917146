package controllers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/RealZimboGuy/outboundflow/internal/util"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type ConversationLookup interface {
	FindByIDForTenant(ctx context.Context, tenantID, id int64) (*domain.Conversation, error)
}

type Distributor interface {
	DistributeConversation(ctx context.Context, conversationID int64) (int64, bool, error)
}

type ConversationsController struct {
	Conversations ConversationLookup
	Distributor   Distributor
}

func NewConversationsController(conversations ConversationLookup, distributor Distributor) *ConversationsController {
	return &ConversationsController{Conversations: conversations, Distributor: distributor}
}

func (c *ConversationsController) RegisterRoutes(r chi.Router) {
	r.Post("/api/conversations/{id}/distribute", c.handleDistribute)
}

type DistributeResponse struct {
	Assigned bool   `json:"assigned"`
	AgentID  *int64 `json:"agentId"`
}

func (c *ConversationsController) handleDistribute(w http.ResponseWriter, r *http.Request) {
	id, err := util.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := c.Conversations.FindByIDForTenant(r.Context(), tenant(r), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load conversation", "conversation_id", id, "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conv == nil {
		util.WriteJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	agentID, ok, err := c.Distributor.DistributeConversation(r.Context(), conv.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "Distribution failed", "conversation_id", id, "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp := DistributeResponse{Assigned: ok}
	if ok {
		resp.AgentID = &agentID
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}
