// Package distribution auto-assigns new conversations to agents.
package distribution

import (
	"context"
	"log/slog"
	"slices"

	"github.com/RealZimboGuy/outboundflow/internal/events"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type ConversationStore interface {
	FindByID(ctx context.Context, id int64) (*domain.Conversation, error)
}

// Assigner applies a choice inside a transaction that locks the tenant's
// distribution settings.
type Assigner interface {
	Assign(ctx context.Context, conv *domain.Conversation, choose repository.ChooseAgentFunc) (int64, bool, error)
}

type Resolver struct {
	conversations ConversationStore
	assigner      Assigner
	publisher     events.StatusPublisher
	clock         core.Clock
}

// NewResolver builds a resolver. publisher may be nil.
func NewResolver(conversations ConversationStore, assigner Assigner, publisher events.StatusPublisher, clock core.Clock) *Resolver {
	return &Resolver{conversations: conversations, assigner: assigner, publisher: publisher, clock: clock}
}

// DistributeConversation assigns an unassigned conversation according to the
// tenant's distribution mode. It returns the chosen agent and whether an
// assignment was written; every no-op case returns false with a nil error.
func (r *Resolver) DistributeConversation(ctx context.Context, conversationID int64) (int64, bool, error) {
	conv, err := r.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return 0, false, err
	}
	if conv == nil {
		slog.WarnContext(ctx, "Conversation not found for distribution", "conversation_id", conversationID)
		return 0, false, nil
	}
	if conv.AssignedToID.Valid {
		return 0, false, nil
	}

	var mode string
	agentID, ok, err := r.assigner.Assign(ctx, conv, func(s domain.DistributionSettings, agents []domain.Agent, counts map[int64]int) (int64, bool) {
		mode = s.Mode
		id, ok := ChooseAgent(s, agents, counts)
		if !ok && s.Mode != "" && s.Mode != domain.DistributionManual {
			slog.WarnContext(ctx, "No eligible agents found", "tenant_id", conv.TenantID)
		}
		return id, ok
	})
	if err != nil || !ok {
		return 0, false, err
	}

	slog.InfoContext(ctx, "Conversation assigned", "conversation_id", conv.ID, "tenant_id", conv.TenantID, "agent_id", agentID, "mode", mode)
	if r.publisher != nil {
		err := r.publisher.PublishStatus(ctx, events.StatusEvent{
			Type:     events.StatusConversationAssigned,
			TenantID: conv.TenantID,
			Time:     r.clock.Now().UTC(),
			Data:     map[string]any{"conversationId": conv.ID, "agentId": agentID},
		})
		if err != nil {
			slog.WarnContext(ctx, "Failed to publish assignment", "conversation_id", conv.ID, "error", err)
		}
	}
	return agentID, true, nil
}

// ChooseAgent is the pure assignment rule. Eligible agents are active,
// not viewers, not excluded, ordered by id.
func ChooseAgent(s domain.DistributionSettings, agents []domain.Agent, counts map[int64]int) (int64, bool) {
	if s.Mode == "" || s.Mode == domain.DistributionManual {
		return 0, false
	}
	eligible := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if !a.IsActive || a.Role == domain.RoleViewer || slices.Contains(s.ExcludedAgentIDs, a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return 0, false
	}
	slices.SortFunc(eligible, func(a, b domain.Agent) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	next := eligible[0]
	switch s.Mode {
	case domain.DistributionRoundRobin:
		if s.LastAssignedAgentID != nil {
			i := slices.IndexFunc(eligible, func(a domain.Agent) bool { return a.ID == *s.LastAssignedAgentID })
			if i >= 0 && i < len(eligible)-1 {
				next = eligible[i+1]
			}
		}
	case domain.DistributionLeastActive:
		min := -1
		for _, a := range eligible {
			if c := counts[a.ID]; min < 0 || c < min {
				min = c
				next = a
			}
		}
	}
	return next.ID, true
}
