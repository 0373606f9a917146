package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// DeliveryJobRepo matches repository.DeliveryJobRepository.
type DeliveryJobRepo interface {
	Save(ctx context.Context, j *domain.DeliveryJob) (int64, error)
	FindByID(ctx context.Context, tenantID, id int64) (*domain.DeliveryJob, error)
	ClaimBatch(ctx context.Context, p repository.ClaimParams) ([]domain.DeliveryJob, error)
	MarkSent(ctx context.Context, tenantID, id int64) error
	MarkFailed(ctx context.Context, tenantID, id int64, errMsg string, nextAttempt sql.NullTime) error
	Requeue(ctx context.Context, tenantID, id int64, nextAttempt time.Time) error
	ResetForRetry(ctx context.Context, tenantID, id int64) (bool, error)
}

// ChatMessageRepo matches repository.ChatMessageRepository.
type ChatMessageRepo interface {
	FindByID(ctx context.Context, tenantID, id int64) (*domain.ChatMessage, error)
	MarkSent(ctx context.Context, tenantID, id int64, remoteID string) error
	MarkFailed(ctx context.Context, tenantID, id int64, errMsg string) error
	MarkPending(ctx context.Context, tenantID, id int64) error
}

type ConversationRepo interface {
	FindByIDForTenant(ctx context.Context, tenantID, id int64) (*domain.Conversation, error)
}

type WhatsappNumberRepo interface {
	FindByID(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error)
	IncrementSentCounters(ctx context.Context, tenantID, id int64) error
	ResetDailyCounters(ctx context.Context) (int64, error)
}

type WhatsappConnectionRepo interface {
	FindByNumberID(ctx context.Context, tenantID, numberID int64) (*domain.WhatsappConnection, error)
	FindFirstConnected(ctx context.Context, tenantID int64) (*domain.WhatsappConnection, error)
}

// WorkflowRepo matches repository.WorkflowRepository.
type WorkflowRepo interface {
	FindByID(ctx context.Context, id int64) (*domain.Workflow, error)
	FindActiveByTrigger(ctx context.Context, tenantID int64, triggerType string) ([]domain.Workflow, error)
}

// WorkflowJobRepo matches repository.WorkflowJobRepository.
type WorkflowJobRepo interface {
	Insert(ctx context.Context, j *domain.WorkflowJob) (int64, error)
	Reschedule(ctx context.Context, id int64, actionIndex int, resumeAt time.Time) error
	SetStatus(ctx context.Context, id int64, status string, errMsg string) error
	FindReady(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowJob, error)
}

type WorkflowLogRepo interface {
	Save(ctx context.Context, l *domain.WorkflowLog) (int64, error)
}

// LeadRepo matches repository.LeadRepository.
type LeadRepo interface {
	FindByID(ctx context.Context, tenantID, id int64) (*domain.Lead, error)
	AssignFixedAgent(ctx context.Context, tenantID, leadID, agentID int64) (bool, error)
	AssignLeastLoadedAgent(ctx context.Context, tenantID, leadID int64) (int64, error)
	TagExists(ctx context.Context, tenantID, tagID int64) (bool, error)
	StageExists(ctx context.Context, tenantID, stageID int64) (bool, error)
	AddTag(ctx context.Context, tenantID, leadID, tagID int64) error
	RemoveTag(ctx context.Context, tenantID, leadID, tagID int64) error
	SetStage(ctx context.Context, tenantID, leadID, stageID int64) error
	AddNote(ctx context.Context, tenantID, leadID int64, content string) error
	FindTemplate(ctx context.Context, tenantID, id int64) (*domain.Template, error)
}

// SecretOpener decrypts stored credentials, see crypto.Box.
type SecretOpener interface {
	Decrypt(v string) (string, error)
}

// EventDispatcher fans an integration event out, see events.Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev domain.IntegrationEvent) error
}
