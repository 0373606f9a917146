package domain

import (
	"database/sql"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSent       = "sent"
	JobStatusFailed     = "failed"
)

const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// DeliveryJob is one row of message_queue: the durable intent to send a ChatMessage.
type DeliveryJob struct {
	ID             int64
	TenantID       int64
	ConversationID int64
	ChatMessageID  int64
	Priority       int
	Status         string
	Attempts       int
	NextAttemptAt  sql.NullTime
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
