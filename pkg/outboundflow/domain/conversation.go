package domain

import (
	"database/sql"
	"time"
)

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
	ConversationStatusBlocked  = "blocked"
)

type Conversation struct {
	ID               int64
	TenantID         int64
	WhatsappNumberID sql.NullInt64
	ConnectionType   string
	ContactPhone     string
	ContactName      sql.NullString
	LeadID           sql.NullInt64
	AssignedToID     sql.NullInt64
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
