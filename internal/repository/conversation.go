package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const CONVERSATION_COLUMNS = ` id, tenant_id, whatsapp_number_id, connection_type, contact_phone, contact_name,
		       lead_id, assigned_to_id, status, created_at, updated_at `

type ConversationRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewConversationRepository(db *sql.DB, clock core.Clock) *ConversationRepository {
	return &ConversationRepository{db: db, clock: clock}
}

func scanConversation(s interface{ Scan(...any) error }) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.Scan(&c.ID, &c.TenantID, &c.WhatsappNumberID, &c.ConnectionType, &c.ContactPhone, &c.ContactName,
		&c.LeadID, &c.AssignedToID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) Save(ctx context.Context, c *domain.Conversation) (int64, error) {
	now := r.clock.Now()
	if c.Status == "" {
		c.Status = domain.ConversationStatusActive
	}
	if c.ConnectionType == "" {
		c.ConnectionType = domain.ConnectionTypeAPI
	}
	c.CreatedAt, c.UpdatedAt = now, now
	id, err := insertReturningID(ctx, r.db, `INSERT INTO conversations
		(tenant_id, whatsapp_number_id, connection_type, contact_phone, contact_name, lead_id, assigned_to_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TenantID, c.WhatsappNumberID, c.ConnectionType, c.ContactPhone, c.ContactName, c.LeadID, c.AssignedToID,
		c.Status, formatDateInDatabase(now), formatDateInDatabase(now))
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// FindByID looks a conversation up without a tenant filter. It is used by
// internal callers that only hold the id. Returns (nil, nil) if not found.
func (r *ConversationRepository) FindByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	return scanConversation(r.db.QueryRowContext(ctx, rebind(`SELECT `+CONVERSATION_COLUMNS+` FROM conversations WHERE id = ?`), id))
}

func (r *ConversationRepository) FindByIDForTenant(ctx context.Context, tenantID, id int64) (*domain.Conversation, error) {
	return scanConversation(r.db.QueryRowContext(ctx, rebind(`SELECT `+CONVERSATION_COLUMNS+` FROM conversations WHERE id = ? AND tenant_id = ?`), id, tenantID))
}
