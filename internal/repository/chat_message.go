package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const CHAT_MESSAGE_COLUMNS = ` id, tenant_id, conversation_id, whatsapp_number_id, connection_type, direction,
		       message_type, content, media_url, media_name, media_mime_type, latitude, longitude,
		       location_name, status, error_message, failed_at, whatsapp_message_id, sent_at,
		       delivered_at, read_at, created_at `

type ChatMessageRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewChatMessageRepository(db *sql.DB, clock core.Clock) *ChatMessageRepository {
	return &ChatMessageRepository{db: db, clock: clock}
}

func (r *ChatMessageRepository) Save(ctx context.Context, m *domain.ChatMessage) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.clock.Now()
	}
	if m.Status == "" {
		m.Status = domain.MessageStatusPending
	}
	if m.Direction == "" {
		m.Direction = "outbound"
	}
	if m.ConnectionType == "" {
		m.ConnectionType = domain.ConnectionTypeAPI
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO chat_messages
		(tenant_id, conversation_id, whatsapp_number_id, connection_type, direction, message_type, content,
		 media_url, media_name, media_mime_type, latitude, longitude, location_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.TenantID, m.ConversationID, m.WhatsappNumberID, m.ConnectionType, m.Direction, m.MessageType, m.Content,
		m.MediaURL, m.MediaName, m.MediaMimeType, m.Latitude, m.Longitude, m.LocationName, m.Status,
		formatDateInDatabase(m.CreatedAt))
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

// FindByID returns (nil, nil) when the message does not exist for the tenant.
func (r *ChatMessageRepository) FindByID(ctx context.Context, tenantID, id int64) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := r.db.QueryRowContext(ctx, rebind(`SELECT `+CHAT_MESSAGE_COLUMNS+` FROM chat_messages WHERE id = ? AND tenant_id = ?`), id, tenantID).Scan(
		&m.ID, &m.TenantID, &m.ConversationID, &m.WhatsappNumberID, &m.ConnectionType, &m.Direction,
		&m.MessageType, &m.Content, &m.MediaURL, &m.MediaName, &m.MediaMimeType, &m.Latitude, &m.Longitude,
		&m.LocationName, &m.Status, &m.ErrorMessage, &m.FailedAt, &m.WhatsappMessageID, &m.SentAt,
		&m.DeliveredAt, &m.ReadAt, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *ChatMessageRepository) MarkSent(ctx context.Context, tenantID, id int64, remoteID string) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE chat_messages
		SET status = ?, sent_at = ?, whatsapp_message_id = ?, error_message = NULL WHERE id = ? AND tenant_id = ?`),
		domain.MessageStatusSent, formatDateInDatabase(r.clock.Now()), nullString(remoteID), id, tenantID)
	return err
}

func (r *ChatMessageRepository) MarkFailed(ctx context.Context, tenantID, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE chat_messages SET status = ?, error_message = ?, failed_at = ? WHERE id = ? AND tenant_id = ?`),
		domain.MessageStatusFailed, errMsg, formatDateInDatabase(r.clock.Now()), id, tenantID)
	return err
}

func (r *ChatMessageRepository) MarkPending(ctx context.Context, tenantID, id int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE chat_messages SET status = ?, error_message = NULL, failed_at = NULL WHERE id = ? AND tenant_id = ?`),
		domain.MessageStatusPending, id, tenantID)
	return err
}
