package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type IntegrationRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewIntegrationRepository(db *sql.DB, clock core.Clock) *IntegrationRepository {
	return &IntegrationRepository{db: db, clock: clock}
}

func (r *IntegrationRepository) Save(ctx context.Context, in *domain.Integration) (int64, error) {
	events, err := json.Marshal(in.Events)
	if err != nil {
		return 0, err
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO integrations (tenant_id, whatsapp_number_id, webhook_url, events, is_active)
		VALUES (?, ?, ?, ?, ?)`, in.TenantID, in.WhatsappNumberID, in.WebhookURL, string(events), in.IsActive)
	if err != nil {
		return 0, err
	}
	in.ID = id
	return id, nil
}

func (r *IntegrationRepository) FindActiveByNumber(ctx context.Context, numberID int64) ([]domain.Integration, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT id, tenant_id, whatsapp_number_id, webhook_url, events, is_active, last_triggered_at
		FROM integrations WHERE whatsapp_number_id = ? AND is_active = ? ORDER BY id`), numberID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Integration
	for rows.Next() {
		var (
			in     domain.Integration
			events sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.TenantID, &in.WhatsappNumberID, &in.WebhookURL, &events, &in.IsActive, &in.LastTriggeredAt); err != nil {
			return nil, err
		}
		if events.Valid && events.String != "" {
			_ = json.Unmarshal([]byte(events.String), &in.Events)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *IntegrationRepository) TouchTriggered(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE integrations SET last_triggered_at = ? WHERE id = ?`), formatDateInDatabase(r.clock.Now()), id)
	return err
}
