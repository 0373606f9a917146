package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const AGENT_COLUMNS = ` id, tenant_id, name, role, is_active `

// AgentRepository provides persistence methods for the users table.
type AgentRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewAgentRepository(db *sql.DB, clock core.Clock) *AgentRepository {
	return &AgentRepository{db: db, clock: clock}
}

func (r *AgentRepository) Save(ctx context.Context, a *domain.Agent) (int64, error) {
	if a.Role == "" {
		a.Role = domain.RoleAgent
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO users (tenant_id, name, role, is_active) VALUES (?, ?, ?, ?)`,
		a.TenantID, a.Name, a.Role, a.IsActive)
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if the user is not part of the tenant.
func (r *AgentRepository) FindByID(ctx context.Context, tenantID, id int64) (*domain.Agent, error) {
	var a domain.Agent
	err := r.db.QueryRowContext(ctx, rebind(`SELECT `+AGENT_COLUMNS+` FROM users WHERE id = ? AND tenant_id = ?`), id, tenantID).
		Scan(&a.ID, &a.TenantID, &a.Name, &a.Role, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// findAssignable lists active non-viewer users of a tenant ordered by id.
func findAssignable(ctx context.Context, q dbtx, tenantID int64) ([]domain.Agent, error) {
	rows, err := q.QueryContext(ctx, rebind(`SELECT `+AGENT_COLUMNS+` FROM users
		WHERE tenant_id = ? AND is_active = ? AND role <> ? ORDER BY id`), tenantID, true, domain.RoleViewer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Role, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
