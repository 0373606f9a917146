package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// ChooseAgentFunc picks an agent from the tenant's assignable users. It
// returns false when nobody should be assigned.
type ChooseAgentFunc func(settings domain.DistributionSettings, agents []domain.Agent, activeCounts map[int64]int) (int64, bool)

// DistributionRepository owns app_settings distribution columns and the
// transactional conversation assignment.
type DistributionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDistributionRepository(db *sql.DB, clock core.Clock) *DistributionRepository {
	return &DistributionRepository{db: db, clock: clock}
}

func scanSettings(s interface{ Scan(...any) error }) (*domain.DistributionSettings, error) {
	var (
		st       domain.DistributionSettings
		excluded sql.NullString
		last     sql.NullInt64
	)
	err := s.Scan(&st.ID, &st.TenantID, &st.Mode, &excluded, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if excluded.Valid && excluded.String != "" {
		// a corrupt list is treated as empty
		_ = json.Unmarshal([]byte(excluded.String), &st.ExcludedAgentIDs)
	}
	if last.Valid {
		v := last.Int64
		st.LastAssignedAgentID = &v
	}
	return &st, nil
}

const SETTINGS_COLUMNS = ` id, tenant_id, distribution_mode, distribution_excluded, last_assigned_agent_id `

func (r *DistributionRepository) FindSettings(ctx context.Context, tenantID int64) (*domain.DistributionSettings, error) {
	return scanSettings(r.db.QueryRowContext(ctx, rebind(`SELECT `+SETTINGS_COLUMNS+` FROM app_settings WHERE tenant_id = ?`), tenantID))
}

func (r *DistributionRepository) SaveSettings(ctx context.Context, s *domain.DistributionSettings) (int64, error) {
	var excluded sql.NullString
	if len(s.ExcludedAgentIDs) > 0 {
		b, err := json.Marshal(s.ExcludedAgentIDs)
		if err != nil {
			return 0, err
		}
		excluded = sql.NullString{String: string(b), Valid: true}
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO app_settings (tenant_id, distribution_mode, distribution_excluded, last_assigned_agent_id)
		VALUES (?, ?, ?, ?)`, s.TenantID, s.Mode, excluded, nullInt64(s.LastAssignedAgentID))
	if err != nil {
		return 0, err
	}
	s.ID = id
	return id, nil
}

// Assign runs one distribution decision for an unassigned conversation. The
// tenant's settings row is locked for the whole decision so concurrent
// processes see each other's last_assigned_agent_id. It reports false when
// no assignment was written.
func (r *DistributionRepository) Assign(ctx context.Context, conv *domain.Conversation, choose ChooseAgentFunc) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	settings, err := scanSettings(tx.QueryRowContext(ctx, rebind(`SELECT `+SETTINGS_COLUMNS+` FROM app_settings WHERE tenant_id = ?`+lockClause(false)), conv.TenantID))
	if err != nil || settings == nil {
		return 0, false, err
	}

	agents, err := findAssignable(ctx, tx, conv.TenantID)
	if err != nil {
		return 0, false, err
	}

	counts := map[int64]int{}
	if settings.Mode == domain.DistributionLeastActive {
		counts, err = activeConversationCounts(ctx, tx, conv.TenantID)
		if err != nil {
			return 0, false, err
		}
	}

	agentID, ok := choose(*settings, agents, counts)
	if !ok {
		return 0, false, nil
	}

	res, err := tx.ExecContext(ctx, rebind(`UPDATE conversations SET assigned_to_id = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND assigned_to_id IS NULL`),
		agentID, formatDateInDatabase(r.clock.Now()), conv.ID, conv.TenantID)
	if err != nil {
		return 0, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, false, err
	}
	if _, err := tx.ExecContext(ctx, rebind(`UPDATE app_settings SET last_assigned_agent_id = ? WHERE id = ?`), agentID, settings.ID); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return agentID, true, nil
}

func activeConversationCounts(ctx context.Context, q dbtx, tenantID int64) (map[int64]int, error) {
	rows, err := q.QueryContext(ctx, rebind(`SELECT assigned_to_id, COUNT(*) FROM conversations
		WHERE tenant_id = ? AND status = ? AND assigned_to_id IS NOT NULL
		GROUP BY assigned_to_id`), tenantID, domain.ConversationStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
