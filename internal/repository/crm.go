package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// roundRobinRoles are the roles eligible for workflow lead assignment.
var roundRobinRoles = []any{domain.RoleAgent, domain.RoleAdmin, domain.RoleSupervisor}

// LeadRepository covers the lead-side tables touched by workflow actions:
// leads, tags, lead_tags, pipeline_stages and lead_notes.
type LeadRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewLeadRepository(db *sql.DB, clock core.Clock) *LeadRepository {
	return &LeadRepository{db: db, clock: clock}
}

func (r *LeadRepository) Save(ctx context.Context, l *domain.Lead) (int64, error) {
	id, err := insertReturningID(ctx, r.db, `INSERT INTO leads (tenant_id, name, phone, email, assigned_to_id, pipeline_stage_id)
		VALUES (?, ?, ?, ?, ?, ?)`, l.TenantID, l.Name, l.Phone, l.Email, l.AssignedToID, l.PipelineStageID)
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if the lead is not part of the tenant.
func (r *LeadRepository) FindByID(ctx context.Context, tenantID, id int64) (*domain.Lead, error) {
	var l domain.Lead
	err := r.db.QueryRowContext(ctx, rebind(`SELECT id, tenant_id, name, phone, email, assigned_to_id, pipeline_stage_id
		FROM leads WHERE id = ? AND tenant_id = ?`), id, tenantID).
		Scan(&l.ID, &l.TenantID, &l.Name, &l.Phone, &l.Email, &l.AssignedToID, &l.PipelineStageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// AssignFixedAgent assigns the lead to a named user of the same tenant. It
// reports false when the user does not exist in the tenant.
func (r *LeadRepository) AssignFixedAgent(ctx context.Context, tenantID, leadID, agentID int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, rebind(`SELECT id FROM users WHERE id = ? AND tenant_id = ?`), agentID, tenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, rebind(`UPDATE leads SET assigned_to_id = ? WHERE id = ? AND tenant_id = ?`), id, leadID, tenantID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// AssignLeastLoadedAgent locks the tenant's active agents and assigns the
// lead to the one with the fewest leads, lowest id first. It returns zero
// when no agent is available.
func (r *LeadRepository) AssignLeastLoadedAgent(ctx context.Context, tenantID, leadID int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	args := append([]any{tenantID}, roundRobinRoles...)
	args = append(args, true)
	rows, err := tx.QueryContext(ctx, rebind(`SELECT id FROM users
		WHERE tenant_id = ? AND role IN (`+inList(len(roundRobinRoles))+`) AND is_active = ?
		ORDER BY id`+lockClause(false)), args...)
	if err != nil {
		return 0, err
	}
	var agentIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		agentIDs = append(agentIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(agentIDs) == 0 {
		return 0, nil
	}

	counts := map[int64]int{}
	countRows, err := tx.QueryContext(ctx, rebind(`SELECT assigned_to_id, COUNT(*) FROM leads
		WHERE tenant_id = ? AND assigned_to_id IS NOT NULL GROUP BY assigned_to_id`), tenantID)
	if err != nil {
		return 0, err
	}
	for countRows.Next() {
		var id int64
		var n int
		if err := countRows.Scan(&id, &n); err != nil {
			countRows.Close()
			return 0, err
		}
		counts[id] = n
	}
	countRows.Close()
	if err := countRows.Err(); err != nil {
		return 0, err
	}

	chosen := agentIDs[0]
	for _, id := range agentIDs[1:] {
		if counts[id] < counts[chosen] {
			chosen = id
		}
	}
	if _, err := tx.ExecContext(ctx, rebind(`UPDATE leads SET assigned_to_id = ? WHERE id = ? AND tenant_id = ?`), chosen, leadID, tenantID); err != nil {
		return 0, err
	}
	return chosen, tx.Commit()
}

func (r *LeadRepository) TagExists(ctx context.Context, tenantID, tagID int64) (bool, error) {
	return r.exists(ctx, `SELECT id FROM tags WHERE id = ? AND tenant_id = ?`, tagID, tenantID)
}

func (r *LeadRepository) StageExists(ctx context.Context, tenantID, stageID int64) (bool, error) {
	return r.exists(ctx, `SELECT id FROM pipeline_stages WHERE id = ? AND tenant_id = ?`, stageID, tenantID)
}

func (r *LeadRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, rebind(query), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AddTag links a tag to a lead; an existing link is left untouched.
func (r *LeadRepository) AddTag(ctx context.Context, tenantID, leadID, tagID int64) error {
	prefix, suffix := insertIgnore()
	_, err := r.db.ExecContext(ctx, rebind(prefix+` lead_tags (tenant_id, lead_id, tag_id, created_at) VALUES (?, ?, ?, ?)`+suffix),
		tenantID, leadID, tagID, formatDateInDatabase(r.clock.Now()))
	return err
}

func (r *LeadRepository) RemoveTag(ctx context.Context, tenantID, leadID, tagID int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`DELETE FROM lead_tags WHERE lead_id = ? AND tag_id = ? AND tenant_id = ?`), leadID, tagID, tenantID)
	return err
}

func (r *LeadRepository) TagIDs(ctx context.Context, tenantID, leadID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT tag_id FROM lead_tags WHERE lead_id = ? AND tenant_id = ? ORDER BY tag_id`), leadID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *LeadRepository) SetStage(ctx context.Context, tenantID, leadID, stageID int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE leads SET pipeline_stage_id = ? WHERE id = ? AND tenant_id = ?`), stageID, leadID, tenantID)
	return err
}

func (r *LeadRepository) AddNote(ctx context.Context, tenantID, leadID int64, content string) error {
	_, err := r.db.ExecContext(ctx, rebind(`INSERT INTO lead_notes (tenant_id, lead_id, content, created_at) VALUES (?, ?, ?, ?)`),
		tenantID, leadID, content, formatDateInDatabase(r.clock.Now()))
	return err
}

func (r *LeadRepository) Notes(ctx context.Context, tenantID, leadID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT content FROM lead_notes WHERE lead_id = ? AND tenant_id = ? ORDER BY id`), leadID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindTemplate returns (nil, nil) if the template is not part of the tenant.
func (r *LeadRepository) FindTemplate(ctx context.Context, tenantID, id int64) (*domain.Template, error) {
	var t domain.Template
	err := r.db.QueryRowContext(ctx, rebind(`SELECT id, tenant_id, name, content FROM templates WHERE id = ? AND tenant_id = ?`), id, tenantID).
		Scan(&t.ID, &t.TenantID, &t.Name, &t.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
