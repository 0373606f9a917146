package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const WORKFLOW_COLUMNS = ` id, tenant_id, name, is_active, trigger_type, trigger_config, actions `

const WORKFLOW_JOB_COLUMNS = ` id, tenant_id, workflow_id, entity_id, action_index, payload, status,
		       resume_at, error_message, created_at, updated_at `

type WorkflowRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowRepository(db *sql.DB, clock core.Clock) *WorkflowRepository {
	return &WorkflowRepository{db: db, clock: clock}
}

func scanWorkflow(s interface{ Scan(...any) error }) (*domain.Workflow, error) {
	var (
		wf            domain.Workflow
		triggerConfig sql.NullString
		actions       string
	)
	if err := s.Scan(&wf.ID, &wf.TenantID, &wf.Name, &wf.IsActive, &wf.TriggerType, &triggerConfig, &actions); err != nil {
		return nil, err
	}
	if triggerConfig.Valid && triggerConfig.String != "" && triggerConfig.String != "null" {
		wf.TriggerConfig = &domain.TriggerConfig{}
		if err := json.Unmarshal([]byte(triggerConfig.String), wf.TriggerConfig); err != nil {
			return nil, fmt.Errorf("workflow %d trigger_config: %w", wf.ID, err)
		}
	}
	if actions != "" {
		if err := json.Unmarshal([]byte(actions), &wf.Actions); err != nil {
			return nil, fmt.Errorf("workflow %d actions: %w", wf.ID, err)
		}
	}
	return &wf, nil
}

func (r *WorkflowRepository) Save(ctx context.Context, wf *domain.Workflow) (int64, error) {
	actions, err := json.Marshal(wf.Actions)
	if err != nil {
		return 0, err
	}
	var triggerConfig sql.NullString
	if wf.TriggerConfig != nil {
		b, err := json.Marshal(wf.TriggerConfig)
		if err != nil {
			return 0, err
		}
		triggerConfig = sql.NullString{String: string(b), Valid: true}
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO workflows (tenant_id, name, is_active, trigger_type, trigger_config, actions)
		VALUES (?, ?, ?, ?, ?, ?)`, wf.TenantID, wf.Name, wf.IsActive, wf.TriggerType, triggerConfig, string(actions))
	if err != nil {
		return 0, err
	}
	wf.ID = id
	return id, nil
}

// FindByID returns (nil, nil) if the workflow does not exist.
func (r *WorkflowRepository) FindByID(ctx context.Context, id int64) (*domain.Workflow, error) {
	wf, err := scanWorkflow(r.db.QueryRowContext(ctx, rebind(`SELECT `+WORKFLOW_COLUMNS+` FROM workflows WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

func (r *WorkflowRepository) FindActiveByTrigger(ctx context.Context, tenantID int64, triggerType string) ([]domain.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT `+WORKFLOW_COLUMNS+` FROM workflows
		WHERE tenant_id = ? AND is_active = ? AND trigger_type = ? ORDER BY id`), tenantID, true, triggerType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// WorkflowJobRepository persists suspended workflow runs.
type WorkflowJobRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowJobRepository(db *sql.DB, clock core.Clock) *WorkflowJobRepository {
	return &WorkflowJobRepository{db: db, clock: clock}
}

func scanWorkflowJob(s interface{ Scan(...any) error }) (*domain.WorkflowJob, error) {
	var (
		j       domain.WorkflowJob
		payload string
	)
	if err := s.Scan(&j.ID, &j.TenantID, &j.WorkflowID, &j.EntityID, &j.ActionIndex, &payload, &j.Status,
		&j.ResumeAt, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("workflow job %d payload: %w", j.ID, err)
	}
	return &j, nil
}

func (r *WorkflowJobRepository) Insert(ctx context.Context, j *domain.WorkflowJob) (int64, error) {
	payload, err := j.Payload.Marshal()
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	if j.Status == "" {
		j.Status = domain.WorkflowJobPending
	}
	j.CreatedAt, j.UpdatedAt = now, now
	id, err := insertReturningID(ctx, r.db, `INSERT INTO workflow_jobs
		(tenant_id, workflow_id, entity_id, action_index, payload, status, resume_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.TenantID, j.WorkflowID, j.EntityID, j.ActionIndex, payload, j.Status,
		formatDateInDatabase(j.ResumeAt), formatDateInDatabase(now), formatDateInDatabase(now))
	if err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

// Reschedule points an existing job at a later action and resume time.
func (r *WorkflowJobRepository) Reschedule(ctx context.Context, id int64, actionIndex int, resumeAt time.Time) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE workflow_jobs SET action_index = ?, resume_at = ?, status = ?, updated_at = ? WHERE id = ?`),
		actionIndex, formatDateInDatabase(resumeAt), domain.WorkflowJobPending, formatDateInDatabase(r.clock.Now()), id)
	return err
}

func (r *WorkflowJobRepository) SetStatus(ctx context.Context, id int64, status string, errMsg string) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE workflow_jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`),
		status, nullString(errMsg), formatDateInDatabase(r.clock.Now()), id)
	return err
}

// FindReady returns pending jobs whose resume time has passed, oldest first.
func (r *WorkflowJobRepository) FindReady(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowJob, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT `+WORKFLOW_JOB_COLUMNS+` FROM workflow_jobs
		WHERE status = ? AND `+timeCompare("resume_at", "<=")+`
		ORDER BY resume_at ASC, id ASC LIMIT ?`), domain.WorkflowJobPending, formatDateInDatabase(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowJob
	for rows.Next() {
		j, err := scanWorkflowJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *WorkflowJobRepository) FindByWorkflow(ctx context.Context, workflowID int64) ([]domain.WorkflowJob, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT `+WORKFLOW_JOB_COLUMNS+` FROM workflow_jobs WHERE workflow_id = ? ORDER BY id`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowJob
	for rows.Next() {
		j, err := scanWorkflowJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type WorkflowLogRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowLogRepository(db *sql.DB, clock core.Clock) *WorkflowLogRepository {
	return &WorkflowLogRepository{db: db, clock: clock}
}

func (r *WorkflowLogRepository) Save(ctx context.Context, l *domain.WorkflowLog) (int64, error) {
	l.CreatedAt = r.clock.Now()
	id, err := insertReturningID(ctx, r.db, `INSERT INTO workflow_logs (tenant_id, workflow_id, entity_id, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, l.TenantID, l.WorkflowID, l.EntityID, l.Status, l.Details, formatDateInDatabase(l.CreatedAt))
	if err != nil {
		return 0, err
	}
	l.ID = id
	return id, nil
}

func (r *WorkflowLogRepository) FindByWorkflow(ctx context.Context, workflowID int64) ([]domain.WorkflowLog, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT id, tenant_id, workflow_id, entity_id, status, details, created_at
		FROM workflow_logs WHERE workflow_id = ? ORDER BY id`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkflowLog
	for rows.Next() {
		var (
			l       domain.WorkflowLog
			details sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.WorkflowID, &l.EntityID, &l.Status, &details, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Details = details.String
		out = append(out, l)
	}
	return out, rows.Err()
}
