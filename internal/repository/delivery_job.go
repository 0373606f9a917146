package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const DELIVERY_JOB_COLUMNS = ` id, tenant_id, conversation_id, chat_message_id, priority, status,
		       attempts, next_attempt_at, error_message, created_at, updated_at `

// DeliveryJobRepository persists the message_queue table.
type DeliveryJobRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDeliveryJobRepository(db *sql.DB, clock core.Clock) *DeliveryJobRepository {
	return &DeliveryJobRepository{db: db, clock: clock}
}

// ClaimParams bounds a single claim transaction.
type ClaimParams struct {
	Limit       int
	MaxRetries  int
	Now         time.Time
	StaleBefore time.Time
}

func scanDeliveryJob(s interface{ Scan(...any) error }) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	err := s.Scan(&j.ID, &j.TenantID, &j.ConversationID, &j.ChatMessageID, &j.Priority, &j.Status,
		&j.Attempts, &j.NextAttemptAt, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *DeliveryJobRepository) Save(ctx context.Context, j *domain.DeliveryJob) (int64, error) {
	now := r.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	if j.Status == "" {
		j.Status = domain.JobStatusQueued
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO message_queue
		(tenant_id, conversation_id, chat_message_id, priority, status, attempts, next_attempt_at, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.TenantID, j.ConversationID, j.ChatMessageID, j.Priority, j.Status, j.Attempts,
		formatDateInDatabaseNull(j.NextAttemptAt), j.ErrorMessage,
		formatDateInDatabase(j.CreatedAt), formatDateInDatabase(j.UpdatedAt))
	if err != nil {
		return 0, err
	}
	j.ID = id
	return id, nil
}

// FindByID returns (nil, nil) when the job does not exist for the tenant.
func (r *DeliveryJobRepository) FindByID(ctx context.Context, tenantID, id int64) (*domain.DeliveryJob, error) {
	row := r.db.QueryRowContext(ctx, rebind(`SELECT `+DELIVERY_JOB_COLUMNS+` FROM message_queue WHERE id = ? AND tenant_id = ?`), id, tenantID)
	j, err := scanDeliveryJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ClaimBatch selects claimable jobs and flips them to processing with one
// more attempt inside a single transaction. The returned jobs reflect the
// post-claim state.
func (r *DeliveryJobRepository) ClaimBatch(ctx context.Context, p ClaimParams) ([]domain.DeliveryJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT ` + DELIVERY_JOB_COLUMNS + ` FROM message_queue
		WHERE status IN ('queued', 'failed', 'processing')
		  AND attempts < ?
		  AND (next_attempt_at IS NULL OR ` + timeCompare("next_attempt_at", "<=") + `)
		  AND (status <> 'processing' OR ` + timeCompare("updated_at", "<") + `)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?` + lockClause(true)

	rows, err := tx.QueryContext(ctx, rebind(query), p.MaxRetries,
		formatDateInDatabase(p.Now), formatDateInDatabase(p.StaleBefore), p.Limit)
	if err != nil {
		return nil, err
	}
	var jobs []domain.DeliveryJob
	for rows.Next() {
		j, err := scanDeliveryJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	args := []any{domain.JobStatusProcessing, formatDateInDatabase(p.Now)}
	for _, j := range jobs {
		args = append(args, j.ID)
	}
	update := `UPDATE message_queue SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id IN (` + inList(len(jobs)) + `)`
	if _, err := tx.ExecContext(ctx, rebind(update), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Status = domain.JobStatusProcessing
		jobs[i].Attempts++
		jobs[i].UpdatedAt = p.Now
	}
	return jobs, nil
}

func (r *DeliveryJobRepository) MarkSent(ctx context.Context, tenantID, id int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE message_queue SET status = ?, error_message = NULL, updated_at = ? WHERE id = ? AND tenant_id = ?`),
		domain.JobStatusSent, formatDateInDatabase(r.clock.Now()), id, tenantID)
	return err
}

// MarkFailed records a failed attempt. A zero nextAttempt leaves the job
// without a schedule, which is the terminal state.
func (r *DeliveryJobRepository) MarkFailed(ctx context.Context, tenantID, id int64, errMsg string, nextAttempt sql.NullTime) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE message_queue SET status = ?, error_message = ?, next_attempt_at = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`),
		domain.JobStatusFailed, errMsg, formatDateInDatabaseNull(nextAttempt), formatDateInDatabase(r.clock.Now()), id, tenantID)
	return err
}

// Requeue returns a claimed job to the queue without charging the attempt.
func (r *DeliveryJobRepository) Requeue(ctx context.Context, tenantID, id int64, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE message_queue
		SET status = ?, attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`),
		domain.JobStatusQueued, formatDateInDatabase(nextAttempt), formatDateInDatabase(r.clock.Now()), id, tenantID)
	return err
}

// ResetForRetry moves a failed job back to queued with a fresh attempt budget.
// It reports false when the job is not in the failed state.
func (r *DeliveryJobRepository) ResetForRetry(ctx context.Context, tenantID, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, rebind(`UPDATE message_queue
		SET status = ?, attempts = 0, next_attempt_at = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?`),
		domain.JobStatusQueued, formatDateInDatabase(r.clock.Now()), id, tenantID, domain.JobStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
