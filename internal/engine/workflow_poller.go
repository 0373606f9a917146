package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const errWorkflowInactive = "Workflow is no longer active"

// WorkflowPoller resumes suspended workflow runs whose wait has elapsed.
type WorkflowPoller struct {
	engine    *WorkflowEngine
	workflows WorkflowRepo
	jobs      WorkflowJobRepo
	clock     core.Clock
	interval  time.Duration
	batchSize int

	running atomic.Bool
}

func NewWorkflowPoller(engine *WorkflowEngine, workflows WorkflowRepo, jobs WorkflowJobRepo, clock core.Clock) *WorkflowPoller {
	return &WorkflowPoller{
		engine:    engine,
		workflows: workflows,
		jobs:      jobs,
		clock:     clock,
		interval:  config.GetSystemSettingDuration(config.WORKFLOW_POLL_INTERVAL),
		batchSize: config.GetSystemSettingInteger(config.WORKFLOW_POLL_BATCH_SIZE),
	}
}

func (p *WorkflowPoller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Workflow poller started", "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Workflow poller stopping due to context cancel")
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				slog.ErrorContext(ctx, "Error in workflow poll cycle", "error", err)
			}
		}
	}
}

// Poll resumes one batch of ready jobs in order. Overlapping calls return
// immediately.
func (p *WorkflowPoller) Poll(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.running.Store(false)

	jobs, err := p.jobs.FindReady(ctx, p.clock.Now(), p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("find ready jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	slog.InfoContext(ctx, "Resuming suspended workflows", "count", len(jobs))
	for _, job := range jobs {
		if err := p.resume(ctx, job); err != nil {
			slog.ErrorContext(ctx, "Failed to resume workflow job", "job_id", job.ID, "error", err)
			if err := p.jobs.SetStatus(ctx, job.ID, domain.WorkflowJobFailed, err.Error()); err != nil {
				slog.ErrorContext(ctx, "Failed to mark workflow job failed", "job_id", job.ID, "error", err)
			}
		}
	}
	return len(jobs), nil
}

func (p *WorkflowPoller) resume(ctx context.Context, job domain.WorkflowJob) error {
	wf, err := p.workflows.FindByID(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	if wf == nil || !wf.IsActive || wf.TenantID != job.TenantID {
		slog.WarnContext(ctx, "Dropping job of inactive workflow", "job_id", job.ID, "workflow_id", job.WorkflowID)
		return p.jobs.SetStatus(ctx, job.ID, domain.WorkflowJobFailed, errWorkflowInactive)
	}
	slog.InfoContext(ctx, "Resuming workflow job", "job_id", job.ID, "workflow_id", wf.ID, "action_index", job.ActionIndex)
	return p.engine.Run(ctx, *wf, job.Payload, job.ActionIndex, job.ID)
}
