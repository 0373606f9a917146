package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	templateMaxAttempts = 3
	notePrefix          = "[Automation] "
)

var ErrInvalidEvent = errors.New("invalid workflow event")

var triggerTypes = map[string]bool{
	domain.TriggerLeadCreated:         true,
	domain.TriggerLeadUpdated:         true,
	domain.TriggerMsgReceived:         true,
	domain.TriggerCampaignLinkClicked: true,
}

// Result is the outcome of one action.
type Result struct {
	err     error
	skipped bool
}

func Ok() Result              { return Result{} }
func Err(err error) Result    { return Result{err: err} }
func skip() Result            { return Result{skipped: true} }
func (r Result) Failed() bool { return r.err != nil }
func (r Result) Error() error { return r.err }

func (r Result) detail(actionType string) string {
	switch {
	case r.err != nil:
		return fmt.Sprintf("failed %s: %s", actionType, r.err.Error())
	case r.skipped:
		return "skipped " + actionType
	default:
		return "ok " + actionType
	}
}

// WorkflowEngine runs tenant automations. A wait action persists a
// WorkflowJob and ends the in-memory run; the WorkflowPoller resumes it.
type WorkflowEngine struct {
	workflows   WorkflowRepo
	jobs        WorkflowJobRepo
	logs        WorkflowLogRepo
	leads       LeadRepo
	numbers     WhatsappNumberRepo
	connections WhatsappConnectionRepo
	box         SecretOpener
	senders     map[channels.Kind]channels.Sender
	clock       core.Clock

	wg sync.WaitGroup
}

type WorkflowDeps struct {
	Workflows   WorkflowRepo
	Jobs        WorkflowJobRepo
	Logs        WorkflowLogRepo
	Leads       LeadRepo
	Numbers     WhatsappNumberRepo
	Connections WhatsappConnectionRepo
	Box         SecretOpener
	Senders     map[channels.Kind]channels.Sender
	Clock       core.Clock
}

func NewWorkflowEngine(deps WorkflowDeps) *WorkflowEngine {
	return &WorkflowEngine{
		workflows:   deps.Workflows,
		jobs:        deps.Jobs,
		logs:        deps.Logs,
		leads:       deps.Leads,
		numbers:     deps.Numbers,
		connections: deps.Connections,
		box:         deps.Box,
		senders:     deps.Senders,
		clock:       deps.Clock,
	}
}

// DispatchEvent validates the event and processes it on a background
// goroutine. Cancelling ctx does not stop the run.
func (e *WorkflowEngine) DispatchEvent(ctx context.Context, payload domain.EventPayload) error {
	if payload.TenantID <= 0 {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidEvent)
	}
	if !triggerTypes[payload.TriggerType] {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidEvent, payload.TriggerType)
	}
	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ProcessEvent(runCtx, payload); err != nil {
			slog.ErrorContext(runCtx, "Unhandled error processing workflow event", "tenant_id", payload.TenantID,
				"trigger", payload.TriggerType, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched event has finished.
func (e *WorkflowEngine) Wait() {
	e.wg.Wait()
}

// ProcessEvent starts every active workflow of the tenant whose trigger
// matches the event.
func (e *WorkflowEngine) ProcessEvent(ctx context.Context, payload domain.EventPayload) error {
	wfs, err := e.workflows.FindActiveByTrigger(ctx, payload.TenantID, payload.TriggerType)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	var errs []error
	for _, wf := range wfs {
		if !wf.TriggerConfig.Matches(payload) {
			continue
		}
		slog.InfoContext(ctx, "Starting workflow", "workflow_id", wf.ID, "tenant_id", payload.TenantID)
		if err := e.Run(ctx, wf, payload, 0, 0); err != nil {
			errs = append(errs, fmt.Errorf("workflow %d: %w", wf.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Run executes wf from action index start. jobID is the resumed WorkflowJob
// or zero for a fresh run. Action failures end the run and are logged; the
// returned error reports only persistence failures.
func (e *WorkflowEngine) Run(ctx context.Context, wf domain.Workflow, payload domain.EventPayload, start int, jobID int64) error {
	var details []string
	failed := false
	var failure error

	for i := start; i < len(wf.Actions); i++ {
		action := wf.Actions[i]
		if action.Type == domain.ActionWait {
			resumeAt := e.clock.Now().Add(time.Duration(action.Seconds) * time.Second)
			if err := e.suspend(ctx, wf, payload, i+1, resumeAt, jobID); err != nil {
				return fmt.Errorf("suspend workflow: %w", err)
			}
			slog.InfoContext(ctx, "Workflow suspended", "workflow_id", wf.ID, "resume_at", resumeAt)
			return nil
		}

		res := e.execute(ctx, action, payload)
		details = append(details, res.detail(action.Type))
		if res.Failed() {
			slog.ErrorContext(ctx, "Workflow action failed", "workflow_id", wf.ID, "action", action.Type, "error", res.Error())
			failed, failure = true, res.Error()
			break
		}
	}
	return e.finish(ctx, wf, payload, jobID, failed, failure, details)
}

func (e *WorkflowEngine) suspend(ctx context.Context, wf domain.Workflow, payload domain.EventPayload, next int, resumeAt time.Time, jobID int64) error {
	if jobID != 0 {
		return e.jobs.Reschedule(ctx, jobID, next, resumeAt)
	}
	_, err := e.jobs.Insert(ctx, &domain.WorkflowJob{
		TenantID:    payload.TenantID,
		WorkflowID:  wf.ID,
		EntityID:    payload.EntityID(),
		ActionIndex: next,
		Payload:     payload,
		Status:      domain.WorkflowJobPending,
		ResumeAt:    resumeAt,
	})
	return err
}

func (e *WorkflowEngine) finish(ctx context.Context, wf domain.Workflow, payload domain.EventPayload, jobID int64, failed bool, failure error, details []string) error {
	status := domain.WorkflowLogSuccess
	if failed {
		status = domain.WorkflowLogFailed
	}
	if jobID != 0 {
		jobStatus, errMsg := domain.WorkflowJobCompleted, ""
		if failed {
			jobStatus, errMsg = domain.WorkflowJobFailed, failure.Error()
		}
		if err := e.jobs.SetStatus(ctx, jobID, jobStatus, errMsg); err != nil {
			return fmt.Errorf("update workflow job: %w", err)
		}
	}
	_, err := e.logs.Save(ctx, &domain.WorkflowLog{
		TenantID:   payload.TenantID,
		WorkflowID: wf.ID,
		EntityID:   payload.EntityID(),
		Status:     status,
		Details:    strings.Join(details, "\n"),
	})
	if err != nil {
		return fmt.Errorf("save workflow log: %w", err)
	}
	return nil
}

func (e *WorkflowEngine) execute(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	switch a.Type {
	case domain.ActionAssignAgent:
		return e.assignAgent(ctx, a, p)
	case domain.ActionAddTag:
		return e.addTag(ctx, a, p)
	case domain.ActionRemoveTag:
		return e.removeTag(ctx, a, p)
	case domain.ActionSendTemplate:
		return e.sendTemplate(ctx, a, p)
	case domain.ActionUpdateStage:
		return e.updateStage(ctx, a, p)
	case domain.ActionSendInternalNote:
		return e.addNote(ctx, a, p)
	default:
		slog.WarnContext(ctx, "Unknown workflow action type", "type", a.Type)
		return skip()
	}
}

func requireLead(a domain.Action, p domain.EventPayload) (int64, error) {
	if p.LeadID == nil {
		return 0, fmt.Errorf("%s requires leadId", a.Type)
	}
	return *p.LeadID, nil
}

func (e *WorkflowEngine) assignAgent(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	if a.RoundRobin() {
		agentID, err := e.leads.AssignLeastLoadedAgent(ctx, p.TenantID, leadID)
		if err != nil {
			return Err(err)
		}
		if agentID == 0 {
			return Err(errors.New("No active agents found for round_robin"))
		}
		return Ok()
	}
	agentID, err := a.FixedAgentID()
	if err != nil {
		return Err(err)
	}
	found, err := e.leads.AssignFixedAgent(ctx, p.TenantID, leadID, agentID)
	if err != nil {
		return Err(err)
	}
	if !found {
		return Err(fmt.Errorf("Agent %d not found", agentID))
	}
	return Ok()
}

func (e *WorkflowEngine) addTag(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	ok, err := e.leads.TagExists(ctx, p.TenantID, a.TagID)
	if err != nil {
		return Err(err)
	}
	if !ok {
		return Err(errors.New("Tag not found"))
	}
	return Err(e.leads.AddTag(ctx, p.TenantID, leadID, a.TagID))
}

func (e *WorkflowEngine) removeTag(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	return Err(e.leads.RemoveTag(ctx, p.TenantID, leadID, a.TagID))
}

func (e *WorkflowEngine) updateStage(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	ok, err := e.leads.StageExists(ctx, p.TenantID, a.StageID)
	if err != nil {
		return Err(err)
	}
	if !ok {
		return Err(errors.New("Stage not found"))
	}
	return Err(e.leads.SetStage(ctx, p.TenantID, leadID, a.StageID))
}

func (e *WorkflowEngine) addNote(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	return Err(e.leads.AddNote(ctx, p.TenantID, leadID, notePrefix+a.Content))
}

func (e *WorkflowEngine) sendTemplate(ctx context.Context, a domain.Action, p domain.EventPayload) Result {
	leadID, err := requireLead(a, p)
	if err != nil {
		return Err(err)
	}
	lead, err := e.leads.FindByID(ctx, p.TenantID, leadID)
	if err != nil {
		return Err(err)
	}
	if lead == nil || lead.Phone.String == "" {
		return Err(errors.New("Lead or phone not found"))
	}
	tpl, err := e.leads.FindTemplate(ctx, p.TenantID, a.TemplateID)
	if err != nil {
		return Err(err)
	}
	if tpl == nil {
		return Err(errors.New("Template not found"))
	}
	body := RenderTemplate(tpl.Content, map[string]string{
		"name":  lead.Name,
		"phone": lead.Phone.String,
		"email": lead.Email.String,
	})

	conn, err := e.connections.FindFirstConnected(ctx, p.TenantID)
	if err != nil {
		return Err(err)
	}
	if conn == nil {
		return Err(errors.New("No active WhatsApp connection"))
	}
	number, err := e.numbers.FindByID(ctx, p.TenantID, conn.WhatsappNumberID)
	if err != nil {
		return Err(err)
	}
	if number == nil {
		return Err(errors.New("WhatsApp number not found"))
	}

	kind := channels.KindFor(conn.ConnectionType)
	sender, ok := e.senders[kind]
	if !ok || sender == nil {
		return Err(fmt.Errorf("%s transport is not configured", kind))
	}
	target := channels.Target{TenantID: p.TenantID, NumberID: number.ID, Phone: lead.Phone.String}
	if kind == channels.KindCloud {
		if target.Cloud, err = cloudCredentials(ctx, e.connections, e.box, p.TenantID, number.ID); err != nil {
			return Err(err)
		}
	}
	return Err(e.sendWithRetry(ctx, sender, target, &channels.Message{Type: domain.MessageTypeText, Content: body}))
}

// sendWithRetry tries up to three times. Rate limit errors back off 2s then
// 4s; any other error gets a single retry.
func (e *WorkflowEngine) sendWithRetry(ctx context.Context, sender channels.Sender, target channels.Target, msg *channels.Message) error {
	for attempt := 1; ; attempt++ {
		_, err := sender.Send(ctx, target, msg)
		if err == nil {
			return nil
		}
		if attempt >= templateMaxAttempts || (!channels.IsRateLimit(err) && attempt > 1) {
			return fmt.Errorf("Failed to send template after %d attempts. Error: %w", attempt, err)
		}
		delay := time.Duration(1<<attempt) * time.Second
		slog.WarnContext(ctx, "Error sending template, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(delay):
		}
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderTemplate replaces {{key}} with vars[key]; unknown keys become empty.
func RenderTemplate(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		return vars[placeholder.FindStringSubmatch(m)[1]]
	})
}
