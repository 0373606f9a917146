package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/internal/crypto"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/internal/testutil"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type wfFixture struct {
	db        *sql.DB
	clock     *testutil.InstantClock
	workflows *repository.WorkflowRepository
	jobs      *repository.WorkflowJobRepository
	logs      *repository.WorkflowLogRepository
	leads     *repository.LeadRepository
	agents    *repository.AgentRepository
	numbers   *repository.WhatsappNumberRepository
	conns     *repository.WhatsappConnectionRepository
	cloud     *MockSender
	session   *MockSender
	engine    *WorkflowEngine
	poller    *WorkflowPoller
}

func newWFFixture(t *testing.T) *wfFixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	clock := testutil.NewInstantClock(testNow)
	box, err := crypto.NewBox("workflow-test-key")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	f := &wfFixture{
		db:        db,
		clock:     clock,
		workflows: repository.NewWorkflowRepository(db, clock),
		jobs:      repository.NewWorkflowJobRepository(db, clock),
		logs:      repository.NewWorkflowLogRepository(db, clock),
		leads:     repository.NewLeadRepository(db, clock),
		agents:    repository.NewAgentRepository(db, clock),
		numbers:   repository.NewWhatsappNumberRepository(db, clock),
		conns:     repository.NewWhatsappConnectionRepository(db, clock),
		cloud:     &MockSender{},
		session:   &MockSender{},
	}
	f.engine = NewWorkflowEngine(WorkflowDeps{
		Workflows:   f.workflows,
		Jobs:        f.jobs,
		Logs:        f.logs,
		Leads:       f.leads,
		Numbers:     f.numbers,
		Connections: f.conns,
		Box:         box,
		Senders:     map[channels.Kind]channels.Sender{channels.KindCloud: f.cloud, channels.KindSession: f.session},
		Clock:       clock,
	})
	f.poller = NewWorkflowPoller(f.engine, f.workflows, f.jobs, clock)
	return f
}

func (f *wfFixture) exec(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	res, err := f.db.Exec(query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	id, _ := res.LastInsertId()
	return id
}

func (f *wfFixture) lead(t *testing.T) int64 {
	t.Helper()
	id, err := f.leads.Save(context.Background(), &domain.Lead{
		TenantID: 1, Name: "Ana",
		Phone: sql.NullString{String: "+15550100", Valid: true},
		Email: sql.NullString{String: "ana@example.com", Valid: true},
	})
	if err != nil {
		t.Fatalf("save lead: %v", err)
	}
	return id
}

func (f *wfFixture) workflow(t *testing.T, trigger string, cfg *domain.TriggerConfig, actions ...domain.Action) int64 {
	t.Helper()
	id, err := f.workflows.Save(context.Background(), &domain.Workflow{
		TenantID: 1, Name: "wf", IsActive: true, TriggerType: trigger, TriggerConfig: cfg, Actions: actions,
	})
	if err != nil {
		t.Fatalf("save workflow: %v", err)
	}
	return id
}

func (f *wfFixture) connection(t *testing.T, connectionType string) int64 {
	t.Helper()
	ctx := context.Background()
	numberID, err := f.numbers.Save(ctx, &domain.WhatsappNumber{TenantID: 1, PhoneNumber: "+15559999", IsConnected: true})
	if err != nil {
		t.Fatalf("save number: %v", err)
	}
	conn := &domain.WhatsappConnection{TenantID: 1, WhatsappNumberID: numberID, ConnectionType: connectionType, IsConnected: true}
	if connectionType == domain.ConnectionTypeAPI {
		conn.AccessToken = sql.NullString{String: "plain-token", Valid: true}
		conn.PhoneNumberID = sql.NullString{String: "pn-9", Valid: true}
	}
	if _, err := f.conns.Save(ctx, conn); err != nil {
		t.Fatalf("save connection: %v", err)
	}
	return numberID
}

func (f *wfFixture) logsFor(t *testing.T, wfID int64) []domain.WorkflowLog {
	t.Helper()
	logs, err := f.logs.FindByWorkflow(context.Background(), wfID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	return logs
}

func leadEvent(trigger string, leadID int64) domain.EventPayload {
	return domain.EventPayload{TenantID: 1, TriggerType: trigger, LeadID: &leadID}
}

func TestWorkflowEngine_RunsActionsInOrderAndLogsOnce(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	tagID := f.exec(t, `INSERT INTO tags (tenant_id, name) VALUES (1, 'vip')`)
	stageID := f.exec(t, `INSERT INTO pipeline_stages (tenant_id, name) VALUES (1, 'won')`)
	agentID, _ := f.agents.Save(ctx, &domain.Agent{TenantID: 1, Name: "bob", Role: domain.RoleAgent, IsActive: true})

	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: domain.ActionAddTag, TagID: tagID},
		domain.Action{Type: domain.ActionUpdateStage, StageID: stageID},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "welcome"},
		domain.Action{Type: domain.ActionAssignAgent, AgentID: itoa(agentID)},
	)

	if err := f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID)); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	tags, _ := f.leads.TagIDs(ctx, 1, leadID)
	if len(tags) != 1 || tags[0] != tagID {
		t.Errorf("Expected tag %d, got %v", tagID, tags)
	}
	notes, _ := f.leads.Notes(ctx, 1, leadID)
	if len(notes) != 1 || notes[0] != "[Automation] welcome" {
		t.Errorf("Expected automation note, got %v", notes)
	}
	lead, _ := f.leads.FindByID(ctx, 1, leadID)
	if lead.PipelineStageID.Int64 != stageID || lead.AssignedToID.Int64 != agentID {
		t.Errorf("Expected stage %d agent %d, got %+v", stageID, agentID, lead)
	}

	logs := f.logsFor(t, wfID)
	if len(logs) != 1 {
		t.Fatalf("Expected 1 log row, got %d", len(logs))
	}
	want := "ok add_tag\nok update_stage\nok send_internal_note\nok assign_agent"
	if logs[0].Status != domain.WorkflowLogSuccess || logs[0].Details != want {
		t.Errorf("Expected success %q, got %s %q", want, logs[0].Status, logs[0].Details)
	}
	if logs[0].EntityID != leadID {
		t.Errorf("Expected entity %d, got %d", leadID, logs[0].EntityID)
	}
}

func TestWorkflowEngine_FailedActionStopsRun(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: domain.ActionAddTag, TagID: 999},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "never"},
	)

	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))

	notes, _ := f.leads.Notes(ctx, 1, leadID)
	if len(notes) != 0 {
		t.Errorf("Expected no note after failure, got %v", notes)
	}
	logs := f.logsFor(t, wfID)
	if len(logs) != 1 || logs[0].Status != domain.WorkflowLogFailed || logs[0].Details != "failed add_tag: Tag not found" {
		t.Fatalf("Unexpected logs %+v", logs)
	}
}

func TestWorkflowEngine_ActionsWithoutLeadFail(t *testing.T) {
	f := newWFFixture(t)
	convID := int64(5)
	wfID := f.workflow(t, domain.TriggerMsgReceived, nil, domain.Action{Type: domain.ActionSendInternalNote, Content: "x"})

	f.engine.ProcessEvent(context.Background(), domain.EventPayload{TenantID: 1, TriggerType: domain.TriggerMsgReceived, ConversationID: &convID})

	logs := f.logsFor(t, wfID)
	if len(logs) != 1 || logs[0].Details != "failed send_internal_note: send_internal_note requires leadId" {
		t.Fatalf("Unexpected logs %+v", logs)
	}
	if logs[0].EntityID != convID {
		t.Errorf("Expected conversation id as entity, got %d", logs[0].EntityID)
	}
}

func TestWorkflowEngine_TriggerConfigAndTenantFilter(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerLeadUpdated, &domain.TriggerConfig{ChangedFields: []string{"status"}},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "changed"})

	ev := leadEvent(domain.TriggerLeadUpdated, leadID)
	ev.ChangedFields = []string{"email"}
	f.engine.ProcessEvent(ctx, ev)
	if logs := f.logsFor(t, wfID); len(logs) != 0 {
		t.Fatalf("Expected filtered event to be skipped, got %d logs", len(logs))
	}

	other := ev
	other.TenantID = 2
	other.ChangedFields = []string{"status"}
	f.engine.ProcessEvent(ctx, other)
	if logs := f.logsFor(t, wfID); len(logs) != 0 {
		t.Fatalf("Expected other tenant's event to be ignored, got %d logs", len(logs))
	}

	ev.ChangedFields = []string{"status", "email"}
	f.engine.ProcessEvent(ctx, ev)
	if logs := f.logsFor(t, wfID); len(logs) != 1 {
		t.Fatalf("Expected matching event to run, got %d logs", len(logs))
	}
}

func TestWorkflowEngine_UnknownActionIsSkipped(t *testing.T) {
	f := newWFFixture(t)
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: "launch_rocket"},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "after"})

	f.engine.ProcessEvent(context.Background(), leadEvent(domain.TriggerLeadCreated, leadID))

	logs := f.logsFor(t, wfID)
	if len(logs) != 1 || logs[0].Status != domain.WorkflowLogSuccess || logs[0].Details != "skipped launch_rocket\nok send_internal_note" {
		t.Fatalf("Unexpected logs %+v", logs)
	}
}

func TestWorkflowEngine_WaitSuspendsAndPollerResumes(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	tagID := f.exec(t, `INSERT INTO tags (tenant_id, name) VALUES (1, 'new')`)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: domain.ActionAddTag, TagID: tagID},
		domain.Action{Type: domain.ActionWait, Seconds: 60},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "follow up"},
	)

	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))

	if logs := f.logsFor(t, wfID); len(logs) != 0 {
		t.Fatalf("Expected no log while suspended, got %d", len(logs))
	}
	jobs, _ := f.jobs.FindByWorkflow(ctx, wfID)
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 workflow job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.ActionIndex != 2 || job.Status != domain.WorkflowJobPending || !job.ResumeAt.Equal(testNow.Add(60*time.Second)) {
		t.Errorf("Unexpected job %+v", job)
	}
	if job.Payload.LeadID == nil || *job.Payload.LeadID != leadID {
		t.Errorf("Expected payload stored verbatim, got %+v", job.Payload)
	}

	if n, _ := f.poller.Poll(ctx); n != 0 {
		t.Fatalf("Expected nothing ready before resume time, got %d", n)
	}

	f.clock.Add(61 * time.Second)
	if n, err := f.poller.Poll(ctx); n != 1 || err != nil {
		t.Fatalf("Expected 1 resumed job, got %d (%v)", n, err)
	}

	notes, _ := f.leads.Notes(ctx, 1, leadID)
	if len(notes) != 1 {
		t.Errorf("Expected follow up note, got %v", notes)
	}
	jobs, _ = f.jobs.FindByWorkflow(ctx, wfID)
	if jobs[0].Status != domain.WorkflowJobCompleted {
		t.Errorf("Expected job completed, got %s", jobs[0].Status)
	}
	logs := f.logsFor(t, wfID)
	if len(logs) != 1 || logs[0].Details != "ok send_internal_note" {
		t.Fatalf("Expected exactly one log for the finished run, got %+v", logs)
	}

	if n, _ := f.poller.Poll(ctx); n != 0 {
		t.Errorf("Expected completed job not to be resumed again, got %d", n)
	}
}

func TestWorkflowEngine_SecondWaitReschedulesSameJob(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: domain.ActionWait, Seconds: 10},
		domain.Action{Type: domain.ActionWait, Seconds: 20},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "done"},
	)

	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))
	f.clock.Add(10 * time.Second)
	f.poller.Poll(ctx)

	jobs, _ := f.jobs.FindByWorkflow(ctx, wfID)
	if len(jobs) != 1 {
		t.Fatalf("Expected the resumed job to be reused, got %d jobs", len(jobs))
	}
	if jobs[0].ActionIndex != 2 || jobs[0].Status != domain.WorkflowJobPending {
		t.Errorf("Expected job at index 2 pending, got %+v", jobs[0])
	}
	if !jobs[0].ResumeAt.Equal(testNow.Add(30 * time.Second)) {
		t.Errorf("Expected resume at +30s, got %v", jobs[0].ResumeAt)
	}
}

func TestWorkflowPoller_InactiveWorkflowFailsJob(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil,
		domain.Action{Type: domain.ActionWait, Seconds: 5},
		domain.Action{Type: domain.ActionSendInternalNote, Content: "x"},
	)
	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))
	f.exec(t, `UPDATE workflows SET is_active = 0 WHERE id = ?`, wfID)

	f.clock.Add(5 * time.Second)
	f.poller.Poll(ctx)

	jobs, _ := f.jobs.FindByWorkflow(ctx, wfID)
	if jobs[0].Status != domain.WorkflowJobFailed || jobs[0].ErrorMessage.String != "Workflow is no longer active" {
		t.Errorf("Unexpected job %+v", jobs[0])
	}
	if logs := f.logsFor(t, wfID); len(logs) != 0 {
		t.Errorf("Expected no log for a dropped job, got %d", len(logs))
	}
}

func TestWorkflowEngine_RoundRobinAssignsLeastLoadedAgent(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	busy, _ := f.agents.Save(ctx, &domain.Agent{TenantID: 1, Name: "busy", Role: domain.RoleAgent, IsActive: true})
	idle, _ := f.agents.Save(ctx, &domain.Agent{TenantID: 1, Name: "idle", Role: domain.RoleSupervisor, IsActive: true})
	f.agents.Save(ctx, &domain.Agent{TenantID: 1, Name: "viewer", Role: domain.RoleViewer, IsActive: true})
	f.leads.Save(ctx, &domain.Lead{TenantID: 1, Name: "old", AssignedToID: sql.NullInt64{Int64: busy, Valid: true}})
	leadID := f.lead(t)

	f.workflow(t, domain.TriggerLeadCreated, nil, domain.Action{Type: domain.ActionAssignAgent, AgentID: domain.RoundRobinAgent})
	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))

	lead, _ := f.leads.FindByID(ctx, 1, leadID)
	if lead.AssignedToID.Int64 != idle {
		t.Errorf("Expected idle agent %d, got %d", idle, lead.AssignedToID.Int64)
	}
}

func TestWorkflowEngine_SendTemplateRetriesRateLimits(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	f.connection(t, domain.ConnectionTypeAPI)
	tplID := f.exec(t, `INSERT INTO templates (tenant_id, name, content) VALUES (1, 'hi', 'Hi {{ name }} ({{phone}}) {{unknown}}')`)
	f.cloud.Results = []error{
		&channels.RateLimitError{Status: 429, Msg: "Rate limit hit"},
		&channels.RateLimitError{Status: 429, Msg: "Rate limit hit"},
		nil,
	}
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil, domain.Action{Type: domain.ActionSendTemplate, TemplateID: tplID})

	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))

	if f.cloud.Calls() != 3 {
		t.Fatalf("Expected 3 attempts, got %d", f.cloud.Calls())
	}
	if got := f.cloud.Sent[0].Content; got != "Hi Ana (+15550100) " {
		t.Errorf("Unexpected rendered template %q", got)
	}
	if creds := f.cloud.Targets[0].Cloud; creds == nil || creds.AccessToken != "plain-token" {
		t.Errorf("Expected cloud credentials, got %+v", creds)
	}
	waits := f.clock.Waits()
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Errorf("Expected waits [2s 4s], got %v", waits)
	}
	if logs := f.logsFor(t, wfID); len(logs) != 1 || logs[0].Status != domain.WorkflowLogSuccess {
		t.Errorf("Expected success log, got %+v", logs)
	}
}

func TestWorkflowEngine_SendTemplateOtherErrorsRetryOnce(t *testing.T) {
	f := newWFFixture(t)
	ctx := context.Background()
	leadID := f.lead(t)
	f.connection(t, domain.ConnectionTypeQR)
	tplID := f.exec(t, `INSERT INTO templates (tenant_id, name, content) VALUES (1, 'hi', 'Hello')`)
	f.session.Results = []error{errors.New("boom")}
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil, domain.Action{Type: domain.ActionSendTemplate, TemplateID: tplID})

	f.engine.ProcessEvent(ctx, leadEvent(domain.TriggerLeadCreated, leadID))

	if f.session.Calls() != 2 || f.cloud.Calls() != 0 {
		t.Fatalf("Expected 2 session attempts, got session=%d cloud=%d", f.session.Calls(), f.cloud.Calls())
	}
	logs := f.logsFor(t, wfID)
	want := "failed send_template: Failed to send template after 2 attempts. Error: boom"
	if len(logs) != 1 || logs[0].Details != want {
		t.Fatalf("Expected %q, got %+v", want, logs)
	}
}

func TestWorkflowEngine_SendTemplateWithoutConnection(t *testing.T) {
	f := newWFFixture(t)
	leadID := f.lead(t)
	tplID := f.exec(t, `INSERT INTO templates (tenant_id, name, content) VALUES (1, 'hi', 'Hello')`)
	wfID := f.workflow(t, domain.TriggerLeadCreated, nil, domain.Action{Type: domain.ActionSendTemplate, TemplateID: tplID})

	f.engine.ProcessEvent(context.Background(), leadEvent(domain.TriggerLeadCreated, leadID))

	logs := f.logsFor(t, wfID)
	if len(logs) != 1 || logs[0].Details != "failed send_template: No active WhatsApp connection" {
		t.Fatalf("Unexpected logs %+v", logs)
	}
}

func TestWorkflowEngine_DispatchEventValidatesAndRunsAsync(t *testing.T) {
	f := newWFFixture(t)
	leadID := f.lead(t)
	wfID := f.workflow(t, domain.TriggerCampaignLinkClicked, nil, domain.Action{Type: domain.ActionSendInternalNote, Content: "clicked"})

	if err := f.engine.DispatchEvent(context.Background(), domain.EventPayload{TenantID: 1, TriggerType: "nope"}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent, got %v", err)
	}
	if err := f.engine.DispatchEvent(context.Background(), domain.EventPayload{TriggerType: domain.TriggerLeadCreated}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent for missing tenant, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.engine.DispatchEvent(ctx, leadEvent(domain.TriggerCampaignLinkClicked, leadID)); err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	cancel()
	f.engine.Wait()

	if logs := f.logsFor(t, wfID); len(logs) != 1 || logs[0].Status != domain.WorkflowLogSuccess {
		t.Errorf("Expected async run to finish despite cancelled caller, got %+v", logs)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("{{name}}/{{ email }}/{{missing}}", map[string]string{"name": "A", "email": "e"})
	if got != "A/e/" {
		t.Errorf("Expected %q, got %q", "A/e/", got)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
