package common

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/controllers"
	"github.com/RealZimboGuy/outboundflow/internal/crypto"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	TestEncryptionKey = "integration-test-key"
	tenantID          = int64(1)
	accessToken       = "EAAG-test-token"
	phoneNumberID     = "1098765"
)

// FakeGraph is a Cloud API stand-in that accepts every message.
type FakeGraph struct {
	*httptest.Server
	sent atomic.Int32
}

func NewFakeGraph(t *testing.T) *FakeGraph {
	g := &FakeGraph{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+accessToken || r.URL.Path != "/v19.0/"+phoneNumberID+"/messages" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Invalid OAuth access token"}}`))
			return
		}
		n := g.sent.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"messages":[{"id":"wamid.E2E%d"}]}`, n)
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *FakeGraph) Sent() int { return int(g.sent.Load()) }

// Client talks to a running service with an API key.
type Client struct {
	BaseURL string
	Key     string
	HTTP    *http.Client
}

func (c *Client) Do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.Key)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

// StartService builds the service from the current OFLOW_ environment, runs
// it on port and returns once /healthz answers.
func StartService(t *testing.T, port int) *outboundflow.Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := outboundflow.New(ctx)
	if err != nil {
		cancel()
		t.Fatalf("Failed to build service: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		svc.Close()
	})

	url := fmt.Sprintf("http://localhost:%d/healthz", port)
	Eventually(t, 10*time.Second, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return svc
}

func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

type fixture struct {
	convID  int64
	msgID   int64
	leadID  int64
	agentID int64
}

func seed(t *testing.T, db *sql.DB) fixture {
	t.Helper()
	ctx := context.Background()
	clock := core.NewRealClock()
	box, err := crypto.NewBox(TestEncryptionKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	token, err := box.Encrypt(accessToken)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var f fixture
	must := func(id int64, err error) int64 {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		return id
	}
	numberID := must(repository.NewWhatsappNumberRepository(db, clock).Save(ctx,
		&domain.WhatsappNumber{TenantID: tenantID, PhoneNumber: "+15550009999", IsConnected: true}))
	must(repository.NewWhatsappConnectionRepository(db, clock).Save(ctx, &domain.WhatsappConnection{
		TenantID: tenantID, WhatsappNumberID: numberID, IsConnected: true,
		AccessToken:   sql.NullString{String: token, Valid: true},
		PhoneNumberID: sql.NullString{String: phoneNumberID, Valid: true},
	}))
	f.convID = must(repository.NewConversationRepository(db, clock).Save(ctx, &domain.Conversation{
		TenantID: tenantID, ContactPhone: "+15550001111",
		WhatsappNumberID: sql.NullInt64{Int64: numberID, Valid: true},
	}))
	f.msgID = must(repository.NewChatMessageRepository(db, clock).Save(ctx, &domain.ChatMessage{
		TenantID: tenantID, ConversationID: f.convID, MessageType: domain.MessageTypeText,
		Content: sql.NullString{String: "Your order has shipped", Valid: true},
	}))
	f.leadID = must(repository.NewLeadRepository(db, clock).Save(ctx,
		&domain.Lead{TenantID: tenantID, Name: "Ana", Phone: sql.NullString{String: "+15550001111", Valid: true}}))
	f.agentID = must(repository.NewAgentRepository(db, clock).Save(ctx,
		&domain.Agent{TenantID: tenantID, Name: "Bo", IsActive: true}))
	must(repository.NewDistributionRepository(db, clock).SaveSettings(ctx,
		&domain.DistributionSettings{TenantID: tenantID, Mode: domain.DistributionRoundRobin}))
	must(repository.NewWorkflowRepository(db, clock).Save(ctx, &domain.Workflow{
		TenantID: tenantID, Name: "welcome", IsActive: true, TriggerType: domain.TriggerLeadCreated,
		Actions: []domain.Action{{Type: domain.ActionSendInternalNote, Content: "new lead"}},
	}))
	return f
}

// SetServiceEnv points a service at graph and speeds up its loops. The
// database settings are left to the caller.
func SetServiceEnv(t *testing.T, port int, graph *FakeGraph) {
	t.Setenv("OFLOW_SERVER_WEB_PORT", strconv.Itoa(port))
	t.Setenv("OFLOW_GRAPH_BASE_URL", graph.URL)
	t.Setenv("OFLOW_DATA_ENCRYPTION_KEY", TestEncryptionKey)
	t.Setenv("OFLOW_DELIVERY_INTERVAL", "100ms")
	t.Setenv("OFLOW_WORKFLOW_POLL_INTERVAL", "200ms")
	t.Setenv("OFLOW_UPLOADS_DIR", t.TempDir())
	t.Setenv("OFLOW_SESSION_STORE_FILE", filepath.Join(t.TempDir(), "sessions.db"))
}

// RunRoundTrip drives every exposed operation over HTTP against a service
// started on port with OFLOW_GRAPH_BASE_URL pointing at graph.
func RunRoundTrip(t *testing.T, port int, graph *FakeGraph) {
	svc := StartService(t, port)
	f := seed(t, svc.DB)

	client, err := repository.NewApiClientRepository(svc.DB, core.NewRealClock()).Create(context.Background(), tenantID, "it", "secret")
	if err != nil {
		t.Fatalf("create api client: %v", err)
	}
	api := &Client{
		BaseURL: fmt.Sprintf("http://localhost:%d", port),
		Key:     fmt.Sprintf("%d.secret", client.ID),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}

	var enq controllers.EnqueueDeliveryResponse
	if code := api.Do(t, http.MethodPost, "/api/deliveries",
		map[string]int64{"conversationId": f.convID, "messageId": f.msgID}, &enq); code != http.StatusCreated {
		t.Fatalf("Expected 201 from enqueue, got %d", code)
	}

	var job controllers.DeliveryResponse
	Eventually(t, 10*time.Second, func() bool {
		api.Do(t, http.MethodGet, fmt.Sprintf("/api/deliveries/%d", enq.JobID), nil, &job)
		return job.Status == domain.JobStatusSent
	})
	if job.Attempts != 1 || graph.Sent() != 1 {
		t.Errorf("Expected one attempt and one Graph call, got %d/%d", job.Attempts, graph.Sent())
	}
	msg, _ := repository.NewChatMessageRepository(svc.DB, core.NewRealClock()).FindByID(context.Background(), tenantID, f.msgID)
	if msg == nil || msg.Status != domain.MessageStatusSent || msg.WhatsappMessageID.String != "wamid.E2E1" {
		t.Errorf("Unexpected message after delivery %+v", msg)
	}

	var dist controllers.DistributeResponse
	if code := api.Do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/distribute", f.convID), nil, &dist); code != http.StatusOK {
		t.Fatalf("Expected 200 from distribute, got %d", code)
	}
	if !dist.Assigned || dist.AgentID == nil || *dist.AgentID != f.agentID {
		t.Errorf("Expected assignment to agent %d, got %+v", f.agentID, dist)
	}

	if code := api.Do(t, http.MethodPost, "/api/workflow-events",
		map[string]any{"triggerType": domain.TriggerLeadCreated, "leadId": f.leadID}, nil); code != http.StatusAccepted {
		t.Fatalf("Expected 202 from workflow event, got %d", code)
	}
	leads := repository.NewLeadRepository(svc.DB, core.NewRealClock())
	Eventually(t, 5*time.Second, func() bool {
		notes, _ := leads.Notes(context.Background(), tenantID, f.leadID)
		return len(notes) == 1 && notes[0] == "[Automation] new lead"
	})

	var stats []map[string]any
	if code := api.Do(t, http.MethodGet, "/api/breakers", nil, &stats); code != http.StatusOK || len(stats) != 2 {
		t.Errorf("Expected both breakers listed, got %d %v", code, stats)
	}
}
