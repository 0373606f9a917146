package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	testTenant = int64(4)
	testKey    = "9.s3cret"
)

// MockApiClients accepts testKey for testTenant.
type MockApiClients struct {
	AuthenticateFunc func(ctx context.Context, id int64, secret string) (*domain.ApiClient, error)
}

func (m *MockApiClients) Authenticate(ctx context.Context, id int64, secret string) (*domain.ApiClient, error) {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, id, secret)
	}
	if id == 9 && secret == "s3cret" {
		return &domain.ApiClient{ID: 9, TenantID: testTenant, Enabled: true}, nil
	}
	return nil, nil
}

type MockDeliveryService struct {
	EnqueueFunc       func(ctx context.Context, tenantID, conversationID, messageID int64, priority int) (int64, error)
	RetryDeliveryFunc func(ctx context.Context, tenantID, jobID int64) error
	GetDeliveryFunc   func(ctx context.Context, tenantID, jobID int64) (*domain.DeliveryJob, error)
}

func (m *MockDeliveryService) Enqueue(ctx context.Context, tenantID, conversationID, messageID int64, priority int) (int64, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, tenantID, conversationID, messageID, priority)
	}
	return 1, nil
}
func (m *MockDeliveryService) RetryDelivery(ctx context.Context, tenantID, jobID int64) error {
	if m.RetryDeliveryFunc != nil {
		return m.RetryDeliveryFunc(ctx, tenantID, jobID)
	}
	return nil
}
func (m *MockDeliveryService) GetDelivery(ctx context.Context, tenantID, jobID int64) (*domain.DeliveryJob, error) {
	if m.GetDeliveryFunc != nil {
		return m.GetDeliveryFunc(ctx, tenantID, jobID)
	}
	return nil, errors.New("not stubbed")
}

type MockEventDispatcher struct {
	DispatchEventFunc func(ctx context.Context, payload domain.EventPayload) error
}

func (m *MockEventDispatcher) DispatchEvent(ctx context.Context, payload domain.EventPayload) error {
	if m.DispatchEventFunc != nil {
		return m.DispatchEventFunc(ctx, payload)
	}
	return nil
}

type MockConversationLookup struct {
	FindByIDForTenantFunc func(ctx context.Context, tenantID, id int64) (*domain.Conversation, error)
}

func (m *MockConversationLookup) FindByIDForTenant(ctx context.Context, tenantID, id int64) (*domain.Conversation, error) {
	if m.FindByIDForTenantFunc != nil {
		return m.FindByIDForTenantFunc(ctx, tenantID, id)
	}
	return nil, nil
}

type MockDistributor struct {
	DistributeConversationFunc func(ctx context.Context, conversationID int64) (int64, bool, error)
}

func (m *MockDistributor) DistributeConversation(ctx context.Context, conversationID int64) (int64, bool, error) {
	if m.DistributeConversationFunc != nil {
		return m.DistributeConversationFunc(ctx, conversationID)
	}
	return 0, false, nil
}

type MockNumberLookup struct {
	FindByIDFunc func(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error)
}

func (m *MockNumberLookup) FindByID(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tenantID, id)
	}
	return nil, nil
}

type MockSessions struct {
	StatusFunc func(numberID int64) channels.SessionStatus
	QRFunc     func(numberID int64) string
	StartFunc  func(ctx context.Context, numberID int64) (channels.SessionStatus, error)
	LogoutFunc func(ctx context.Context, numberID int64) error
}

func (m *MockSessions) Status(numberID int64) channels.SessionStatus {
	if m.StatusFunc != nil {
		return m.StatusFunc(numberID)
	}
	return channels.StatusDisconnected
}
func (m *MockSessions) QR(numberID int64) string {
	if m.QRFunc != nil {
		return m.QRFunc(numberID)
	}
	return ""
}
func (m *MockSessions) Start(ctx context.Context, numberID int64) (channels.SessionStatus, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, numberID)
	}
	return channels.StatusConnecting, nil
}
func (m *MockSessions) Logout(ctx context.Context, numberID int64) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, numberID)
	}
	return nil
}

type MockPinger struct {
	Err error
}

func (m *MockPinger) PingContext(ctx context.Context) error { return m.Err }

type routerDeps struct {
	clients       *MockApiClients
	deliveries    *MockDeliveryService
	events        *MockEventDispatcher
	conversations *MockConversationLookup
	distributor   *MockDistributor
	numbers       *MockNumberLookup
	sessions      *MockSessions
	breakers      *breaker.Registry
	db            *MockPinger
}

func newRouterDeps() *routerDeps {
	return &routerDeps{
		clients:       &MockApiClients{},
		deliveries:    &MockDeliveryService{},
		events:        &MockEventDispatcher{},
		conversations: &MockConversationLookup{},
		distributor:   &MockDistributor{},
		numbers:       &MockNumberLookup{},
		sessions:      &MockSessions{},
		breakers:      breaker.NewRegistry(),
		db:            &MockPinger{},
	}
}

func (d *routerDeps) handler() http.Handler {
	var sessions Sessions
	if d.sessions != nil {
		sessions = d.sessions
	}
	return NewRouter(
		NewAuthController(d.clients),
		NewStatusController(d.breakers, d.numbers, sessions, d.db),
		NewDeliveriesController(d.deliveries),
		NewWorkflowEventsController(d.events),
		NewConversationsController(d.conversations, d.distributor),
	)
}

// do sends an authenticated request through the full router.
func (d *routerDeps) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(apiKeyHeader, testKey)
	w := httptest.NewRecorder()
	d.handler().ServeHTTP(w, req)
	return w
}
