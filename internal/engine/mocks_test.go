package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/internal/events"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type MockDeliveryJobRepo struct {
	SaveFunc          func(ctx context.Context, j *domain.DeliveryJob) (int64, error)
	FindByIDFunc      func(ctx context.Context, tenantID, id int64) (*domain.DeliveryJob, error)
	ClaimBatchFunc    func(ctx context.Context, p repository.ClaimParams) ([]domain.DeliveryJob, error)
	MarkSentFunc      func(ctx context.Context, tenantID, id int64) error
	MarkFailedFunc    func(ctx context.Context, tenantID, id int64, errMsg string, nextAttempt sql.NullTime) error
	RequeueFunc       func(ctx context.Context, tenantID, id int64, nextAttempt time.Time) error
	ResetForRetryFunc func(ctx context.Context, tenantID, id int64) (bool, error)
}

func (m *MockDeliveryJobRepo) Save(ctx context.Context, j *domain.DeliveryJob) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, j)
	}
	return 1, nil
}
func (m *MockDeliveryJobRepo) FindByID(ctx context.Context, tenantID, id int64) (*domain.DeliveryJob, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tenantID, id)
	}
	return nil, nil
}
func (m *MockDeliveryJobRepo) ClaimBatch(ctx context.Context, p repository.ClaimParams) ([]domain.DeliveryJob, error) {
	if m.ClaimBatchFunc != nil {
		return m.ClaimBatchFunc(ctx, p)
	}
	return nil, nil
}
func (m *MockDeliveryJobRepo) MarkSent(ctx context.Context, tenantID, id int64) error {
	if m.MarkSentFunc != nil {
		return m.MarkSentFunc(ctx, tenantID, id)
	}
	return nil
}
func (m *MockDeliveryJobRepo) MarkFailed(ctx context.Context, tenantID, id int64, errMsg string, nextAttempt sql.NullTime) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, tenantID, id, errMsg, nextAttempt)
	}
	return nil
}
func (m *MockDeliveryJobRepo) Requeue(ctx context.Context, tenantID, id int64, nextAttempt time.Time) error {
	if m.RequeueFunc != nil {
		return m.RequeueFunc(ctx, tenantID, id, nextAttempt)
	}
	return nil
}
func (m *MockDeliveryJobRepo) ResetForRetry(ctx context.Context, tenantID, id int64) (bool, error) {
	if m.ResetForRetryFunc != nil {
		return m.ResetForRetryFunc(ctx, tenantID, id)
	}
	return true, nil
}

type MockChatMessageRepo struct {
	FindByIDFunc    func(ctx context.Context, tenantID, id int64) (*domain.ChatMessage, error)
	MarkSentFunc    func(ctx context.Context, tenantID, id int64, remoteID string) error
	MarkFailedFunc  func(ctx context.Context, tenantID, id int64, errMsg string) error
	MarkPendingFunc func(ctx context.Context, tenantID, id int64) error
}

func (m *MockChatMessageRepo) FindByID(ctx context.Context, tenantID, id int64) (*domain.ChatMessage, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tenantID, id)
	}
	return nil, nil
}
func (m *MockChatMessageRepo) MarkSent(ctx context.Context, tenantID, id int64, remoteID string) error {
	if m.MarkSentFunc != nil {
		return m.MarkSentFunc(ctx, tenantID, id, remoteID)
	}
	return nil
}
func (m *MockChatMessageRepo) MarkFailed(ctx context.Context, tenantID, id int64, errMsg string) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, tenantID, id, errMsg)
	}
	return nil
}
func (m *MockChatMessageRepo) MarkPending(ctx context.Context, tenantID, id int64) error {
	if m.MarkPendingFunc != nil {
		return m.MarkPendingFunc(ctx, tenantID, id)
	}
	return nil
}

type MockConversationRepo struct {
	FindByIDForTenantFunc func(ctx context.Context, tenantID, id int64) (*domain.Conversation, error)
}

func (m *MockConversationRepo) FindByIDForTenant(ctx context.Context, tenantID, id int64) (*domain.Conversation, error) {
	if m.FindByIDForTenantFunc != nil {
		return m.FindByIDForTenantFunc(ctx, tenantID, id)
	}
	return nil, nil
}

type MockWhatsappNumberRepo struct {
	FindByIDFunc              func(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error)
	IncrementSentCountersFunc func(ctx context.Context, tenantID, id int64) error
	ResetDailyCountersFunc    func(ctx context.Context) (int64, error)
}

func (m *MockWhatsappNumberRepo) FindByID(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tenantID, id)
	}
	return &domain.WhatsappNumber{ID: id, TenantID: tenantID}, nil
}
func (m *MockWhatsappNumberRepo) IncrementSentCounters(ctx context.Context, tenantID, id int64) error {
	if m.IncrementSentCountersFunc != nil {
		return m.IncrementSentCountersFunc(ctx, tenantID, id)
	}
	return nil
}
func (m *MockWhatsappNumberRepo) ResetDailyCounters(ctx context.Context) (int64, error) {
	if m.ResetDailyCountersFunc != nil {
		return m.ResetDailyCountersFunc(ctx)
	}
	return 0, nil
}

type MockWhatsappConnectionRepo struct {
	FindByNumberIDFunc     func(ctx context.Context, tenantID, numberID int64) (*domain.WhatsappConnection, error)
	FindFirstConnectedFunc func(ctx context.Context, tenantID int64) (*domain.WhatsappConnection, error)
}

func (m *MockWhatsappConnectionRepo) FindByNumberID(ctx context.Context, tenantID, numberID int64) (*domain.WhatsappConnection, error) {
	if m.FindByNumberIDFunc != nil {
		return m.FindByNumberIDFunc(ctx, tenantID, numberID)
	}
	return nil, nil
}
func (m *MockWhatsappConnectionRepo) FindFirstConnected(ctx context.Context, tenantID int64) (*domain.WhatsappConnection, error) {
	if m.FindFirstConnectedFunc != nil {
		return m.FindFirstConnectedFunc(ctx, tenantID)
	}
	return nil, nil
}

// MockSender records every send and answers with the configured results in
// order, repeating the last one.
type MockSender struct {
	mu      sync.Mutex
	Results []error
	Sent    []channels.Message
	Targets []channels.Target
}

func (m *MockSender) Send(ctx context.Context, target channels.Target, msg *channels.Message) (channels.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, *msg)
	m.Targets = append(m.Targets, target)
	var err error
	if n := len(m.Results); n > 0 {
		idx := len(m.Sent) - 1
		if idx >= n {
			idx = n - 1
		}
		err = m.Results[idx]
	}
	if err != nil {
		return channels.SendResult{}, err
	}
	return channels.SendResult{RemoteMessageID: "wamid.TEST"}, nil
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

type plainBox struct{}

func (plainBox) Decrypt(v string) (string, error) { return v, nil }

type MockDispatcher struct {
	mu     sync.Mutex
	Events []domain.IntegrationEvent
	done   chan struct{}
}

func newMockDispatcher() *MockDispatcher {
	return &MockDispatcher{done: make(chan struct{}, 16)}
}

func (m *MockDispatcher) Dispatch(ctx context.Context, ev domain.IntegrationEvent) error {
	m.mu.Lock()
	m.Events = append(m.Events, ev)
	m.mu.Unlock()
	m.done <- struct{}{}
	return nil
}

type MockPublisher struct {
	mu     sync.Mutex
	Events []events.StatusEvent
}

func (m *MockPublisher) PublishStatus(ctx context.Context, ev events.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	return nil
}

type MockLocker struct {
	TryLockFunc func(ctx context.Context) (bool, error)
	unlocked    int
}

func (m *MockLocker) TryLock(ctx context.Context) (bool, error) {
	if m.TryLockFunc != nil {
		return m.TryLockFunc(ctx)
	}
	return true, nil
}
func (m *MockLocker) Unlock(ctx context.Context) error {
	m.unlocked++
	return nil
}
