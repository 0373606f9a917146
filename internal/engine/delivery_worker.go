package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/internal/channels"
	"github.com/RealZimboGuy/outboundflow/internal/config"
	"github.com/RealZimboGuy/outboundflow/internal/events"
	"github.com/RealZimboGuy/outboundflow/internal/repository"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const maxErrorLength = 500

var (
	ErrJobNotFound          = errors.New("delivery job not found")
	ErrJobNotFailed         = errors.New("delivery job is not in the failed state")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// DeliveryConfig tunes the claim cycle and the retry schedule.
type DeliveryConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	StaleAfter  time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DeliveryConfigFromSettings() DeliveryConfig {
	return DeliveryConfig{
		Interval:    config.GetSystemSettingDuration(config.DELIVERY_INTERVAL),
		BatchSize:   config.GetSystemSettingInteger(config.DELIVERY_BATCH_SIZE),
		MaxRetries:  config.GetSystemSettingInteger(config.DELIVERY_MAX_RETRIES),
		StaleAfter:  config.GetSystemSettingDuration(config.DELIVERY_STALE_AFTER),
		BackoffBase: config.GetSystemSettingDuration(config.DELIVERY_BACKOFF_BASE),
		BackoffCap:  config.GetSystemSettingDuration(config.DELIVERY_BACKOFF_CAP),
	}
}

// Backoff returns base * 2^(attempt-1), never more than limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= limit {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// DeliveryWorker drains message_queue: it claims due jobs, sends them over
// the transport matching their connection type and records the outcome.
type DeliveryWorker struct {
	jobs          DeliveryJobRepo
	messages      ChatMessageRepo
	conversations ConversationRepo
	numbers       WhatsappNumberRepo
	connections   WhatsappConnectionRepo
	box           SecretOpener
	senders       map[channels.Kind]channels.Sender
	breakers      *breaker.Registry
	dispatcher    EventDispatcher
	publisher     events.StatusPublisher
	clock         core.Clock
	cfg           DeliveryConfig

	running atomic.Bool
	wakeup  chan struct{}
	bg      sync.WaitGroup
}

// DeliveryDeps groups the collaborators of a DeliveryWorker. Dispatcher and
// Publisher may be nil.
type DeliveryDeps struct {
	Jobs          DeliveryJobRepo
	Messages      ChatMessageRepo
	Conversations ConversationRepo
	Numbers       WhatsappNumberRepo
	Connections   WhatsappConnectionRepo
	Box           SecretOpener
	Senders       map[channels.Kind]channels.Sender
	Breakers      *breaker.Registry
	Dispatcher    EventDispatcher
	Publisher     events.StatusPublisher
	Clock         core.Clock
}

func NewDeliveryWorker(deps DeliveryDeps, cfg DeliveryConfig) *DeliveryWorker {
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry()
	}
	return &DeliveryWorker{
		jobs:          deps.Jobs,
		messages:      deps.Messages,
		conversations: deps.Conversations,
		numbers:       deps.Numbers,
		connections:   deps.Connections,
		box:           deps.Box,
		senders:       deps.Senders,
		breakers:      deps.Breakers,
		dispatcher:    deps.Dispatcher,
		publisher:     deps.Publisher,
		clock:         deps.Clock,
		cfg:           cfg,
		wakeup:        make(chan struct{}, 1),
	}
}

// Start runs claim cycles every Interval until ctx is cancelled, then waits
// for in-flight event dispatches.
func (w *DeliveryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	defer w.bg.Wait()

	slog.InfoContext(ctx, "Delivery worker started", "interval", w.cfg.Interval.String(), "batch_size", w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Delivery worker stopping due to context cancel")
			return
		case <-ticker.C:
			w.cycle(ctx)
		case <-w.wakeup:
			w.cycle(ctx)
		}
	}
}

// Wakeup asks for a cycle without waiting for the next tick.
func (w *DeliveryWorker) Wakeup() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

func (w *DeliveryWorker) cycle(ctx context.Context) {
	if _, err := w.RunCycle(ctx); err != nil {
		slog.ErrorContext(ctx, "Error in delivery cycle", "error", err)
	}
}

// RunCycle claims one batch and processes it. A call made while another
// cycle is running returns immediately with zero jobs.
func (w *DeliveryWorker) RunCycle(ctx context.Context) (int, error) {
	if !w.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.running.Store(false)

	now := w.clock.Now()
	jobs, err := w.jobs.ClaimBatch(ctx, repository.ClaimParams{
		Limit:       w.cfg.BatchSize,
		MaxRetries:  w.cfg.MaxRetries,
		Now:         now,
		StaleBefore: now.Add(-w.cfg.StaleAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	slog.DebugContext(ctx, "Processing claimed deliveries", "count", len(jobs))

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(job domain.DeliveryJob) {
			defer wg.Done()
			w.process(ctx, job)
		}(jobs[i])
	}
	wg.Wait()
	return len(jobs), nil
}

type delivered struct {
	message      *domain.ChatMessage
	conversation *domain.Conversation
	remoteID     string
}

func (w *DeliveryWorker) process(ctx context.Context, job domain.DeliveryJob) {
	out, err := w.send(ctx, job)
	if err == nil {
		w.succeed(ctx, job, out)
		return
	}

	var open *breaker.ErrCircuitOpen
	if errors.As(err, &open) {
		next := w.clock.Now().Add(w.breakers.Get(open.Service).ResetTimeout())
		slog.WarnContext(ctx, "Delivery deferred, circuit open", "job_id", job.ID, "service", open.Service, "next_attempt_at", next)
		if err := w.jobs.Requeue(ctx, job.TenantID, job.ID, next); err != nil {
			slog.ErrorContext(ctx, "Failed to requeue delivery", "job_id", job.ID, "error", err)
		}
		return
	}
	w.fail(ctx, job, err)
}

func (w *DeliveryWorker) send(ctx context.Context, job domain.DeliveryJob) (*delivered, error) {
	msg, err := w.messages.FindByID(ctx, job.TenantID, job.ChatMessageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("Linked message not found")
	}
	conv, err := w.conversations.FindByIDForTenant(ctx, job.TenantID, job.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errors.New("Conversation not found")
	}
	if !conv.WhatsappNumberID.Valid {
		return nil, errors.New("No linked WhatsApp number for this conversation")
	}

	kind := channels.KindFor(msg.ConnectionType)
	sender, ok := w.senders[kind]
	if !ok || sender == nil {
		return nil, fmt.Errorf("%s transport is not configured", kind)
	}
	target := channels.Target{
		TenantID: job.TenantID,
		NumberID: conv.WhatsappNumberID.Int64,
		Phone:    conv.ContactPhone,
	}
	if kind == channels.KindCloud {
		creds, err := cloudCredentials(ctx, w.connections, w.box, job.TenantID, target.NumberID)
		if err != nil {
			return nil, err
		}
		target.Cloud = creds
	}
	if conv.ContactPhone == "" {
		return nil, errors.New("Contact phone is missing for this conversation")
	}

	out := channels.MessageFromChat(msg)
	if err := channels.Validate(kind, out); err != nil {
		return nil, err
	}
	res, err := sender.Send(ctx, target, out)
	if err != nil {
		return nil, err
	}
	return &delivered{message: msg, conversation: conv, remoteID: res.RemoteMessageID}, nil
}

func (w *DeliveryWorker) succeed(ctx context.Context, job domain.DeliveryJob, out *delivered) {
	if err := w.jobs.MarkSent(ctx, job.TenantID, job.ID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark delivery sent", "job_id", job.ID, "error", err)
	}
	if err := w.messages.MarkSent(ctx, job.TenantID, out.message.ID, out.remoteID); err != nil {
		slog.ErrorContext(ctx, "Failed to mark message sent", "message_id", out.message.ID, "error", err)
	}
	numberID := out.conversation.WhatsappNumberID.Int64
	if err := w.numbers.IncrementSentCounters(ctx, job.TenantID, numberID); err != nil {
		slog.WarnContext(ctx, "Failed to update message counters", "whatsapp_number_id", numberID, "error", err)
	}
	slog.InfoContext(ctx, "Message delivered", "job_id", job.ID, "message_id", out.message.ID, "remote_id", out.remoteID)

	w.publish(ctx, job, domain.MessageStatusSent, out.remoteID, "")

	if w.dispatcher == nil {
		return
	}
	ev := domain.IntegrationEvent{
		Event:            events.EventMessageSent,
		Timestamp:        w.clock.Now(),
		TenantID:         job.TenantID,
		WhatsappNumberID: numberID,
		Data: map[string]any{
			"id":          out.message.ID,
			"direction":   "outbound",
			"content":     out.message.Content.String,
			"messageType": out.message.MessageType,
			"mediaUrl":    nullable(out.message.MediaURL),
			"createdAt":   w.clock.Now(),
			"to":          out.conversation.ContactPhone,
		},
	}
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := w.dispatcher.Dispatch(dctx, ev); err != nil {
			slog.ErrorContext(dctx, "Failed to dispatch outgoing integration event", "job_id", job.ID, "error", err)
		}
	}()
}

func (w *DeliveryWorker) fail(ctx context.Context, job domain.DeliveryJob, cause error) {
	errMsg := cause.Error()
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	var next sql.NullTime
	if job.Attempts < w.cfg.MaxRetries {
		next = sql.NullTime{Time: w.clock.Now().Add(Backoff(job.Attempts, w.cfg.BackoffBase, w.cfg.BackoffCap)), Valid: true}
	}
	slog.ErrorContext(ctx, "Failed to process delivery", "job_id", job.ID, "attempt", job.Attempts,
		"terminal", !next.Valid, "error", errMsg)

	if err := w.jobs.MarkFailed(ctx, job.TenantID, job.ID, truncate(errMsg, maxErrorLength), next); err != nil {
		slog.ErrorContext(ctx, "Failed to mark delivery failed", "job_id", job.ID, "error", err)
	}
	if err := w.messages.MarkFailed(ctx, job.TenantID, job.ChatMessageID, errMsg); err != nil {
		slog.ErrorContext(ctx, "Failed to mark message failed", "message_id", job.ChatMessageID, "error", err)
	}
	w.publish(ctx, job, domain.MessageStatusFailed, "", errMsg)
}

func (w *DeliveryWorker) publish(ctx context.Context, job domain.DeliveryJob, status, remoteID, errMsg string) {
	if w.publisher == nil {
		return
	}
	data := map[string]any{
		"messageId":      job.ChatMessageID,
		"conversationId": job.ConversationID,
		"status":         status,
	}
	if remoteID != "" {
		data["whatsappMessageId"] = remoteID
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	err := w.publisher.PublishStatus(ctx, events.StatusEvent{
		Type:     events.StatusMessage,
		TenantID: job.TenantID,
		Time:     w.clock.Now(),
		Data:     data,
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to publish message status", "job_id", job.ID, "error", err)
	}
}

// Enqueue records the intent to send an authored message and wakes the worker.
func (w *DeliveryWorker) Enqueue(ctx context.Context, tenantID, conversationID, messageID int64, priority int) (int64, error) {
	conv, err := w.conversations.FindByIDForTenant(ctx, tenantID, conversationID)
	if err != nil {
		return 0, err
	}
	if conv == nil {
		return 0, ErrConversationNotFound
	}
	msg, err := w.messages.FindByID(ctx, tenantID, messageID)
	if err != nil {
		return 0, err
	}
	if msg == nil || msg.ConversationID != conversationID {
		return 0, ErrMessageNotFound
	}
	if priority != domain.PriorityHigh {
		priority = domain.PriorityNormal
	}
	id, err := w.jobs.Save(ctx, &domain.DeliveryJob{
		TenantID:       tenantID,
		ConversationID: conversationID,
		ChatMessageID:  messageID,
		Priority:       priority,
		Status:         domain.JobStatusQueued,
	})
	if err != nil {
		return 0, fmt.Errorf("save delivery job: %w", err)
	}
	slog.InfoContext(ctx, "Delivery enqueued", "job_id", id, "tenant_id", tenantID, "message_id", messageID)
	w.Wakeup()
	return id, nil
}

// RetryDelivery gives a failed job a fresh attempt budget and puts its
// message back to pending.
func (w *DeliveryWorker) RetryDelivery(ctx context.Context, tenantID, jobID int64) error {
	job, err := w.GetDelivery(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	ok, err := w.jobs.ResetForRetry(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFailed
	}
	if err := w.messages.MarkPending(ctx, tenantID, job.ChatMessageID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Delivery reset for retry", "job_id", jobID)
	w.Wakeup()
	return nil
}

func (w *DeliveryWorker) GetDelivery(ctx context.Context, tenantID, jobID int64) (*domain.DeliveryJob, error) {
	job, err := w.jobs.FindByID(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nullable(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}
