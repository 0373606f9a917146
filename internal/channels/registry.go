package channels

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusQRReady      SessionStatus = "qr_ready"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
)

const (
	defaultMaxReconnects = 5
	defaultBackoffBase   = time.Second
	defaultBackoffMax    = 30 * time.Second
	qrLifetime           = 60 * time.Second
)

// SessionEvents are raised by a SessionConn as the link changes state.
type SessionEvents struct {
	OnQR           func(code string)
	OnConnected    func()
	OnDisconnected func(loggedOut bool)
}

// SessionConn is one live multi-device socket.
type SessionConn interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, jid string, msg *SessionMessage) (string, error)
	Disconnect()
	// Logout unlinks the device and deletes its stored credentials.
	Logout(ctx context.Context) error
}

type SessionFactory interface {
	New(ctx context.Context, numberID int64, events SessionEvents) (SessionConn, error)
}

type ConnectionStore interface {
	SetConnected(ctx context.Context, numberID int64, connected bool) error
	SaveQR(ctx context.Context, numberID int64, code string, expiresAt time.Time) error
	FindConnectedByType(ctx context.Context, connectionType string) ([]domain.WhatsappConnection, error)
}

type NumberStore interface {
	SetConnectionState(ctx context.Context, id int64, status string, connected bool) error
}

type session struct {
	status   SessionStatus
	qr       string
	attempts int
	conn     SessionConn
	gen      int
	restored bool
}

// Registry owns every session socket, keyed by whatsapp number id.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*session

	factory     SessionFactory
	connections ConnectionStore
	numbers     NumberStore
	clock       core.Clock

	maxReconnects int
	backoffBase   time.Duration
	backoffMax    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RegistryOption func(*Registry)

func WithReconnectPolicy(maxAttempts int, base, max time.Duration) RegistryOption {
	return func(r *Registry) {
		r.maxReconnects = maxAttempts
		r.backoffBase = base
		r.backoffMax = max
	}
}

func NewRegistry(factory SessionFactory, connections ConnectionStore, numbers NumberStore, clock core.Clock, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:      map[int64]*session{},
		factory:       factory,
		connections:   connections,
		numbers:       numbers,
		clock:         clock,
		maxReconnects: defaultMaxReconnects,
		backoffBase:   defaultBackoffBase,
		backoffMax:    defaultBackoffMax,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the registry status for a number; unknown numbers are
// disconnected.
func (r *Registry) Status(numberID int64) SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[numberID]; ok {
		return s.status
	}
	return StatusDisconnected
}

func (r *Registry) QR(numberID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[numberID]; ok {
		return s.qr
	}
	return ""
}

// conn returns the live socket when the number is connected.
func (r *Registry) conn(numberID int64) (SessionConn, SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[numberID]
	if !ok {
		return nil, StatusDisconnected
	}
	if s.status != StatusConnected {
		return nil, s.status
	}
	return s.conn, s.status
}

// Start opens a session for the number unless one is already live.
func (r *Registry) Start(ctx context.Context, numberID int64) (SessionStatus, error) {
	return r.start(ctx, numberID, false)
}

func (r *Registry) start(ctx context.Context, numberID int64, restored bool) (SessionStatus, error) {
	r.mu.Lock()
	if s, ok := r.sessions[numberID]; ok && s.status != StatusDisconnected {
		r.mu.Unlock()
		return s.status, nil
	}
	r.sessions[numberID] = &session{status: StatusConnecting, restored: restored}
	r.mu.Unlock()

	if err := r.dial(ctx, numberID); err != nil {
		r.mu.Lock()
		delete(r.sessions, numberID)
		r.mu.Unlock()
		return StatusDisconnected, err
	}
	return r.Status(numberID), nil
}

func (r *Registry) dial(ctx context.Context, numberID int64) error {
	r.mu.Lock()
	s, ok := r.sessions[numberID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	r.mu.Unlock()

	conn, err := r.factory.New(ctx, numberID, SessionEvents{
		OnQR:           func(code string) { r.onQR(numberID, gen, code) },
		OnConnected:    func() { r.onConnected(numberID, gen) },
		OnDisconnected: func(loggedOut bool) { r.onDisconnected(numberID, gen, loggedOut) },
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	cur, ok := r.sessions[numberID]
	if !ok || cur.gen != gen {
		r.mu.Unlock()
		conn.Disconnect()
		return nil
	}
	prev := cur.conn
	cur.conn = conn
	r.mu.Unlock()

	// one live socket per number: the replaced one is closed before dialing
	if prev != nil {
		prev.Disconnect()
	}
	return conn.Connect(ctx)
}

// current returns the session if the event belongs to its latest socket.
// Callers hold r.mu.
func (r *Registry) current(numberID int64, gen int) *session {
	s, ok := r.sessions[numberID]
	if !ok || s.gen != gen {
		return nil
	}
	return s
}

func (r *Registry) onQR(numberID int64, gen int, code string) {
	r.mu.Lock()
	s := r.current(numberID, gen)
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.status = StatusQRReady
	s.qr = code
	restored := s.restored
	r.mu.Unlock()

	slog.InfoContext(r.ctx, "Session waiting for QR scan", "number_id", numberID)
	if err := r.connections.SaveQR(r.ctx, numberID, code, r.clock.Now().Add(qrLifetime)); err != nil {
		slog.ErrorContext(r.ctx, "Failed to store QR code", "number_id", numberID, "error", err)
	}
	if restored {
		// a restored session asking for a QR has lost its credentials
		r.persistDisconnected(numberID)
	}
}

func (r *Registry) onConnected(numberID int64, gen int) {
	r.mu.Lock()
	s := r.current(numberID, gen)
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.qr = ""
	s.attempts = 0
	r.mu.Unlock()

	slog.InfoContext(r.ctx, "Session connected", "number_id", numberID)
	if err := r.connections.SetConnected(r.ctx, numberID, true); err != nil {
		slog.ErrorContext(r.ctx, "Failed to persist connection state", "number_id", numberID, "error", err)
	}
	if err := r.connections.SaveQR(r.ctx, numberID, "", time.Time{}); err != nil {
		slog.ErrorContext(r.ctx, "Failed to clear QR code", "number_id", numberID, "error", err)
	}
	if err := r.numbers.SetConnectionState(r.ctx, numberID, domain.NumberStatusActive, true); err != nil {
		slog.ErrorContext(r.ctx, "Failed to persist number state", "number_id", numberID, "error", err)
	}
}

func (r *Registry) onDisconnected(numberID int64, gen int, loggedOut bool) {
	r.mu.Lock()
	s := r.current(numberID, gen)
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.attempts++
	s.status = StatusDisconnected
	attempts := s.attempts

	if loggedOut || attempts >= r.maxReconnects {
		delete(r.sessions, numberID)
		conn := s.conn
		r.mu.Unlock()
		if loggedOut {
			slog.WarnContext(r.ctx, "Session logged out", "number_id", numberID)
		} else {
			slog.ErrorContext(r.ctx, "Max reconnection attempts reached, giving up", "number_id", numberID, "attempts", attempts)
		}
		r.terminate(numberID, conn)
		return
	}
	r.mu.Unlock()

	delay := r.backoff(attempts)
	slog.InfoContext(r.ctx, "Reconnecting session", "number_id", numberID, "attempt", attempts, "delay", delay)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.ctx.Done():
			return
		case <-r.clock.After(delay):
		}
		if err := r.dial(r.ctx, numberID); err != nil {
			slog.ErrorContext(r.ctx, "Reconnect failed", "number_id", numberID, "error", err)
			r.onDisconnected(numberID, r.generation(numberID), false)
		}
	}()
}

func (r *Registry) generation(numberID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[numberID]; ok {
		return s.gen
	}
	return -1
}

// backoff is min(base*2^n, max) with up to half of it as jitter.
func (r *Registry) backoff(attempt int) time.Duration {
	d := r.backoffBase << attempt
	if d <= 0 || d > r.backoffMax {
		d = r.backoffMax
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func (r *Registry) terminate(numberID int64, conn SessionConn) {
	if conn != nil {
		if err := conn.Logout(r.ctx); err != nil {
			slog.WarnContext(r.ctx, "Failed to delete session credentials", "number_id", numberID, "error", err)
		}
		conn.Disconnect()
	}
	r.persistDisconnected(numberID)
}

func (r *Registry) persistDisconnected(numberID int64) {
	if err := r.connections.SetConnected(r.ctx, numberID, false); err != nil {
		slog.ErrorContext(r.ctx, "Failed to persist connection state", "number_id", numberID, "error", err)
	}
	if err := r.numbers.SetConnectionState(r.ctx, numberID, domain.NumberStatusDisconnected, false); err != nil {
		slog.ErrorContext(r.ctx, "Failed to persist number state", "number_id", numberID, "error", err)
	}
}

// Logout unlinks a number on request and forgets its session.
func (r *Registry) Logout(ctx context.Context, numberID int64) error {
	r.mu.Lock()
	s, ok := r.sessions[numberID]
	delete(r.sessions, numberID)
	r.mu.Unlock()
	if !ok {
		return errors.New("session not found")
	}
	r.terminate(numberID, s.conn)
	return nil
}

// Restore reopens every qr connection that was connected when the process
// last stopped.
func (r *Registry) Restore(ctx context.Context) error {
	conns, err := r.connections.FindConnectedByType(ctx, domain.ConnectionTypeQR)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Restoring sessions", "count", len(conns))
	for _, c := range conns {
		if _, err := r.start(ctx, c.WhatsappNumberID, true); err != nil {
			slog.ErrorContext(ctx, "Failed to restore session", "number_id", c.WhatsappNumberID, "error", err)
			if err := r.connections.SetConnected(ctx, c.WhatsappNumberID, false); err != nil {
				slog.ErrorContext(ctx, "Failed to persist connection state", "number_id", c.WhatsappNumberID, "error", err)
			}
		}
	}
	return nil
}

// CheckHealth marks qr connections that claim to be connected but have no
// live socket as disconnected. It returns the healthy and stale counts.
func (r *Registry) CheckHealth(ctx context.Context) (int, int, error) {
	conns, err := r.connections.FindConnectedByType(ctx, domain.ConnectionTypeQR)
	if err != nil {
		return 0, 0, err
	}
	healthy, stale := 0, 0
	for _, c := range conns {
		if r.Status(c.WhatsappNumberID) == StatusConnected {
			healthy++
			continue
		}
		stale++
		slog.WarnContext(ctx, "Stale session detected", "number_id", c.WhatsappNumberID, "status", r.Status(c.WhatsappNumberID))
		r.persistDisconnected(c.WhatsappNumberID)
	}
	if len(conns) > 0 {
		slog.InfoContext(ctx, "Session health check completed", "healthy", healthy, "stale", stale, "total", len(conns))
	}
	return healthy, stale, nil
}

// RunHealthChecks calls CheckHealth every interval until ctx is done.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			if _, _, err := r.CheckHealth(ctx); err != nil {
				slog.ErrorContext(ctx, "Session health check failed", "error", err)
			}
		}
	}
}

// Close stops reconnect loops and disconnects every socket without logging
// out, so sessions can be restored on the next start.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.conn != nil {
			s.conn.Disconnect()
		}
		delete(r.sessions, id)
	}
}
