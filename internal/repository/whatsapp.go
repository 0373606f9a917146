package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const WHATSAPP_NUMBER_COLUMNS = ` id, tenant_id, phone_number, display_name, status, daily_message_limit,
		       messages_sent_today, total_messages_sent, is_connected, last_connected `

const WHATSAPP_CONNECTION_COLUMNS = ` id, tenant_id, whatsapp_number_id, connection_type, access_token,
		       phone_number_id, business_account_id, is_connected, qr_code, qr_expires_at, last_ping_at `

type WhatsappNumberRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWhatsappNumberRepository(db *sql.DB, clock core.Clock) *WhatsappNumberRepository {
	return &WhatsappNumberRepository{db: db, clock: clock}
}

func scanNumber(s interface{ Scan(...any) error }) (*domain.WhatsappNumber, error) {
	var n domain.WhatsappNumber
	err := s.Scan(&n.ID, &n.TenantID, &n.PhoneNumber, &n.DisplayName, &n.Status, &n.DailyMessageLimit,
		&n.MessagesSentToday, &n.TotalMessagesSent, &n.IsConnected, &n.LastConnected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *WhatsappNumberRepository) Save(ctx context.Context, n *domain.WhatsappNumber) (int64, error) {
	if n.Status == "" {
		n.Status = domain.NumberStatusActive
	}
	if n.DailyMessageLimit == 0 {
		n.DailyMessageLimit = 1000
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO whatsapp_numbers
		(tenant_id, phone_number, display_name, status, daily_message_limit, messages_sent_today, total_messages_sent, is_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TenantID, n.PhoneNumber, n.DisplayName, n.Status, n.DailyMessageLimit, n.MessagesSentToday, n.TotalMessagesSent, n.IsConnected)
	if err != nil {
		return 0, err
	}
	n.ID = id
	return id, nil
}

func (r *WhatsappNumberRepository) FindByID(ctx context.Context, tenantID, id int64) (*domain.WhatsappNumber, error) {
	return scanNumber(r.db.QueryRowContext(ctx, rebind(`SELECT `+WHATSAPP_NUMBER_COLUMNS+` FROM whatsapp_numbers WHERE id = ? AND tenant_id = ?`), id, tenantID))
}

func (r *WhatsappNumberRepository) IncrementSentCounters(ctx context.Context, tenantID, id int64) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_numbers
		SET messages_sent_today = messages_sent_today + 1, total_messages_sent = total_messages_sent + 1
		WHERE id = ? AND tenant_id = ?`), id, tenantID)
	return err
}

// ResetDailyCounters zeroes messages_sent_today for every number and returns
// how many rows were touched.
func (r *WhatsappNumberRepository) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE whatsapp_numbers SET messages_sent_today = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *WhatsappNumberRepository) FindByStatus(ctx context.Context, status string) ([]domain.WhatsappNumber, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT `+WHATSAPP_NUMBER_COLUMNS+` FROM whatsapp_numbers WHERE status = ? ORDER BY id`), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WhatsappNumber
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// SetConnectionState records the number's link status. A connected state
// also stamps last_connected.
func (r *WhatsappNumberRepository) SetConnectionState(ctx context.Context, id int64, status string, connected bool) error {
	if connected {
		_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_numbers SET status = ?, is_connected = ?, last_connected = ? WHERE id = ?`),
			status, true, formatDateInDatabase(r.clock.Now()), id)
		return err
	}
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_numbers SET status = ?, is_connected = ? WHERE id = ?`), status, false, id)
	return err
}

type WhatsappConnectionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWhatsappConnectionRepository(db *sql.DB, clock core.Clock) *WhatsappConnectionRepository {
	return &WhatsappConnectionRepository{db: db, clock: clock}
}

func scanConnection(s interface{ Scan(...any) error }) (*domain.WhatsappConnection, error) {
	var c domain.WhatsappConnection
	err := s.Scan(&c.ID, &c.TenantID, &c.WhatsappNumberID, &c.ConnectionType, &c.AccessToken,
		&c.PhoneNumberID, &c.BusinessAccountID, &c.IsConnected, &c.QRCode, &c.QRExpiresAt, &c.LastPingAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *WhatsappConnectionRepository) Save(ctx context.Context, c *domain.WhatsappConnection) (int64, error) {
	if c.ConnectionType == "" {
		c.ConnectionType = domain.ConnectionTypeAPI
	}
	id, err := insertReturningID(ctx, r.db, `INSERT INTO whatsapp_connections
		(tenant_id, whatsapp_number_id, connection_type, access_token, phone_number_id, business_account_id, is_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TenantID, c.WhatsappNumberID, c.ConnectionType, c.AccessToken, c.PhoneNumberID, c.BusinessAccountID, c.IsConnected)
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

func (r *WhatsappConnectionRepository) FindByNumberID(ctx context.Context, tenantID, numberID int64) (*domain.WhatsappConnection, error) {
	return scanConnection(r.db.QueryRowContext(ctx, rebind(`SELECT `+WHATSAPP_CONNECTION_COLUMNS+` FROM whatsapp_connections
		WHERE whatsapp_number_id = ? AND tenant_id = ?`), numberID, tenantID))
}

// FindFirstConnected returns the tenant's first connected connection of any type.
func (r *WhatsappConnectionRepository) FindFirstConnected(ctx context.Context, tenantID int64) (*domain.WhatsappConnection, error) {
	return scanConnection(r.db.QueryRowContext(ctx, rebind(`SELECT `+WHATSAPP_CONNECTION_COLUMNS+` FROM whatsapp_connections
		WHERE tenant_id = ? AND is_connected = ? ORDER BY id LIMIT 1`), tenantID, true))
}

// FindConnectedByType lists connections of a type still flagged connected,
// across every tenant.
func (r *WhatsappConnectionRepository) FindConnectedByType(ctx context.Context, connectionType string) ([]domain.WhatsappConnection, error) {
	rows, err := r.db.QueryContext(ctx, rebind(`SELECT `+WHATSAPP_CONNECTION_COLUMNS+` FROM whatsapp_connections
		WHERE connection_type = ? AND is_connected = ? ORDER BY id`), connectionType, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WhatsappConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *WhatsappConnectionRepository) SetConnected(ctx context.Context, numberID int64, connected bool) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_connections SET is_connected = ?, last_ping_at = ? WHERE whatsapp_number_id = ?`),
		connected, formatDateInDatabase(r.clock.Now()), numberID)
	return err
}

// SaveQR stores the pairing code with its expiry. An empty code clears it.
func (r *WhatsappConnectionRepository) SaveQR(ctx context.Context, numberID int64, code string, expiresAt time.Time) error {
	if code == "" {
		_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_connections SET qr_code = NULL, qr_expires_at = NULL WHERE whatsapp_number_id = ?`), numberID)
		return err
	}
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_connections SET qr_code = ?, qr_expires_at = ? WHERE whatsapp_number_id = ?`),
		code, formatDateInDatabase(expiresAt), numberID)
	return err
}

// SessionJID returns the device JID linked to a qr number, or "" before the
// first pairing.
func (r *WhatsappConnectionRepository) SessionJID(ctx context.Context, numberID int64) (string, error) {
	var jid sql.NullString
	err := r.db.QueryRowContext(ctx, rebind(`SELECT session_jid FROM whatsapp_connections WHERE whatsapp_number_id = ?`), numberID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return jid.String, err
}

func (r *WhatsappConnectionRepository) SaveSessionJID(ctx context.Context, numberID int64, jid string) error {
	_, err := r.db.ExecContext(ctx, rebind(`UPDATE whatsapp_connections SET session_jid = ? WHERE whatsapp_number_id = ?`), nullString(jid), numberID)
	return err
}
