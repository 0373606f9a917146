package domain

import "database/sql"

const (
	NumberStatusActive       = "active"
	NumberStatusDisconnected = "disconnected"
)

type WhatsappNumber struct {
	ID                int64
	TenantID          int64
	PhoneNumber       string
	DisplayName       sql.NullString
	Status            string
	DailyMessageLimit int
	MessagesSentToday int
	TotalMessagesSent int64
	IsConnected       bool
	LastConnected     sql.NullTime
}

// WhatsappConnection holds transport credentials for a number. AccessToken is
// stored in the enc:v1 format and must be decrypted before use.
type WhatsappConnection struct {
	ID                int64
	TenantID          int64
	WhatsappNumberID  int64
	ConnectionType    string
	AccessToken       sql.NullString
	PhoneNumberID     sql.NullString
	BusinessAccountID sql.NullString
	IsConnected       bool
	QRCode            sql.NullString
	QRExpiresAt       sql.NullTime
	LastPingAt        sql.NullTime
}
