package domain

import (
	"database/sql"
	"time"
)

const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeSticker  = "sticker"
	MessageTypeContact  = "contact"
	MessageTypeTemplate = "template"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

const (
	ConnectionTypeAPI = "api"
	ConnectionTypeQR  = "qr"
)

// ChatMessage is the outbound message content referenced by a DeliveryJob.
type ChatMessage struct {
	ID                int64
	TenantID          int64
	ConversationID    int64
	WhatsappNumberID  sql.NullInt64
	ConnectionType    string
	Direction         string
	MessageType       string
	Content           sql.NullString
	MediaURL          sql.NullString
	MediaName         sql.NullString
	MediaMimeType     sql.NullString
	Latitude          sql.NullFloat64
	Longitude         sql.NullFloat64
	LocationName      sql.NullString
	Status            string
	ErrorMessage      sql.NullString
	FailedAt          sql.NullTime
	WhatsappMessageID sql.NullString
	SentAt            sql.NullTime
	DeliveredAt       sql.NullTime
	ReadAt            sql.NullTime
	CreatedAt         time.Time
}
