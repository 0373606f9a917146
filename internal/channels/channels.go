// Package channels adapts outbound messages to the two WhatsApp transports:
// the Cloud API over HTTPS and a multi-device session socket.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// Kind names a transport.
type Kind string

const (
	KindCloud   Kind = "cloud"
	KindSession Kind = "session"
)

// KindFor maps a message connection type to its transport: qr connections use
// the session channel, everything else the Cloud API.
func KindFor(connectionType string) Kind {
	if connectionType == domain.ConnectionTypeQR {
		return KindSession
	}
	return KindCloud
}

// CloudCredentials are the decrypted Cloud API credentials of a number.
type CloudCredentials struct {
	AccessToken   string
	PhoneNumberID string
}

// Target identifies the recipient and the sending number.
type Target struct {
	TenantID int64
	NumberID int64
	Phone    string
	Cloud    *CloudCredentials
}

// Message is the transport-neutral outbound content.
type Message struct {
	Type         string
	Content      string
	MediaURL     string
	MediaName    string
	Latitude     *float64
	Longitude    *float64
	LocationName string
}

func MessageFromChat(m *domain.ChatMessage) *Message {
	msg := &Message{
		Type:         m.MessageType,
		Content:      m.Content.String,
		MediaURL:     m.MediaURL.String,
		MediaName:    m.MediaName.String,
		LocationName: m.LocationName.String,
	}
	if m.Latitude.Valid {
		v := m.Latitude.Float64
		msg.Latitude = &v
	}
	if m.Longitude.Valid {
		v := m.Longitude.Float64
		msg.Longitude = &v
	}
	return msg
}

type SendResult struct {
	RemoteMessageID string
}

// Sender delivers one message over a transport.
type Sender interface {
	Send(ctx context.Context, target Target, msg *Message) (SendResult, error)
}

// ErrValidation marks errors raised before any network call because the
// message lacks a field its type requires.
var ErrValidation = errors.New("invalid message")

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError is returned when the provider throttles the sender.
type RateLimitError struct {
	Status int
	Msg    string
}

func (e *RateLimitError) Error() string { return e.Msg }

// IsRateLimit reports whether err is a provider throttling error.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Rate limit")
}

// ErrSessionExpired is returned when the session socket lost its
// authorisation and the number has to be linked again.
var ErrSessionExpired = errors.New("WhatsApp session expired. Please reconnect.")

// Validate checks the per-type required fields for a transport without
// touching the network.
func Validate(kind Kind, msg *Message) error {
	switch msg.Type {
	case domain.MessageTypeText:
		return nil
	case domain.MessageTypeTemplate:
		if kind == KindCloud && msg.Content == "" {
			return invalid("Template name is required")
		}
		return nil
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio, domain.MessageTypeDocument:
		if msg.MediaURL == "" {
			if kind == KindSession {
				return invalid("%s file path is required", capitalize(msg.Type))
			}
			return invalid("Media URL is required")
		}
		return nil
	case domain.MessageTypeLocation:
		if msg.Latitude == nil || msg.Longitude == nil {
			return invalid("Latitude and longitude are required")
		}
		return nil
	case domain.MessageTypeSticker:
		if msg.MediaURL == "" {
			if kind == KindSession {
				return invalid("Sticker file path is required")
			}
			return invalid("Sticker URL is required")
		}
		return nil
	case domain.MessageTypeContact:
		if msg.Content == "" {
			return invalid("Contact vCard is required")
		}
		return nil
	}
	if kind == KindSession {
		return invalid("Unsupported message type for session: %s", msg.Type)
	}
	return invalid("Unsupported message type for Cloud API: %s", msg.Type)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// NormalizePhone strips every '+' from a phone number.
func NormalizePhone(phone string) string {
	return strings.ReplaceAll(phone, "+", "")
}
