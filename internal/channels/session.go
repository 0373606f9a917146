package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// SessionMessage is the protocol-level content handed to a SessionConn.
// Media messages carry the file bytes.
type SessionMessage struct {
	Type         string
	Text         string
	Caption      string
	Data         []byte
	MimeType     string
	FileName     string
	Latitude     float64
	Longitude    float64
	LocationName string
	VCard        string
}

// maxRemoteMediaBytes matches the largest document WhatsApp accepts.
const maxRemoteMediaBytes = 100 << 20

// SessionChannel sends through the number's live multi-device socket.
type SessionChannel struct {
	registry   *Registry
	uploadsDir string
	client     *http.Client
	maxMedia   int64
}

type SessionOption func(*SessionChannel)

// WithMediaClient sets the client used to fetch remote media.
func WithMediaClient(client *http.Client) SessionOption {
	return func(c *SessionChannel) { c.client = client }
}

// WithMaxMediaBytes bounds the size of downloaded media.
func WithMaxMediaBytes(n int64) SessionOption {
	return func(c *SessionChannel) { c.maxMedia = n }
}

func NewSessionChannel(registry *Registry, uploadsDir string, opts ...SessionOption) *SessionChannel {
	c := &SessionChannel{
		registry:   registry,
		uploadsDir: uploadsDir,
		client:     &http.Client{Timeout: 60 * time.Second},
		maxMedia:   maxRemoteMediaBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JID builds the user JID for a phone number.
func JID(phone string) string {
	return NormalizePhone(phone) + "@s.whatsapp.net"
}

func (c *SessionChannel) Send(ctx context.Context, target Target, msg *Message) (SendResult, error) {
	conn, status := c.registry.conn(target.NumberID)
	if conn == nil {
		return SendResult{}, fmt.Errorf("WhatsApp not connected (status: %s). Cannot send message.", status)
	}
	if err := Validate(KindSession, msg); err != nil {
		return SendResult{}, err
	}
	out, err := c.build(ctx, msg)
	if err != nil {
		return SendResult{}, err
	}
	id, err := conn.Send(ctx, JID(target.Phone), out)
	if err != nil {
		if strings.Contains(err.Error(), "not-authorized") {
			return SendResult{}, ErrSessionExpired
		}
		return SendResult{}, err
	}
	return SendResult{RemoteMessageID: id}, nil
}

func (c *SessionChannel) build(ctx context.Context, msg *Message) (*SessionMessage, error) {
	out := &SessionMessage{Type: msg.Type}
	switch msg.Type {
	case domain.MessageTypeText:
		out.Text = msg.Content
	case domain.MessageTypeTemplate:
		out.Type = domain.MessageTypeText
		out.Text = msg.Content
		if out.Text == "" {
			out.Text = "Template message"
		}
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio, domain.MessageTypeDocument, domain.MessageTypeSticker:
		path, data, err := c.readMedia(ctx, msg)
		if err != nil {
			return nil, err
		}
		out.Data = data
		switch msg.Type {
		case domain.MessageTypeDocument:
			out.MimeType = MimeType(path, "application")
			out.Caption = msg.Content
			out.FileName = msg.MediaName
			if out.FileName == "" {
				out.FileName = filepath.Base(path)
			}
		case domain.MessageTypeSticker:
			out.MimeType = "image/webp"
		default:
			out.MimeType = MimeType(path, msg.Type)
			if msg.Type != domain.MessageTypeAudio {
				out.Caption = msg.Content
			}
		}
	case domain.MessageTypeLocation:
		out.Latitude = *msg.Latitude
		out.Longitude = *msg.Longitude
		out.LocationName = msg.LocationName
	case domain.MessageTypeContact:
		out.VCard = msg.Content
	}
	return out, nil
}

// readMedia loads the bytes behind the message's media reference. Remote
// URLs are downloaded; a missing local file is reported the same way as a
// missing path.
func (c *SessionChannel) readMedia(ctx context.Context, msg *Message) (string, []byte, error) {
	if IsRemoteURL(msg.MediaURL) {
		return c.download(ctx, msg.MediaURL)
	}
	path := ResolveLocalPath(c.uploadsDir, msg.MediaURL)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, invalid("%s file path is required", capitalize(msg.Type))
		}
		return "", nil, err
	}
	return path, data, nil
}

// download fetches remote media. The returned name is the last URL path
// segment so MIME and file name detection work as for local files.
func (c *SessionChannel) download(ctx context.Context, ref string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", nil, fmt.Errorf("media download failed: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("media download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("media download failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMedia+1))
	if err != nil {
		return "", nil, fmt.Errorf("media download failed: %w", err)
	}
	if int64(len(data)) > c.maxMedia {
		return "", nil, fmt.Errorf("media download failed: larger than %d bytes", c.maxMedia)
	}
	name := ref
	if u, err := url.Parse(ref); err == nil {
		name = path.Base(u.Path)
	}
	return name, data, nil
}
