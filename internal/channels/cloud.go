package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const defaultTemplateLanguage = "es"

// CloudChannel sends messages through the WhatsApp Cloud (Graph) API.
type CloudChannel struct {
	client     *http.Client
	baseURL    string
	version    string
	uploadsDir string
	breaker    *breaker.CircuitBreaker
}

func NewCloudChannel(client *http.Client, baseURL, version, uploadsDir string, cb *breaker.CircuitBreaker) *CloudChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudChannel{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		version:    version,
		uploadsDir: uploadsDir,
		breaker:    cb,
	}
}

type templateSpec struct {
	Name         string            `json:"name"`
	LanguageCode string            `json:"languageCode"`
	Components   []json.RawMessage `json:"components"`
}

// parseTemplate accepts either the JSON form {name, languageCode, components}
// or a bare template name.
func parseTemplate(content string) templateSpec {
	var t templateSpec
	if err := json.Unmarshal([]byte(content), &t); err != nil {
		t = templateSpec{Name: content}
	}
	if t.Name == "" {
		t.Name = content
	}
	if t.LanguageCode == "" {
		t.LanguageCode = defaultTemplateLanguage
	}
	if t.Components == nil {
		t.Components = []json.RawMessage{}
	}
	return t
}

func (c *CloudChannel) Send(ctx context.Context, target Target, msg *Message) (SendResult, error) {
	if target.Cloud == nil {
		return SendResult{}, errors.New("WhatsApp Cloud API credentials not configured")
	}
	if err := Validate(KindCloud, msg); err != nil {
		return SendResult{}, err
	}
	creds := *target.Cloud
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                NormalizePhone(target.Phone),
	}

	switch msg.Type {
	case domain.MessageTypeText:
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Content}
	case domain.MessageTypeTemplate:
		t := parseTemplate(msg.Content)
		body["type"] = "template"
		body["template"] = map[string]any{
			"name":       t.Name,
			"language":   map[string]string{"code": t.LanguageCode},
			"components": t.Components,
		}
	case domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeAudio, domain.MessageTypeDocument, domain.MessageTypeSticker:
		media, err := c.mediaObject(ctx, creds, msg.MediaURL, msg.Type)
		if err != nil {
			return SendResult{}, err
		}
		if msg.Type != domain.MessageTypeSticker && msg.Content != "" {
			media["caption"] = msg.Content
		}
		if msg.Type == domain.MessageTypeDocument && msg.MediaName != "" {
			media["filename"] = msg.MediaName
		}
		body["type"] = msg.Type
		body[msg.Type] = media
	case domain.MessageTypeLocation:
		loc := map[string]any{"latitude": *msg.Latitude, "longitude": *msg.Longitude}
		if msg.LocationName != "" {
			loc["name"] = msg.LocationName
		}
		if msg.Content != "" {
			loc["address"] = msg.Content
		}
		body["type"] = "location"
		body["location"] = loc
	case domain.MessageTypeContact:
		body["type"] = "contacts"
		body["contacts"] = []map[string]string{{"vcard": msg.Content}}
	}

	var id string
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var resp struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if err := c.postJSON(ctx, creds, body, &resp); err != nil {
			return err
		}
		if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
			return errors.New("WhatsApp API: missing message id")
		}
		id = resp.Messages[0].ID
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	slog.DebugContext(ctx, "Cloud message sent", "type", msg.Type, "remote_id", id)
	return SendResult{RemoteMessageID: id}, nil
}

// MarkRead sends a read receipt for an inbound message.
func (c *CloudChannel) MarkRead(ctx context.Context, creds CloudCredentials, messageID string) error {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.postJSON(ctx, creds, body, nil)
	})
}

func (c *CloudChannel) endpoint(phoneNumberID, resource string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.version, phoneNumberID, resource)
}

func (c *CloudChannel) postJSON(ctx context.Context, creds CloudCredentials, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(creds.PhoneNumberID, "messages"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	return c.do(req, out, "WhatsApp API error")
}

func (c *CloudChannel) do(req *http.Request, out any, fallback string) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("%s %d", fallback, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Status: resp.StatusCode, Msg: msg}
		}
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// mediaObject returns {link} for public URLs and {id} for files that were
// uploaded to the media endpoint first.
func (c *CloudChannel) mediaObject(ctx context.Context, creds CloudCredentials, ref, kind string) (map[string]any, error) {
	if IsRemoteURL(ref) {
		return map[string]any{"link": ref}, nil
	}
	path := ResolveLocalPath(c.uploadsDir, ref)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("Media file not found: %s", path)
	}
	id, err := c.uploadMedia(ctx, creds, path, kind)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (c *CloudChannel) uploadMedia(ctx context.Context, creds CloudCredentials, path, kind string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	h.Set("Content-Type", MimeType(path, kind))
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var id string
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(creds.PhoneNumberID, "media"), bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		var resp struct {
			ID string `json:"id"`
		}
		if err := c.do(req, &resp, "Media upload failed:"); err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	return id, err
}
