package channels

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// SessionJIDStore remembers which device JID belongs to which number.
type SessionJIDStore interface {
	SessionJID(ctx context.Context, numberID int64) (string, error)
	SaveSessionJID(ctx context.Context, numberID int64, jid string) error
}

// NewSessionStore wraps db in a whatsmeow device store and creates its
// tables. dialect is "postgres" or "sqlite3"; sqlite handles must have
// foreign keys enabled.
func NewSessionStore(ctx context.Context, db *sql.DB, dialect string) (*sqlstore.Container, error) {
	container := sqlstore.NewWithDB(db, dialect, NewSlogWALogger(slog.Default(), "store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("session store upgrade failed: %w", err)
	}
	return container, nil
}

// WhatsmeowFactory opens multi-device sockets backed by whatsmeow.
type WhatsmeowFactory struct {
	container *sqlstore.Container
	jids      SessionJIDStore
	log       waLog.Logger
}

func NewWhatsmeowFactory(container *sqlstore.Container, jids SessionJIDStore) *WhatsmeowFactory {
	return &WhatsmeowFactory{container: container, jids: jids, log: NewSlogWALogger(slog.Default(), "whatsmeow")}
}

func (f *WhatsmeowFactory) New(ctx context.Context, numberID int64, ev SessionEvents) (SessionConn, error) {
	var dev *store.Device
	jid, err := f.jids.SessionJID(ctx, numberID)
	if err != nil {
		return nil, err
	}
	if jid != "" {
		parsed, err := types.ParseJID(jid)
		if err != nil {
			return nil, err
		}
		if dev, err = f.container.GetDevice(ctx, parsed); err != nil {
			return nil, err
		}
	}
	if dev == nil {
		dev = f.container.NewDevice()
	}

	client := whatsmeow.NewClient(dev, f.log.Sub(fmt.Sprintf("number-%d", numberID)))
	// reconnects are driven by the registry
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &whatsmeowConn{
		client:    client,
		container: f.container,
		jids:      f.jids,
		numberID:  numberID,
		events:    ev,
		queue:     make(chan func(), 16),
		ctx:       connCtx,
		cancel:    cancel,
	}
	client.AddEventHandler(c.handle)
	go c.dispatch()
	return c, nil
}

type whatsmeowConn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	jids      SessionJIDStore
	numberID  int64
	events    SessionEvents

	queue  chan func()
	ctx    context.Context
	cancel context.CancelFunc
}

// dispatch runs registry callbacks off the whatsmeow event goroutine, in
// order.
func (c *whatsmeowConn) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

func (c *whatsmeowConn) enqueue(fn func()) {
	select {
	case c.queue <- fn:
	case <-c.ctx.Done():
	}
}

func (c *whatsmeowConn) handle(evt any) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		if err := c.jids.SaveSessionJID(c.ctx, c.numberID, e.ID.String()); err != nil {
			slog.ErrorContext(c.ctx, "Failed to store session jid", "number_id", c.numberID, "error", err)
		}
	case *events.Connected:
		c.enqueue(c.events.OnConnected)
	case *events.LoggedOut:
		c.enqueue(func() { c.events.OnDisconnected(true) })
	case *events.StreamReplaced, *events.Disconnected:
		c.enqueue(func() { c.events.OnDisconnected(false) })
	}
}

func (c *whatsmeowConn) Connect(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qr, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return err
		}
		go c.watchQR(qr)
	}
	return c.client.Connect()
}

func (c *whatsmeowConn) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			code := item.Code
			c.enqueue(func() { c.events.OnQR(code) })
		case "success":
		case "timeout":
			// pairing window closed; a fresh Start is needed for a new QR
			c.enqueue(func() { c.events.OnDisconnected(true) })
		default:
			slog.WarnContext(c.ctx, "Pairing failed", "number_id", c.numberID, "event", item.Event, "error", item.Error)
		}
	}
}

func (c *whatsmeowConn) Disconnect() {
	c.client.Disconnect()
	c.cancel()
}

func (c *whatsmeowConn) Logout(ctx context.Context) error {
	defer func() {
		if err := c.jids.SaveSessionJID(ctx, c.numberID, ""); err != nil {
			slog.ErrorContext(ctx, "Failed to clear session jid", "number_id", c.numberID, "error", err)
		}
	}()
	if c.client.Store.ID == nil {
		return nil
	}
	if err := c.client.Logout(ctx); err != nil {
		slog.DebugContext(ctx, "Remote logout failed, deleting device locally", "number_id", c.numberID, "error", err)
		return c.container.DeleteDevice(ctx, c.client.Store)
	}
	return nil
}

func (c *whatsmeowConn) Send(ctx context.Context, jid string, msg *SessionMessage) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", err
	}
	m, err := c.build(ctx, msg)
	if err != nil {
		return "", err
	}
	resp, err := c.client.SendMessage(ctx, to, m)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func mediaKind(t string) whatsmeow.MediaType {
	switch t {
	case domain.MessageTypeVideo:
		return whatsmeow.MediaVideo
	case domain.MessageTypeAudio:
		return whatsmeow.MediaAudio
	case domain.MessageTypeDocument:
		return whatsmeow.MediaDocument
	}
	return whatsmeow.MediaImage
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

func (c *whatsmeowConn) build(ctx context.Context, msg *SessionMessage) (*waE2E.Message, error) {
	switch msg.Type {
	case domain.MessageTypeText:
		return &waE2E.Message{Conversation: proto.String(msg.Text)}, nil
	case domain.MessageTypeLocation:
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(msg.Latitude),
			DegreesLongitude: proto.Float64(msg.Longitude),
			Name:             optional(msg.LocationName),
		}}, nil
	case domain.MessageTypeContact:
		return &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String("Contact"),
			Vcard:       proto.String(msg.VCard),
		}}, nil
	}

	up, err := c.client.Upload(ctx, msg.Data, mediaKind(msg.Type))
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case domain.MessageTypeImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption: optional(msg.Caption), Mimetype: proto.String(msg.MimeType),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}, nil
	case domain.MessageTypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: optional(msg.Caption), Mimetype: proto.String(msg.MimeType),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}, nil
	case domain.MessageTypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: proto.String(msg.MimeType), PTT: proto.Bool(false),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}, nil
	case domain.MessageTypeDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption: optional(msg.Caption), Mimetype: proto.String(msg.MimeType), FileName: proto.String(msg.FileName),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}, nil
	case domain.MessageTypeSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype: proto.String(msg.MimeType),
			URL:      proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: proto.Uint64(up.FileLength),
		}}, nil
	}
	return nil, fmt.Errorf("Unsupported message type for session: %s", msg.Type)
}

// slogWALogger routes whatsmeow logs through slog.
type slogWALogger struct {
	l *slog.Logger
}

func NewSlogWALogger(l *slog.Logger, module string) waLog.Logger {
	return slogWALogger{l: l.With("module", module)}
}

func (s slogWALogger) Warnf(msg string, args ...interface{})  { s.l.Warn(fmt.Sprintf(msg, args...)) }
func (s slogWALogger) Errorf(msg string, args ...interface{}) { s.l.Error(fmt.Sprintf(msg, args...)) }
func (s slogWALogger) Infof(msg string, args ...interface{})  { s.l.Info(fmt.Sprintf(msg, args...)) }
func (s slogWALogger) Debugf(msg string, args ...interface{}) { s.l.Debug(fmt.Sprintf(msg, args...)) }
func (s slogWALogger) Sub(module string) waLog.Logger {
	return slogWALogger{l: s.l.With("submodule", module)}
}
