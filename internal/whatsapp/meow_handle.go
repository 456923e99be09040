package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// zapWaLogger routes whatsmeow's internal logging through the global zap logger.
type zapWaLogger struct {
	s *zap.SugaredLogger
}

func newWaLogger(tenantID string) waLog.Logger {
	return &zapWaLogger{s: zap.S().Named("whatsmeow").With("tenant_id", tenantID)}
}

func (l *zapWaLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l *zapWaLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *zapWaLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *zapWaLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }
func (l *zapWaLogger) Sub(module string) waLog.Logger        { return &zapWaLogger{s: l.s.Named(module)} }

// MeowHandle drives a whatsmeow client whose device store lives in the
// tenant's credential directory.
type MeowHandle struct {
	tenantID  string
	opts      HandleOptions
	container *sqlstore.Container
	client    *whatsmeow.Client

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

var (
	_ Handle        = (*MeowHandle)(nil)
	_ HandleFactory = NewMeowHandle
)

// NewMeowHandle opens (or creates) the tenant's device store and prepares a client.
// It is a HandleFactory.
func NewMeowHandle(tenantID string, opts HandleOptions) (Handle, error) {
	if err := os.MkdirAll(opts.CredentialDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	log := newWaLogger(tenantID)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(opts.CredentialDir, "store.db"))

	ctx := context.Background()
	container, err := sqlstore.New(ctx, "sqlite3", dsn, log.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	h := &MeowHandle{
		tenantID:  tenantID,
		opts:      opts,
		container: container,
		client:    whatsmeow.NewClient(device, log.Sub("Client")),
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
	}
	h.client.AddEventHandler(h.handleEvent)
	return h, nil
}

func (h *MeowHandle) Start(ctx context.Context) error {
	if h.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := h.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open qr channel: %w", err)
		}
		h.mu.Lock()
		h.cancelQR = cancel
		h.mu.Unlock()
		go h.watchQR(qrChan)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (h *MeowHandle) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			zap.L().Info("whatsapp: qr code received",
				zap.String("tenant_id", h.tenantID),
				zap.Int("code_len", len(item.Code)),
				zap.Duration("timeout", item.Timeout))
			if h.opts.PrintQR {
				fmt.Printf("QR code for tenant %s - scan with WhatsApp:\n", h.tenantID)
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			emit(h.events, h.done, Event{Kind: EventPairing, Payload: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			// PairSuccess arrives through the event handler
		case whatsmeow.QRChannelTimeout.Event:
			emit(h.events, h.done, Event{Kind: EventFailure, Reason: "QR code was not scanned in time"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			emit(h.events, h.done, Event{Kind: EventAuthFailure, Reason: reason})
		default:
			emit(h.events, h.done, Event{Kind: EventAuthFailure, Reason: item.Event})
		}
	}
}

func (h *MeowHandle) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		zap.L().Info("whatsapp: pair success",
			zap.String("tenant_id", h.tenantID),
			zap.String("jid", e.ID.String()),
			zap.String("platform", e.Platform))
		emit(h.events, h.done, Event{Kind: EventAuthenticated})
	case *events.PairError:
		reason := "pairing rejected"
		if e.Error != nil {
			reason = e.Error.Error()
		}
		emit(h.events, h.done, Event{Kind: EventAuthFailure, Reason: reason})
	case *events.Connected:
		emit(h.events, h.done, Event{Kind: EventReady, Phone: h.Identity()})
	case *events.LoggedOut:
		emit(h.events, h.done, Event{Kind: EventDisconnected, Reason: fmt.Sprintf("logged out: %s", e.Reason.String())})
	case *events.StreamReplaced:
		emit(h.events, h.done, Event{Kind: EventDisconnected, Reason: "session replaced by another client"})
	case *events.ConnectFailure:
		emit(h.events, h.done, Event{Kind: EventFailure, Reason: fmt.Sprintf("connect failure: %s %s", e.Reason.String(), e.Message)})
	case *events.ClientOutdated:
		emit(h.events, h.done, Event{Kind: EventFailure, Reason: "client outdated"})
	case *events.Disconnected:
		// transient; whatsmeow reconnects on its own
		zap.L().Warn("whatsapp: socket disconnected", zap.String("tenant_id", h.tenantID))
	}
}

func (h *MeowHandle) Events() <-chan Event {
	return h.events
}

func (h *MeowHandle) Identity() string {
	if h.client == nil || h.client.Store == nil || h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.User
}

// IsRegistered ignores ctx; the pinned client does not accept one for usync queries.
func (h *MeowHandle) IsRegistered(_ context.Context, number string) (bool, error) {
	resp, err := h.client.IsOnWhatsApp([]string{"+" + number})
	if err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

func (h *MeowHandle) Send(ctx context.Context, number, text string) (SendReceipt, error) {
	to := waTypes.NewJID(number, waTypes.DefaultUserServer)
	resp, err := h.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (h *MeowHandle) Logout(ctx context.Context) error {
	if h.client.Store.ID == nil {
		return nil
	}
	return h.client.Logout(ctx)
}

func (h *MeowHandle) Destroy() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		if h.cancelQR != nil {
			h.cancelQR()
		}
		h.mu.Unlock()
		h.client.RemoveEventHandlers()
		h.client.Disconnect()
		err = h.container.Close()
	})
	return err
}

func (h *MeowHandle) Tag() string {
	return h.opts.Tag
}
