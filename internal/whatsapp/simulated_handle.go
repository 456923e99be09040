package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const simulatedMarker = "simulated.paired"

var simulatedNode, _ = snowflake.NewNode(1)

// SimulatedHandle is a development driver. It emits a demo pairing payload,
// then reports ready after a delay as if the code had been scanned.
type SimulatedHandle struct {
	tenantID string
	opts     HandleOptions
	delay    time.Duration

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	ready bool
}

// NewSimulatedFactory returns a HandleFactory for simulated handles that
// become ready after delay.
func NewSimulatedFactory(delay time.Duration) HandleFactory {
	return func(tenantID string, opts HandleOptions) (Handle, error) {
		if err := os.MkdirAll(opts.CredentialDir, 0o700); err != nil {
			return nil, fmt.Errorf("create credential dir: %w", err)
		}
		return &SimulatedHandle{
			tenantID: tenantID,
			opts:     opts,
			delay:    delay,
			events:   make(chan Event, 8),
			done:     make(chan struct{}),
		}, nil
	}
}

func (h *SimulatedHandle) Start(ctx context.Context) error {
	marker := filepath.Join(h.opts.CredentialDir, simulatedMarker)
	if _, err := os.Stat(marker); err == nil {
		go h.becomeReady(marker, 0)
		return nil
	}

	payload := "https://wa.me/qr/DEMO" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	zap.L().Info("whatsapp: simulated qr code generated", zap.String("tenant_id", h.tenantID))
	emit(h.events, h.done, Event{Kind: EventPairing, Payload: payload})
	go h.becomeReady(marker, h.delay)
	return nil
}

func (h *SimulatedHandle) becomeReady(marker string, delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-h.done:
			return
		}
	}
	_ = os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)), 0o600)
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	emit(h.events, h.done, Event{Kind: EventAuthenticated})
	emit(h.events, h.done, Event{Kind: EventReady, Phone: h.Identity()})
}

func (h *SimulatedHandle) Events() <-chan Event {
	return h.events
}

func (h *SimulatedHandle) Identity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return ""
	}
	return fmt.Sprintf("91%010d", uint64(crc32.ChecksumIEEE([]byte(h.tenantID)))%10000000000)
}

func (h *SimulatedHandle) IsRegistered(ctx context.Context, number string) (bool, error) {
	return true, nil
}

func (h *SimulatedHandle) Send(ctx context.Context, number, text string) (SendReceipt, error) {
	h.mu.Lock()
	ready := h.ready
	h.mu.Unlock()
	if !ready {
		return SendReceipt{}, errors.New("WhatsApp client not ready")
	}
	zap.L().Info("whatsapp: simulated send",
		zap.String("tenant_id", h.tenantID),
		zap.String("to", number),
		zap.Int("length", len(text)))
	return SendReceipt{ID: "msg_" + simulatedNode.Generate().String(), Timestamp: time.Now()}, nil
}

func (h *SimulatedHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.mu.Unlock()
	return os.Remove(filepath.Join(h.opts.CredentialDir, simulatedMarker))
}

func (h *SimulatedHandle) Destroy() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		h.ready = false
		h.mu.Unlock()
	})
	return nil
}

func (h *SimulatedHandle) Tag() string {
	return h.opts.Tag
}
