package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/guonaihong/gout"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Event names delivered to subscribers.
const (
	NotifyStatus       = "status"
	NotifyQRCode       = "qr_code"
	NotifyConnected    = "whatsapp_connected"
	NotifyDisconnected = "whatsapp_disconnected"
	NotifyAuthError    = "auth_error"
)

// NotifyEvents lists every event name a tenant subscriber can receive.
var NotifyEvents = []string{NotifyStatus, NotifyQRCode, NotifyConnected, NotifyDisconnected, NotifyAuthError}

// Notification is one lifecycle event addressed to a tenant.
type Notification struct {
	Event    string                 `json:"event"`
	TenantID string                 `json:"tenantId"`
	Data     map[string]interface{} `json:"data"`
}

// Notifier receives lifecycle notifications. Implementations must not block
// for long and must not fail the caller.
type Notifier interface {
	Notify(n Notification)
}

// Fanout delivers each notification to every sink independently.
type Fanout []Notifier

func (f Fanout) Notify(n Notification) {
	for _, sink := range f {
		deliver(sink, n)
	}
}

func deliver(sink Notifier, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("whatsapp: notifier panic",
				zap.String("event", n.Event),
				zap.String("tenant_id", n.TenantID),
				zap.Any("panic", r))
		}
	}()
	sink.Notify(n)
}

// Topic is the tenant qualified bus topic for an event.
func Topic(event, tenantID string) string {
	return event + ":" + tenantID
}

// BusNotifier publishes notifications on the local event bus.
type BusNotifier struct {
	bus EventBus.Bus
}

func NewBusNotifier(bus EventBus.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (b *BusNotifier) Notify(n Notification) {
	b.bus.Publish(Topic(n.Event, n.TenantID), n)
}

// Forwarder posts notifications to the backend API for durable rebroadcast.
// Delivery is fire and forget: failures are logged and never retried.
type Forwarder struct {
	url     string
	token   string
	timeout time.Duration
	pool    *ants.Pool
}

func NewForwarder(backendURL, token string, timeout time.Duration, workers int) (*Forwarder, error) {
	if workers <= 0 {
		workers = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		url:     strings.TrimRight(backendURL, "/") + "/internal/whatsapp-event",
		token:   token,
		timeout: timeout,
		pool:    pool,
	}, nil
}

func (f *Forwarder) Notify(n Notification) {
	if n.Event == NotifyStatus {
		return
	}
	if err := f.pool.Submit(func() { _ = f.post(n) }); err != nil {
		zap.L().Warn("whatsapp: forward dropped",
			zap.String("event", n.Event),
			zap.String("tenant_id", n.TenantID),
			zap.Error(err))
	}
}

func (f *Forwarder) post(n Notification) error {
	header := gout.H{}
	if f.token != "" {
		header["X-Internal-Token"] = f.token
	}
	var code int
	err := gout.POST(f.url).
		SetTimeout(f.timeout).
		SetHeader(header).
		SetJSON(gout.H{"event": n.Event, "tenantId": n.TenantID, "data": n.Data}).
		Code(&code).
		Do()
	if err == nil && (code < 200 || code >= 300) {
		err = fmt.Errorf("backend responded with status %d", code)
	}
	if err != nil {
		zap.L().Warn("whatsapp: forward event failed",
			zap.String("event", n.Event),
			zap.String("tenant_id", n.TenantID),
			zap.Error(err))
	}
	return err
}

// Close releases the worker pool. Posts already running are not awaited.
func (f *Forwarder) Close() {
	f.pool.Release()
}
