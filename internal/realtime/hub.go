package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one frame pushed to a subscriber.
type Message struct {
	Type      string      `json:"type"`
	TenantID  string      `json:"tenantId"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusSource provides a tenant's current session for new subscribers.
type StatusSource interface {
	Status(tenantID string) whatsapp.Session
}

type client struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub relays lifecycle events from the bus to websocket clients of the same tenant.
type Hub struct {
	bus      EventBus.Bus
	source   StatusSource
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	// subMu is never held while the bus delivers, so subscribing cannot
	// deadlock against a concurrent publish.
	subMu      sync.Mutex
	subscribed map[string]bool
}

func NewHub(bus EventBus.Bus, source StatusSource, originAllowed func(string) bool) *Hub {
	return &Hub{
		bus:        bus,
		source:     source,
		clients:    make(map[string]map[*client]struct{}),
		subscribed: make(map[string]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || originAllowed == nil {
					return true
				}
				return originAllowed(origin)
			},
		},
	}
}

// ClientCount returns the number of connected subscribers for a tenant.
func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

func (h *Hub) subscribe(tenantID string) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.subscribed[tenantID] {
		return nil
	}
	for _, event := range whatsapp.NotifyEvents {
		if err := h.bus.Subscribe(whatsapp.Topic(event, tenantID), h.deliver); err != nil {
			return err
		}
	}
	h.subscribed[tenantID] = true
	return nil
}

// deliver runs on the publisher's goroutine and must not block.
func (h *Hub) deliver(n whatsapp.Notification) {
	payload, err := json.Marshal(Message{Type: n.Event, TenantID: n.TenantID, Data: n.Data, Timestamp: time.Now()})
	if err != nil {
		zap.L().Error("realtime: marshal event failed", zap.String("event", n.Event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[n.TenantID] {
		select {
		case c.send <- payload:
		default:
			zap.L().Warn("realtime: client buffer full, dropping event",
				zap.String("client_id", c.id), zap.String("event", n.Event))
		}
	}
}

// register queues the current snapshot and adds c under the write lock, so
// no event delivered to the tenant can reach c ahead of its snapshot.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.queueSnapshot(c)
	set, ok := h.clients[c.tenantID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.tenantID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.tenantID)
	}
	close(c.send)
}

// Serve upgrades the request and streams the tenant's events until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) error {
	if err := h.subscribe(tenantID); err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{id: uuid.NewString(), tenantID: tenantID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	zap.L().Info("realtime: client connected", zap.String("client_id", c.id), zap.String("tenant_id", tenantID))

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// queueSnapshot must be called with h.mu held.
func (h *Hub) queueSnapshot(c *client) {
	if h.source == nil {
		return
	}
	s := h.source.Status(c.tenantID)
	frames := []Message{{Type: whatsapp.NotifyStatus, TenantID: c.tenantID, Data: whatsapp.StatusData(s), Timestamp: time.Now()}}
	if s.QRAvailable() {
		frames = append(frames, Message{Type: whatsapp.NotifyQRCode, TenantID: c.tenantID,
			Data: map[string]interface{}{"qr": s.PairingPayload}, Timestamp: time.Now()})
	}
	for _, f := range frames {
		payload, err := json.Marshal(f)
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		zap.L().Info("realtime: client disconnected", zap.String("client_id", c.id), zap.String("tenant_id", c.tenantID))
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				zap.L().Debug("realtime: read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
