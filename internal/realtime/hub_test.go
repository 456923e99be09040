package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wagate/internal/whatsapp"
)

type staticSource map[string]whatsapp.Session

func (s staticSource) Status(tenantID string) whatsapp.Session {
	if sess, ok := s[tenantID]; ok {
		return sess
	}
	return whatsapp.Session{TenantID: tenantID, Status: whatsapp.StatusDisconnected}
}

// gatedSource holds Status until released so a publish can race the snapshot.
type gatedSource struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) Status(tenantID string) whatsapp.Session {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return whatsapp.Session{TenantID: tenantID, Status: whatsapp.StatusInitializing}
}

func dial(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?tenantId=" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubDeliversOnlyOwnTenantEvents(t *testing.T) {
	bus := EventBus.New()
	source := staticSource{
		"u1": {TenantID: "u1", Status: whatsapp.StatusPairingReady, PairingPayload: "qr-u1"},
	}
	hub := NewHub(bus, source, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("tenantId"))
	}))
	defer srv.Close()

	u1 := dial(t, srv, "u1")
	u2 := dial(t, srv, "u2")

	first := readMessage(t, u1)
	assert.Equal(t, whatsapp.NotifyStatus, first.Type)
	qr := readMessage(t, u1)
	assert.Equal(t, whatsapp.NotifyQRCode, qr.Type)
	assert.Equal(t, "qr-u1", qr.Data.(map[string]interface{})["qr"])

	snapshot := readMessage(t, u2)
	assert.Equal(t, whatsapp.NotifyStatus, snapshot.Type)
	assert.Equal(t, "disconnected", snapshot.Data.(map[string]interface{})["status"])

	require.Eventually(t, func() bool {
		return hub.ClientCount("u1") == 1 && hub.ClientCount("u2") == 1
	}, time.Second, 5*time.Millisecond)

	notifier := whatsapp.NewBusNotifier(bus)
	notifier.Notify(whatsapp.Notification{Event: whatsapp.NotifyConnected, TenantID: "u1",
		Data: map[string]interface{}{"phoneNumber": "919876543210"}})

	msg := readMessage(t, u1)
	assert.Equal(t, whatsapp.NotifyConnected, msg.Type)
	assert.Equal(t, "u1", msg.TenantID)

	require.NoError(t, u2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := u2.ReadMessage()
	assert.Error(t, err, "u2 must not receive u1 events")
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub := NewHub(EventBus.New(), nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("tenantId"))
	}))
	defer srv.Close()

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return hub.ClientCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSnapshotPrecedesConcurrentEvents(t *testing.T) {
	bus := EventBus.New()
	source := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(bus, source, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("tenantId"))
	}))
	defer srv.Close()

	conn := dial(t, srv, "u1")
	select {
	case <-source.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot was never taken")
	}

	published := make(chan struct{})
	go func() {
		whatsapp.NewBusNotifier(bus).Notify(whatsapp.Notification{Event: whatsapp.NotifyConnected, TenantID: "u1",
			Data: map[string]interface{}{"phoneNumber": "919876543210"}})
		close(published)
	}()
	time.Sleep(50 * time.Millisecond)
	close(source.release)

	first := readMessage(t, conn)
	assert.Equal(t, whatsapp.NotifyStatus, first.Type)
	assert.Equal(t, "initializing", first.Data.(map[string]interface{})["status"])
	second := readMessage(t, conn)
	assert.Equal(t, whatsapp.NotifyConnected, second.Type)

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete")
	}
}
