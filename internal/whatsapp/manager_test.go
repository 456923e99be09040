package whatsapp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	tag      string
	events   chan Event
	startErr error

	mu            sync.Mutex
	identity      string
	registered    bool
	registeredErr error
	sendErr       error
	logoutErr     error
	sent          []string
	logouts       int
	destroyed     int
}

func newFakeHandle(tag string) *fakeHandle {
	return &fakeHandle{tag: tag, events: make(chan Event, 16), registered: true}
}

func (h *fakeHandle) Start(ctx context.Context) error { return h.startErr }
func (h *fakeHandle) Events() <-chan Event            { return h.events }

func (h *fakeHandle) Identity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

func (h *fakeHandle) IsRegistered(ctx context.Context, number string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered, h.registeredErr
}

func (h *fakeHandle) Send(ctx context.Context, number, text string) (SendReceipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return SendReceipt{}, h.sendErr
	}
	h.sent = append(h.sent, number)
	return SendReceipt{ID: "msg_1", Timestamp: time.Now()}, nil
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
	return h.logoutErr
}

func (h *fakeHandle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return errors.New("destroy always complains")
}

func (h *fakeHandle) Tag() string { return h.tag }

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeHandle
	err     error
	prepare func(h *fakeHandle)
}

func (f *fakeFactory) New(tenantID string, opts HandleOptions) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(opts.CredentialDir, 0o700); err != nil {
		return nil, err
	}
	h := newFakeHandle(opts.Tag)
	if f.prepare != nil {
		f.prepare(h)
	}
	f.created = append(f.created, h)
	return h, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[len(f.created)-1]
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) has(event, tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.got {
		if n.Event == event && n.TenantID == tenantID {
			return true
		}
	}
	return false
}

type countingReaper struct {
	calls atomic.Int32
	tags  sync.Map
}

func (r *countingReaper) Reap(ctx context.Context, tag string) (int, error) {
	r.calls.Add(1)
	r.tags.Store(tag, true)
	return 0, errors.New("no process table")
}

type recordingJournal struct {
	mu    sync.Mutex
	sends []SendRecord
}

func (j *recordingJournal) RecordTransition(Session) {}

func (j *recordingJournal) RecordSend(r SendRecord) {
	j.mu.Lock()
	j.sends = append(j.sends, r)
	j.mu.Unlock()
}

type fixture struct {
	mgr      *Manager
	factory  *fakeFactory
	notifier *recordingNotifier
	reaper   *countingReaper
	journal  *recordingJournal
	dir      string
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		factory:  &fakeFactory{},
		notifier: &recordingNotifier{},
		reaper:   &countingReaper{},
		journal:  &recordingJournal{},
		dir:      t.TempDir(),
	}
	f.mgr = NewManager(NewStore(), f.factory.New, Options{
		SessionDir:       f.dir,
		ProcessTagPrefix: "test",
		InitTimeout:      timeout,
	}, WithNotifier(f.notifier), WithReaper(f.reaper), WithJournal(f.journal))
	t.Cleanup(func() { _ = f.mgr.Shutdown(context.Background()) })
	return f
}

func (f *fixture) waitStatus(t *testing.T, tenantID string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.mgr.Status(tenantID).Status == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func (f *fixture) connect(t *testing.T, tenantID string) *fakeHandle {
	t.Helper()
	_, err := f.mgr.Initialize(context.Background(), tenantID)
	require.NoError(t, err)
	h := f.factory.last()
	h.mu.Lock()
	h.identity = "919876543210"
	h.mu.Unlock()
	h.events <- Event{Kind: EventReady}
	f.waitStatus(t, tenantID, StatusConnected)
	return h
}

func TestManagerPairingScenario(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	res, err := f.mgr.Initialize(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, res.Status)
	require.Equal(t, 1, f.factory.count())
	h := f.factory.last()
	assert.Equal(t, "test-u1", h.Tag())

	h.events <- Event{Kind: EventPairing, Payload: "2@pairing-payload"}
	f.waitStatus(t, "u1", StatusPairingReady)

	s := f.mgr.Status("u1")
	assert.True(t, s.QRAvailable())
	payload, err := f.mgr.PairingPayload("u1")
	require.NoError(t, err)
	assert.Equal(t, "2@pairing-payload", payload)
	assert.True(t, f.notifier.has(NotifyQRCode, "u1"))

	h.mu.Lock()
	h.identity = "919876543210"
	h.mu.Unlock()
	h.events <- Event{Kind: EventAuthenticated}
	h.events <- Event{Kind: EventReady}
	f.waitStatus(t, "u1", StatusConnected)

	s = f.mgr.Status("u1")
	assert.True(t, s.Connected())
	assert.Equal(t, "919876543210", s.PhoneNumber)
	_, err = f.mgr.PairingPayload("u1")
	assert.ErrorIs(t, err, ErrPairingUnavailable)
	assert.True(t, f.notifier.has(NotifyConnected, "u1"))

	res, err = f.mgr.Initialize(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyConnected)
	assert.Equal(t, 1, f.factory.count())
}

func TestManagerConcurrentInitializeCreatesOneHandle(t *testing.T) {
	f := newFixture(t, time.Minute)

	var wg sync.WaitGroup
	results := make([]InitResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.mgr.Initialize(context.Background(), "u1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.factory.count())
	for _, r := range results {
		assert.Equal(t, StatusInitializing, r.Status)
	}
}

func TestManagerInitializeWhilePairingReturnsCurrentStatus(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	f.factory.last().events <- Event{Kind: EventPairing, Payload: "qr"}
	f.waitStatus(t, "u1", StatusPairingReady)

	res, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusPairingReady, res.Status)
	assert.Equal(t, 1, f.factory.count())
}

func TestManagerDisconnectAlwaysCleans(t *testing.T) {
	f := newFixture(t, time.Minute)
	h := f.connect(t, "u1")
	h.mu.Lock()
	h.logoutErr = errors.New("logout exploded")
	h.mu.Unlock()

	credDir := filepath.Join(f.dir, "u1")
	require.DirExists(t, credDir)

	require.NoError(t, f.mgr.Disconnect(context.Background(), "u1"))

	s := f.mgr.Status("u1")
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.False(t, s.QRAvailable())
	assert.Empty(t, s.PhoneNumber)
	assert.NoDirExists(t, credDir)
	assert.Equal(t, 1, h.logouts)
	assert.Equal(t, 1, h.destroyed)
	assert.True(t, f.notifier.has(NotifyDisconnected, "u1"))
	_, tagged := f.reaper.tags.Load("test-u1")
	assert.True(t, tagged)

	// late events from the destroyed handle are ignored
	h.events <- Event{Kind: EventReady}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, f.mgr.Status("u1").Status)
}

func TestManagerDisconnectWithoutSession(t *testing.T) {
	f := newFixture(t, time.Minute)
	assert.NoError(t, f.mgr.Disconnect(context.Background(), "ghost"))
	assert.Equal(t, StatusDisconnected, f.mgr.Status("ghost").Status)

	assert.ErrorIs(t, f.mgr.Disconnect(context.Background(), ""), ErrMissingTenant)
	assert.ErrorIs(t, f.mgr.Disconnect(context.Background(), "../etc"), ErrInvalidTenant)
}

func TestManagerSendRequiresConnection(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	_, err := f.mgr.Send(ctx, SendRequest{TenantID: "u1", Number: "9876543210"})
	assert.ErrorIs(t, err, ErrMissingFields)

	_, err = f.mgr.Send(ctx, SendRequest{TenantID: "u1", Number: "9876543210", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = f.mgr.Initialize(ctx, "u1")
	require.NoError(t, err)
	h := f.factory.last()
	h.events <- Event{Kind: EventPairing, Payload: "qr"}
	f.waitStatus(t, "u1", StatusPairingReady)

	_, err = f.mgr.Send(ctx, SendRequest{TenantID: "u1", Number: "9876543210", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.sentCount())
}

func TestManagerSendNormalizesNumber(t *testing.T) {
	f := newFixture(t, time.Minute)
	h := f.connect(t, "u1")
	ctx := context.Background()

	res, err := f.mgr.Send(ctx, SendRequest{TenantID: "u1", Number: "9876543210", Message: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "919876543210", res.To)
	assert.Equal(t, "hi", res.Message)
	assert.Equal(t, "msg_1", res.Data.ID)

	res2, err := f.mgr.Send(ctx, SendRequest{TenantID: "u1", Number: "919876543210", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, res.To, res2.To)

	h.mu.Lock()
	assert.Equal(t, []string{"919876543210", "919876543210"}, h.sent)
	h.mu.Unlock()

	f.journal.mu.Lock()
	assert.Len(t, f.journal.sends, 2)
	assert.True(t, f.journal.sends[0].Success)
	f.journal.mu.Unlock()
}

func TestManagerSendRecipientChecks(t *testing.T) {
	f := newFixture(t, time.Minute)
	h := f.connect(t, "u1")
	ctx := context.Background()
	req := SendRequest{TenantID: "u1", Number: "9876543210", Message: "hi"}

	h.mu.Lock()
	h.registered = false
	h.mu.Unlock()
	_, err := f.mgr.Send(ctx, req)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, 0, h.sentCount())

	// a failing lookup does not block the send
	h.mu.Lock()
	h.registeredErr = errors.New("usync timeout")
	h.mu.Unlock()
	_, err = f.mgr.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.sentCount())

	h.mu.Lock()
	h.registeredErr = nil
	h.registered = true
	h.sendErr = errors.New("Evaluation failed: invalid wid")
	h.mu.Unlock()
	_, err = f.mgr.Send(ctx, req)
	assert.ErrorIs(t, err, ErrNotRegistered)

	h.mu.Lock()
	h.sendErr = errors.New("socket closed")
	h.mu.Unlock()
	_, err = f.mgr.Send(ctx, req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotRegistered)
}

func TestManagerLaunchFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.factory.err = errors.New("browser runtime missing")

	_, err := f.mgr.Initialize(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrHandleLaunch)

	s := f.mgr.Status("u1")
	assert.Equal(t, StatusError, s.Status)
	assert.False(t, s.Connected())
	assert.NoDirExists(t, filepath.Join(f.dir, "u1"))
	assert.True(t, f.notifier.has(NotifyAuthError, "u1"))

	// a retry is allowed once the runtime is back
	f.factory.err = nil
	res, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, res.Status)
}

func TestManagerStartFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.factory.prepare = func(h *fakeHandle) { h.startErr = errors.New("connect refused") }

	_, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	f.waitStatus(t, "u1", StatusError)
	assert.NoDirExists(t, filepath.Join(f.dir, "u1"))
}

func TestManagerAuthFailureTearsDown(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	h := f.factory.last()
	h.events <- Event{Kind: EventPairing, Payload: "qr"}
	f.waitStatus(t, "u1", StatusPairingReady)

	h.events <- Event{Kind: EventAuthFailure, Reason: "pairing rejected"}
	f.waitStatus(t, "u1", StatusAuthFailed)

	s := f.mgr.Status("u1")
	assert.Empty(t, s.PairingPayload)
	assert.Equal(t, "pairing rejected", s.LastReason)
	assert.NoDirExists(t, filepath.Join(f.dir, "u1"))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.destroyed == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRemoteDisconnect(t *testing.T) {
	f := newFixture(t, time.Minute)
	h := f.connect(t, "u1")

	h.events <- Event{Kind: EventDisconnected, Reason: "logged out"}
	f.waitStatus(t, "u1", StatusDisconnected)
	assert.Empty(t, f.mgr.Status("u1").PhoneNumber)
	assert.NoDirExists(t, filepath.Join(f.dir, "u1"))
	assert.True(t, f.notifier.has(NotifyDisconnected, "u1"))
}

func TestManagerInitTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	_, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	f.waitStatus(t, "u1", StatusError)
	assert.Equal(t, ErrInitTimeout.Error(), f.mgr.Status("u1").LastReason)

	res, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, res.Status)
	assert.Equal(t, 2, f.factory.count())
}

func TestManagerAuthenticatedStallTimesOut(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	_, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	h := f.factory.last()
	h.events <- Event{Kind: EventPairing, Payload: "2@pairing-payload"}
	f.waitStatus(t, "u1", StatusPairingReady)

	// the first deadline passes while the user is still scanning
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, StatusPairingReady, f.mgr.Status("u1").Status)

	h.events <- Event{Kind: EventAuthenticated}
	f.waitStatus(t, "u1", StatusError)
	assert.Equal(t, ErrInitTimeout.Error(), f.mgr.Status("u1").LastReason)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.destroyed == 1 && f.notifier.has(NotifyAuthError, "u1")
	}, time.Second, 5*time.Millisecond)

	res, err := f.mgr.Initialize(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, res.Status)
	assert.Equal(t, 2, f.factory.count())
}

func TestManagerTimeoutDoesNotAffectConnected(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.connect(t, "u1")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusConnected, f.mgr.Status("u1").Status)
}

func TestManagerTenantsAreIsolated(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect(t, "u1")
	_, err := f.mgr.Initialize(context.Background(), "u10")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Disconnect(context.Background(), "u10"))
	assert.Equal(t, StatusConnected, f.mgr.Status("u1").Status)
	assert.DirExists(t, filepath.Join(f.dir, "u1"))
	_, tagged := f.reaper.tags.Load("test-u1")
	assert.False(t, tagged)
}

func TestManagerHealthAndSessions(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.connect(t, "u1")
	f.mgr.Status("u2")

	report := f.mgr.Health()
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, 1, report.ConnectedSessions)
	assert.Equal(t, 2, report.TotalSessions)
	require.Len(t, report.Sessions, 1)
	assert.Equal(t, "u1", report.Sessions[0].TenantID)
	assert.Equal(t, "919876543210", report.Sessions[0].PhoneNumber)

	sessions := f.mgr.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, StatusDisconnected, sessions[1].Status)
}

func TestManagerRestore(t *testing.T) {
	f := newFixture(t, time.Minute)
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "u1"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "u2"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "stray.txt"), []byte("x"), 0o600))

	assert.Equal(t, 2, f.mgr.Restore(context.Background()))
	assert.Equal(t, 2, f.factory.count())
	assert.Equal(t, StatusInitializing, f.mgr.Status("u1").Status)
}

func TestManagerShutdownKeepsCredentials(t *testing.T) {
	f := newFixture(t, time.Minute)
	h := f.connect(t, "u1")

	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.DirExists(t, filepath.Join(f.dir, "u1"))
	assert.Equal(t, StatusDisconnected, f.mgr.Status("u1").Status)
	h.mu.Lock()
	assert.Equal(t, 1, h.destroyed)
	assert.Equal(t, 0, h.logouts)
	h.mu.Unlock()
}
