package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MetricMessagesSent   = "whatsapp_messages_sent"
	MetricMessagesFailed = "whatsapp_messages_failed"

	logoutTimeout = 10 * time.Second
	reapTimeout   = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	// SessionDir holds one credential directory per tenant.
	SessionDir       string
	ProcessTagPrefix string
	InitTimeout      time.Duration
	PrintQR          bool
	// CountryCode and VerifyRecipient are read on every send so runtime
	// settings changes take effect without a restart.
	CountryCode     func() string
	VerifyRecipient func() bool
}

// Option sets an optional collaborator of the Manager.
type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithReaper(r Reaper) Option {
	return func(m *Manager) { m.reaper = r }
}

func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

type tenantHandle struct {
	handle Handle
	gen    uint64
	cancel context.CancelFunc
	timer  *time.Timer
	done   chan struct{}
}

func (th *tenantHandle) stop() {
	if th.timer != nil {
		th.timer.Stop()
	}
	th.cancel()
}

// armInitTimer (re)starts the deadline for the handle to reach connected.
func (m *Manager) armInitTimer(tenantID string, th *tenantHandle) {
	if th.timer != nil {
		th.timer.Stop()
	}
	gen := th.gen
	th.timer = time.AfterFunc(m.opts.InitTimeout, func() { m.onInitTimeout(tenantID, gen) })
}

// Manager owns every tenant's session and handle. It is the only writer of
// the Store.
type Manager struct {
	store    *Store
	guard    *guard
	locks    *tenantLocks
	factory  HandleFactory
	notifier Notifier
	reaper   Reaper
	journal  Journal
	opts     Options

	mu      sync.Mutex
	handles map[string]*tenantHandle
	gen     uint64

	startedAt time.Time
}

func NewManager(store *Store, factory HandleFactory, opts Options, options ...Option) *Manager {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 45 * time.Second
	}
	if opts.CountryCode == nil {
		opts.CountryCode = func() string { return "91" }
	}
	if opts.VerifyRecipient == nil {
		opts.VerifyRecipient = func() bool { return true }
	}
	m := &Manager{
		store:     store,
		guard:     newGuard(),
		locks:     newTenantLocks(),
		factory:   factory,
		notifier:  nopNotifier{},
		journal:   nopJournal{},
		opts:      opts,
		handles:   make(map[string]*tenantHandle),
		startedAt: time.Now(),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// InitResult is the outcome of an Initialize call.
type InitResult struct {
	Status           Status `json:"status"`
	AlreadyConnected bool   `json:"alreadyConnected,omitempty"`
}

// ValidateTenant rejects ids that cannot safely name a credential directory.
func ValidateTenant(tenantID string) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	if tenantID == "." || tenantID == ".." || len(tenantID) > 128 ||
		strings.ContainsAny(tenantID, `/\`+"\x00") {
		return ErrInvalidTenant
	}
	return nil
}

func (m *Manager) credentialDir(tenantID string) string {
	return filepath.Join(m.opts.SessionDir, tenantID)
}

func (m *Manager) current(tenantID string) *tenantHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[tenantID]
}

// takeHandle detaches the tenant's handle so its events are ignored from now on.
func (m *Manager) takeHandle(tenantID string) *tenantHandle {
	m.mu.Lock()
	th, ok := m.handles[tenantID]
	delete(m.handles, tenantID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	th.stop()
	close(th.done)
	return th
}

// Initialize starts a new handle for the tenant unless one is already
// connected or in flight, in which case the current status is returned.
func (m *Manager) Initialize(ctx context.Context, tenantID string) (InitResult, error) {
	if err := ValidateTenant(tenantID); err != nil {
		return InitResult{}, err
	}
	unlock := m.locks.lock(tenantID)
	defer unlock()

	cur := m.store.Get(tenantID)
	if cur.Status == StatusConnected {
		return InitResult{Status: cur.Status, AlreadyConnected: true}, nil
	}
	if cur.Status.InFlight() || !m.guard.TryAcquire(tenantID) {
		zap.L().Info("whatsapp: initialize already in flight",
			zap.String("tenant_id", tenantID), zap.String("status", string(cur.Status)))
		return InitResult{Status: cur.Status}, nil
	}

	if prev := m.takeHandle(tenantID); prev != nil {
		m.destroy(tenantID, prev.handle)
	}

	next, _ := Apply(cur, Event{Kind: EventInitStarted, At: time.Now()})
	m.commit(next)

	h, err := m.factory(tenantID, HandleOptions{
		CredentialDir: m.credentialDir(tenantID),
		Tag:           ProcessTag(m.opts.ProcessTagPrefix, tenantID),
		PrintQR:       m.opts.PrintQR,
	})
	if err != nil {
		zap.L().Error("whatsapp: handle construction failed", zap.String("tenant_id", tenantID), zap.Error(err))
		failed, _ := Apply(next, Event{Kind: EventFailure, Reason: err.Error(), At: time.Now()})
		m.teardownLocked(tenantID, failed)
		m.notify(NotifyAuthError, tenantID, map[string]interface{}{"status": failed.Status, "reason": failed.LastReason})
		return InitResult{Status: StatusError}, fmt.Errorf("%w: %v", ErrHandleLaunch, err)
	}

	attemptCtx, cancel := context.WithTimeout(context.Background(), m.opts.InitTimeout)
	m.mu.Lock()
	m.gen++
	th := &tenantHandle{handle: h, gen: m.gen, cancel: cancel, done: make(chan struct{})}
	m.handles[tenantID] = th
	m.mu.Unlock()

	m.armInitTimer(tenantID, th)
	go m.pump(tenantID, th)
	go m.launch(attemptCtx, tenantID, th)

	zap.L().Info("whatsapp: initializing session", zap.String("tenant_id", tenantID), zap.Uint64("gen", th.gen))
	return InitResult{Status: next.Status}, nil
}

func (m *Manager) launch(ctx context.Context, tenantID string, th *tenantHandle) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("whatsapp: handle start panic", zap.String("tenant_id", tenantID), zap.Any("panic", r))
			m.handleEvent(tenantID, th.gen, Event{Kind: EventFailure, Reason: fmt.Sprint(r)})
		}
	}()
	if err := th.handle.Start(ctx); err != nil {
		zap.L().Error("whatsapp: handle start failed", zap.String("tenant_id", tenantID), zap.Error(err))
		m.handleEvent(tenantID, th.gen, Event{Kind: EventFailure, Reason: fmt.Sprintf("%s: %v", ErrHandleLaunch, err)})
	}
}

// pump applies the handle's events in the order they were emitted.
func (m *Manager) pump(tenantID string, th *tenantHandle) {
	events := th.handle.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(tenantID, th.gen, ev)
		case <-th.done:
			return
		}
	}
}

func (m *Manager) onInitTimeout(tenantID string, gen uint64) {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	th := m.current(tenantID)
	if th == nil || th.gen != gen {
		return
	}
	cur := m.store.Get(tenantID)
	if cur.Status != StatusInitializing && cur.Status != StatusAuthenticated {
		return
	}
	zap.L().Warn("whatsapp: initialization timed out",
		zap.String("tenant_id", tenantID), zap.Duration("timeout", m.opts.InitTimeout))
	m.applyLocked(tenantID, th, Event{Kind: EventFailure, Reason: ErrInitTimeout.Error(), At: time.Now()})
}

func (m *Manager) handleEvent(tenantID string, gen uint64, ev Event) {
	unlock := m.locks.lock(tenantID)
	defer unlock()

	th := m.current(tenantID)
	if th == nil || th.gen != gen {
		zap.L().Debug("whatsapp: dropping event from stale handle",
			zap.String("tenant_id", tenantID), zap.Stringer("event", ev.Kind))
		return
	}
	m.applyLocked(tenantID, th, ev)
}

func (m *Manager) applyLocked(tenantID string, th *tenantHandle, ev Event) {
	cur := m.store.Get(tenantID)
	next, ok := Apply(cur, ev)
	if !ok {
		zap.L().Debug("whatsapp: ignoring event",
			zap.String("tenant_id", tenantID),
			zap.Stringer("event", ev.Kind),
			zap.String("status", string(cur.Status)))
		return
	}

	switch next.Status {
	case StatusPairingReady:
		m.guard.Release(tenantID)
		m.commit(next)
		zap.L().Info("whatsapp: pairing payload ready",
			zap.String("tenant_id", tenantID), zap.Int("payload_len", len(next.PairingPayload)))
		m.notify(NotifyQRCode, tenantID, map[string]interface{}{"qr": next.PairingPayload})
	case StatusAuthenticated:
		// The pairing window may have used up the first deadline.
		m.armInitTimer(tenantID, th)
		m.commit(next)
	case StatusConnected:
		if next.PhoneNumber == "" {
			next.PhoneNumber = th.handle.Identity()
		}
		th.stop()
		m.guard.Release(tenantID)
		m.commit(next)
		zap.L().Info("whatsapp: session connected",
			zap.String("tenant_id", tenantID), zap.String("phone", next.PhoneNumber))
		m.notify(NotifyConnected, tenantID, map[string]interface{}{"phoneNumber": next.PhoneNumber})
	case StatusAuthFailed, StatusError:
		zap.L().Warn("whatsapp: session failed",
			zap.String("tenant_id", tenantID),
			zap.String("status", string(next.Status)),
			zap.String("reason", next.LastReason))
		m.teardownLocked(tenantID, next)
		m.notify(NotifyAuthError, tenantID, map[string]interface{}{"status": next.Status, "reason": next.LastReason})
	case StatusDisconnected:
		zap.L().Info("whatsapp: session disconnected",
			zap.String("tenant_id", tenantID), zap.String("reason", next.LastReason))
		m.teardownLocked(tenantID, next)
		m.notify(NotifyDisconnected, tenantID, map[string]interface{}{"reason": next.LastReason})
	default:
		m.commit(next)
	}
}

// teardownLocked releases everything the tenant holds. Every step runs even
// when an earlier one fails. The final session keeps only the status and
// reason of final.
func (m *Manager) teardownLocked(tenantID string, final Session) {
	if th := m.takeHandle(tenantID); th != nil {
		m.destroy(tenantID, th.handle)
	}
	if m.reaper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		n, err := m.reaper.Reap(ctx, ProcessTag(m.opts.ProcessTagPrefix, tenantID))
		cancel()
		if err != nil {
			zap.L().Warn("whatsapp: reap tagged processes failed", zap.String("tenant_id", tenantID), zap.Error(err))
		} else if n > 0 {
			zap.L().Info("whatsapp: reaped tagged processes", zap.String("tenant_id", tenantID), zap.Int("count", n))
		}
	}
	if err := os.RemoveAll(m.credentialDir(tenantID)); err != nil {
		zap.L().Warn("whatsapp: remove credential dir failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	m.guard.Release(tenantID)

	reset := newSession(tenantID)
	if final.Status == StatusAuthFailed || final.Status == StatusError {
		reset.Status = final.Status
	}
	reset.LastReason = final.LastReason
	m.commit(reset)
}

func (m *Manager) destroy(tenantID string, h Handle) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("whatsapp: handle destroy panic", zap.String("tenant_id", tenantID), zap.Any("panic", r))
		}
	}()
	if err := h.Destroy(); err != nil {
		zap.L().Warn("whatsapp: handle destroy failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (m *Manager) logout(ctx context.Context, tenantID string, h Handle) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("whatsapp: handle logout panic", zap.String("tenant_id", tenantID), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()
	if err := h.Logout(ctx); err != nil {
		zap.L().Warn("whatsapp: logout failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (m *Manager) commit(s Session) {
	m.store.Put(s)
	m.journal.RecordTransition(s)
	m.notify(NotifyStatus, s.TenantID, StatusData(s))
}

func (m *Manager) notify(event, tenantID string, data map[string]interface{}) {
	m.notifier.Notify(Notification{Event: event, TenantID: tenantID, Data: data})
}

// StatusData is the public view of a session.
func StatusData(s Session) map[string]interface{} {
	data := map[string]interface{}{
		"status":      s.Status,
		"connected":   s.Connected(),
		"qrAvailable": s.QRAvailable(),
	}
	if s.PhoneNumber != "" {
		data["phoneNumber"] = s.PhoneNumber
	}
	if s.LastReason != "" {
		data["reason"] = s.LastReason
	}
	return data
}

// Disconnect logs the tenant out and tears the session down. It succeeds for
// any valid tenant id, including one with no session.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if err := ValidateTenant(tenantID); err != nil {
		return err
	}
	unlock := m.locks.lock(tenantID)
	defer unlock()

	if th := m.current(tenantID); th != nil {
		m.logout(ctx, tenantID, th.handle)
	}
	m.teardownLocked(tenantID, Session{Status: StatusDisconnected, LastReason: "disconnected by request"})
	m.notify(NotifyDisconnected, tenantID, map[string]interface{}{"reason": "user_request"})
	zap.L().Info("whatsapp: session disconnected by request", zap.String("tenant_id", tenantID))
	return nil
}

// Status returns the tenant's session, creating a disconnected one on first use.
func (m *Manager) Status(tenantID string) Session {
	return m.store.Get(tenantID)
}

func (m *Manager) PairingPayload(tenantID string) (string, error) {
	s := m.store.Get(tenantID)
	if s.Status != StatusPairingReady || s.PairingPayload == "" {
		return "", ErrPairingUnavailable
	}
	return s.PairingPayload, nil
}

// SendRequest is an outbound text message.
type SendRequest struct {
	TenantID string `json:"tenantId"`
	Number   string `json:"number"`
	Message  string `json:"message"`
}

// SendResult is the envelope returned for a delivered message.
type SendResult struct {
	Success bool        `json:"success"`
	To      string      `json:"to"`
	Message string      `json:"message"`
	Data    SendReceipt `json:"data"`
}

// Send delivers a text message through the tenant's connected handle.
func (m *Manager) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.Number) == "" || req.Message == "" {
		return SendResult{}, ErrMissingFields
	}
	if err := ValidateTenant(req.TenantID); err != nil {
		return SendResult{}, err
	}
	sess := m.store.Get(req.TenantID)
	th := m.current(req.TenantID)
	if sess.Status != StatusConnected || th == nil {
		return SendResult{}, ErrNotConnected
	}

	to, err := NormalizeNumber(req.Number, m.opts.CountryCode())
	if err != nil {
		return SendResult{}, err
	}
	record := SendRecord{TenantID: req.TenantID, To: to, Message: req.Message, SentAt: time.Now()}

	if m.opts.VerifyRecipient() {
		registered, err := th.handle.IsRegistered(ctx, to)
		switch {
		case err != nil:
			zap.L().Warn("whatsapp: recipient check failed, sending anyway",
				zap.String("tenant_id", req.TenantID), zap.String("to", to), zap.Error(err))
		case !registered:
			m.sendFailed(record, ErrNotRegistered)
			return SendResult{}, ErrNotRegistered
		}
	}

	receipt, err := th.handle.Send(ctx, to, req.Message)
	if err != nil {
		m.sendFailed(record, err)
		if isNotRegistered(err) {
			return SendResult{}, ErrNotRegistered
		}
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}
	if receipt.Timestamp.IsZero() {
		receipt.Timestamp = time.Now()
	}

	record.Success = true
	record.MessageID = receipt.ID
	record.SentAt = receipt.Timestamp
	m.journal.RecordSend(record)
	metrics.Incr(MetricMessagesSent, 1)
	zap.L().Info("whatsapp: message sent",
		zap.String("tenant_id", req.TenantID), zap.String("to", to), zap.String("id", receipt.ID))

	return SendResult{Success: true, To: to, Message: req.Message, Data: receipt}, nil
}

func (m *Manager) sendFailed(record SendRecord, err error) {
	record.Error = err.Error()
	m.journal.RecordSend(record)
	metrics.Incr(MetricMessagesFailed, 1)
	zap.L().Warn("whatsapp: send failed",
		zap.String("tenant_id", record.TenantID), zap.String("to", record.To), zap.Error(err))
}

func isNotRegistered(err error) bool {
	if errors.Is(err, ErrNotRegistered) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not registered") || strings.Contains(msg, "invalid wid")
}

// ConnectedSession identifies one connected tenant in a HealthReport.
type ConnectedSession struct {
	TenantID    string `json:"tenantId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type HealthReport struct {
	Status            string             `json:"status"`
	ConnectedSessions int                `json:"connectedSessions"`
	TotalSessions     int                `json:"totalSessions"`
	Sessions          []ConnectedSession `json:"sessions"`
	Uptime            float64            `json:"uptime"`
	StartedAt         time.Time          `json:"startedAt"`
}

func (m *Manager) Health() HealthReport {
	all := m.store.List()
	report := HealthReport{
		Status:        "ok",
		TotalSessions: len(all),
		Sessions:      []ConnectedSession{},
		Uptime:        time.Since(m.startedAt).Seconds(),
		StartedAt:     m.startedAt,
	}
	for _, s := range all {
		if s.Connected() {
			report.Sessions = append(report.Sessions, ConnectedSession{TenantID: s.TenantID, PhoneNumber: s.PhoneNumber})
		}
	}
	report.ConnectedSessions = len(report.Sessions)
	return report
}

// Sessions lists every known session regardless of status.
func (m *Manager) Sessions() []Session {
	return m.store.List()
}

// ConnectedCount is the number of sessions currently connected.
func (m *Manager) ConnectedCount() int {
	return m.store.CountConnected()
}

// Restore re-initializes every tenant that still has a credential directory,
// so previously paired accounts reconnect without scanning again.
func (m *Manager) Restore(ctx context.Context) int {
	entries, err := os.ReadDir(m.opts.SessionDir)
	if err != nil {
		if !os.IsNotExist(err) {
			zap.L().Warn("whatsapp: read session dir failed", zap.String("dir", m.opts.SessionDir), zap.Error(err))
		}
		return 0
	}
	restored := 0
	for _, e := range entries {
		if !e.IsDir() || ValidateTenant(e.Name()) != nil {
			continue
		}
		if _, err := m.Initialize(ctx, e.Name()); err != nil {
			zap.L().Warn("whatsapp: restore session failed", zap.String("tenant_id", e.Name()), zap.Error(err))
			continue
		}
		restored++
	}
	zap.L().Info("whatsapp: restored sessions", zap.Int("count", restored))
	return restored
}

// Shutdown closes every handle in parallel. Credentials are kept so the
// sessions can be restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tenants := make([]string, 0, len(m.handles))
	for id := range m.handles {
		tenants = append(tenants, id)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range tenants {
		tenantID := id
		g.Go(func() error {
			unlock := m.locks.lock(tenantID)
			defer unlock()
			if th := m.takeHandle(tenantID); th != nil {
				m.destroy(tenantID, th.handle)
			}
			m.guard.Release(tenantID)
			s := newSession(tenantID)
			s.LastReason = "shutdown"
			m.store.Put(s)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		zap.L().Info("whatsapp: all sessions closed", zap.Int("count", len(tenants)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
