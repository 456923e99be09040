package whatsapp

import "time"

// Status is the lifecycle state of one tenant's session.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusInitializing  Status = "initializing"
	StatusPairingReady  Status = "pairing_ready"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusAuthFailed    Status = "auth_failed"
	StatusError         Status = "error"
)

// InFlight reports whether an initialization attempt is still running for this status.
func (s Status) InFlight() bool {
	return s == StatusInitializing || s == StatusPairingReady || s == StatusAuthenticated
}

// Session is the in-memory record of a tenant's connection.
type Session struct {
	TenantID       string    `json:"tenantId"`
	Status         Status    `json:"status"`
	PairingPayload string    `json:"-"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	LastReason     string    `json:"lastReason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Connected is true for connected and authenticated sessions.
func (s Session) Connected() bool {
	return s.Status == StatusConnected || s.Status == StatusAuthenticated
}

func (s Session) QRAvailable() bool {
	return s.PairingPayload != ""
}

func newSession(tenantID string) Session {
	return Session{TenantID: tenantID, Status: StatusDisconnected, UpdatedAt: time.Now()}
}

// EventKind identifies a lifecycle signal applied to a session.
type EventKind int

const (
	EventInitStarted EventKind = iota
	EventPairing
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventInitStarted:
		return "init_started"
	case EventPairing:
		return "pairing"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventFailure:
		return "failure"
	}
	return "unknown"
}

// Event is a lifecycle signal, either emitted by a handle or synthesized by the manager.
type Event struct {
	Kind    EventKind
	Payload string // pairing payload for EventPairing
	Phone   string // resolved identity for EventReady
	Reason  string
	At      time.Time
}

// Apply computes the session that results from ev. It performs no I/O.
// The second return value is false when ev is not a valid transition from
// the current status, in which case the session is returned unchanged.
func Apply(s Session, ev Event) (Session, bool) {
	next := s
	switch ev.Kind {
	case EventInitStarted:
		next.Status = StatusInitializing
		next.LastReason = ""
	case EventPairing:
		if s.Status != StatusInitializing && s.Status != StatusPairingReady {
			return s, false
		}
		next.Status = StatusPairingReady
		next.PairingPayload = ev.Payload
	case EventAuthenticated:
		if s.Status != StatusInitializing && s.Status != StatusPairingReady {
			return s, false
		}
		next.Status = StatusAuthenticated
	case EventReady:
		if !s.Status.InFlight() && s.Status != StatusConnected {
			return s, false
		}
		next.Status = StatusConnected
		next.PhoneNumber = ev.Phone
		next.LastReason = ""
	case EventAuthFailure:
		next.Status = StatusAuthFailed
		next.LastReason = ev.Reason
	case EventFailure:
		next.Status = StatusError
		next.LastReason = ev.Reason
	case EventDisconnected:
		next.Status = StatusDisconnected
		next.LastReason = ev.Reason
	default:
		return s, false
	}

	if next.Status != StatusPairingReady {
		next.PairingPayload = ""
	}
	if next.Status != StatusConnected {
		next.PhoneNumber = ""
	}
	next.UpdatedAt = ev.At
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now()
	}
	return next, true
}
