package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyPairingFlow(t *testing.T) {
	s := newSession("u1")

	s, ok := Apply(s, Event{Kind: EventInitStarted})
	assert.True(t, ok)
	assert.Equal(t, StatusInitializing, s.Status)

	s, ok = Apply(s, Event{Kind: EventPairing, Payload: "qr-1"})
	assert.True(t, ok)
	assert.Equal(t, StatusPairingReady, s.Status)
	assert.True(t, s.QRAvailable())
	assert.False(t, s.Connected())

	// a refreshed code replaces the old one
	s, _ = Apply(s, Event{Kind: EventPairing, Payload: "qr-2"})
	assert.Equal(t, "qr-2", s.PairingPayload)

	s, ok = Apply(s, Event{Kind: EventAuthenticated})
	assert.True(t, ok)
	assert.Equal(t, StatusAuthenticated, s.Status)
	assert.Empty(t, s.PairingPayload)
	assert.True(t, s.Connected())

	s, ok = Apply(s, Event{Kind: EventReady, Phone: "919876543210"})
	assert.True(t, ok)
	assert.Equal(t, StatusConnected, s.Status)
	assert.Equal(t, "919876543210", s.PhoneNumber)
	assert.True(t, s.Connected())
}

func TestApplyReadyFromCachedCredentials(t *testing.T) {
	s, _ := Apply(newSession("u1"), Event{Kind: EventInitStarted})
	s, ok := Apply(s, Event{Kind: EventReady})
	assert.True(t, ok)
	assert.Equal(t, StatusConnected, s.Status)
	assert.Empty(t, s.PhoneNumber)
}

func TestApplyRejectsInvalidTransitions(t *testing.T) {
	s := newSession("u1")

	_, ok := Apply(s, Event{Kind: EventPairing, Payload: "qr"})
	assert.False(t, ok)
	_, ok = Apply(s, Event{Kind: EventReady})
	assert.False(t, ok)
	_, ok = Apply(s, Event{Kind: EventAuthenticated})
	assert.False(t, ok)

	connected := Session{TenantID: "u1", Status: StatusConnected, PhoneNumber: "91"}
	next, ok := Apply(connected, Event{Kind: EventPairing, Payload: "qr"})
	assert.False(t, ok)
	assert.Equal(t, connected, next)
}

func TestApplyFailureClearsFields(t *testing.T) {
	pairing := Session{TenantID: "u1", Status: StatusPairingReady, PairingPayload: "qr"}
	s, ok := Apply(pairing, Event{Kind: EventAuthFailure, Reason: "rejected"})
	assert.True(t, ok)
	assert.Equal(t, StatusAuthFailed, s.Status)
	assert.Empty(t, s.PairingPayload)
	assert.Equal(t, "rejected", s.LastReason)

	connected := Session{TenantID: "u1", Status: StatusConnected, PhoneNumber: "919876543210"}
	s, _ = Apply(connected, Event{Kind: EventDisconnected, Reason: "logged out"})
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Empty(t, s.PhoneNumber)
	assert.False(t, s.QRAvailable())

	s, _ = Apply(connected, Event{Kind: EventFailure, Reason: "boom"})
	assert.Equal(t, StatusError, s.Status)
	assert.Empty(t, s.PhoneNumber)
}

func TestApplyStampsTime(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s, _ := Apply(newSession("u1"), Event{Kind: EventInitStarted, At: at})
	assert.Equal(t, at, s.UpdatedAt)
}
