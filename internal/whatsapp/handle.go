package whatsapp

import (
	"context"
	"fmt"
	"time"
)

// Handle is one tenant's live WhatsApp client. A handle reports its
// lifecycle on Events() and is owned by exactly one session.
type Handle interface {
	// Start launches the client. Lifecycle signals arrive on Events() afterwards.
	Start(ctx context.Context) error
	Events() <-chan Event
	// Identity is the resolved phone number of the paired account, or "" if unknown.
	Identity() string
	IsRegistered(ctx context.Context, number string) (bool, error)
	Send(ctx context.Context, number, text string) (SendReceipt, error)
	Logout(ctx context.Context) error
	// Destroy releases the client. It is safe to call more than once.
	Destroy() error
	// Tag identifies OS processes that belong to this handle.
	Tag() string
}

// SendReceipt is what the remote service returns for an accepted message.
type SendReceipt struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleOptions are passed to a HandleFactory for every new handle.
type HandleOptions struct {
	// CredentialDir is the tenant's private credential cache directory.
	CredentialDir string
	Tag           string
	PrintQR       bool
}

// HandleFactory constructs a handle for a tenant. Construction failures
// are reported synchronously.
type HandleFactory func(tenantID string, opts HandleOptions) (Handle, error)

// ProcessTag builds the tenant scoped tag used to find leftover processes.
func ProcessTag(prefix, tenantID string) string {
	if prefix == "" {
		prefix = "wagate-session"
	}
	return fmt.Sprintf("%s-%s", prefix, tenantID)
}

// emit delivers ev unless the handle has been closed.
func emit(ch chan<- Event, done <-chan struct{}, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case ch <- ev:
	case <-done:
	}
}
