package whatsapp

import "time"

// SendRecord is the outcome of one send attempt.
type SendRecord struct {
	TenantID  string
	To        string
	Message   string
	MessageID string
	Success   bool
	Error     string
	SentAt    time.Time
}

// Journal persists lifecycle transitions and send outcomes. Failures are the
// implementation's to log; the manager never waits on them.
type Journal interface {
	RecordTransition(s Session)
	RecordSend(r SendRecord)
}

type nopJournal struct{}

func (nopJournal) RecordTransition(Session) {}
func (nopJournal) RecordSend(SendRecord)    {}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
