package domain

import "time"

// MessageLog is one outbound send attempt.
type MessageLog struct {
	ID        int64     `json:"id,string" csv:"id" gorm:"primaryKey"`
	TenantID  string    `json:"tenant_id" csv:"tenant_id" gorm:"index;size:128"`
	Recipient string    `json:"recipient" csv:"recipient"`
	Message   string    `json:"message" csv:"message"`
	MessageID string    `json:"message_id" csv:"message_id"`
	Status    string    `json:"status" csv:"status" gorm:"index"` // sent, failed
	Error     string    `json:"error" csv:"error"`
	SentAt    time.Time `json:"sent_at" csv:"sent_at" gorm:"index"`
	CreatedAt time.Time `json:"created_at" csv:"-"`
}

func (MessageLog) TableName() string {
	return "message_log"
}

const (
	MessageStatusSent   = "sent"
	MessageStatusFailed = "failed"
)
