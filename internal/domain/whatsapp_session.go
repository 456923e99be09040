package domain

import "time"

// WhatsAppSession is the last known state of a tenant's session. The live
// state is held in memory; this row survives restarts for the admin console.
type WhatsAppSession struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	TenantID    string    `json:"tenant_id" gorm:"uniqueIndex;size:128"`
	Status      string    `json:"status" gorm:"index"`
	PhoneNumber string    `json:"phone_number"`
	LastReason  string    `json:"last_reason"`
	ConnectedAt time.Time `json:"connected_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_session"
}
