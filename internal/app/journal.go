package app

import (
	"time"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// SessionJournal persists session transitions and send outcomes.
type SessionJournal struct {
	app AppContext
}

var _ whatsapp.Journal = (*SessionJournal)(nil)

func NewSessionJournal(app AppContext) *SessionJournal {
	return &SessionJournal{app: app}
}

func (j *SessionJournal) RecordTransition(s whatsapp.Session) {
	row := domain.WhatsAppSession{
		ID:          j.app.NextID(),
		TenantID:    s.TenantID,
		Status:      string(s.Status),
		PhoneNumber: s.PhoneNumber,
		LastReason:  s.LastReason,
		CreatedAt:   time.Now(),
		UpdatedAt:   s.UpdatedAt,
	}
	columns := []string{"status", "phone_number", "last_reason", "updated_at"}
	if s.Status == whatsapp.StatusConnected {
		row.ConnectedAt = s.UpdatedAt
		columns = append(columns, "connected_at")
	}
	err := j.app.DB().Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
	if err != nil {
		zap.L().Warn("app: journal transition failed", zap.String("tenant_id", s.TenantID), zap.Error(err))
	}
}

func (j *SessionJournal) RecordSend(r whatsapp.SendRecord) {
	status := domain.MessageStatusSent
	if !r.Success {
		status = domain.MessageStatusFailed
	}
	err := j.app.DB().Create(&domain.MessageLog{
		ID:        j.app.NextID(),
		TenantID:  r.TenantID,
		Recipient: r.To,
		Message:   r.Message,
		MessageID: r.MessageID,
		Status:    status,
		Error:     r.Error,
		SentAt:    r.SentAt,
		CreatedAt: time.Now(),
	}).Error
	if err != nil {
		zap.L().Warn("app: journal send failed", zap.String("tenant_id", r.TenantID), zap.Error(err))
	}
}

// StoredSessions returns the persisted session rows, newest first.
func (j *SessionJournal) StoredSessions() ([]domain.WhatsAppSession, error) {
	var rows []domain.WhatsAppSession
	err := j.app.DB().Order("updated_at DESC").Find(&rows).Error
	return rows, err
}
