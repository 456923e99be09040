package adminapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
)

func registerSessionRoutes() {
	webserver.ApiGET("/admin/sessions", listSessions, webserver.RequireAdmin)
	webserver.ApiGET("/admin/sessions/history", listStoredSessions, webserver.RequireAdmin)
	webserver.ApiPOST("/admin/sessions/:tenantId/disconnect", adminDisconnect, webserver.RequireAdmin)
}

type sessionView struct {
	TenantID    string          `json:"tenantId"`
	Status      whatsapp.Status `json:"status"`
	Connected   bool            `json:"connected"`
	QRAvailable bool            `json:"qrAvailable"`
	PhoneNumber string          `json:"phoneNumber,omitempty"`
	LastReason  string          `json:"reason,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// listSessions lists every live session regardless of status.
func listSessions(c echo.Context) error {
	sessions := GetManager(c).Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			TenantID:    s.TenantID,
			Status:      s.Status,
			Connected:   s.Connected(),
			QRAvailable: s.QRAvailable(),
			PhoneNumber: s.PhoneNumber,
			LastReason:  s.LastReason,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"total":    len(views),
		"sessions": views,
	})
}

// listStoredSessions pages through the persisted last-known state of each tenant,
// including tenants that have not been seen since the last restart.
func listStoredSessions(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.WhatsAppSession{})
	if status := c.QueryParam("status"); status != "" {
		db = db.Where("status = ?", status)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query sessions", err.Error())
	}
	var rows []domain.WhatsAppSession
	if err := db.Order("updated_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query sessions", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func adminDisconnect(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if err := GetManager(c).Disconnect(c.Request().Context(), tenantID); err != nil {
		return gatewayError(c, err)
	}
	GetAppContext(c).AddOprLog(operator(c), c.RealIP(), "session_disconnect",
		fmt.Sprintf("forced disconnect of tenant %s", tenantID))
	return ok(c, map[string]interface{}{"tenantId": tenantID, "status": whatsapp.StatusDisconnected})
}
