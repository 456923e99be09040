package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/webserver"
	"gorm.io/gorm"
)

// exportLimit caps the rows written by a single CSV export.
const exportLimit = 50000

func registerMessageRoutes() {
	webserver.ApiGET("/admin/messages", listMessages, webserver.RequireAdmin)
	webserver.ApiGET("/admin/messages/export", exportMessages, webserver.RequireAdmin)
}

// messageQuery applies the tenantId, status, since and until filters.
func messageQuery(c echo.Context) (*gorm.DB, error) {
	db := GetDB(c).Model(&domain.MessageLog{})
	if tenantID := strings.TrimSpace(c.QueryParam("tenantId")); tenantID != "" {
		db = db.Where("tenant_id = ?", tenantID)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}
	if since := strings.TrimSpace(c.QueryParam("since")); since != "" {
		t, err := dateparse.ParseLocal(since)
		if err != nil {
			return nil, fmt.Errorf("invalid since: %w", err)
		}
		db = db.Where("sent_at >= ?", t)
	}
	if until := strings.TrimSpace(c.QueryParam("until")); until != "" {
		t, err := dateparse.ParseLocal(until)
		if err != nil {
			return nil, fmt.Errorf("invalid until: %w", err)
		}
		db = db.Where("sent_at <= ?", t)
	}
	return db, nil
}

func listMessages(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db, err := messageQuery(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	var rows []domain.MessageLog
	if err := db.Order("sent_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func exportMessages(c echo.Context) error {
	db, err := messageQuery(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil)
	}
	var rows []domain.MessageLog
	if err := db.Order("sent_at DESC").Limit(exportLimit).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}
	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export messages", err.Error())
	}
	filename := fmt.Sprintf("messages-%s.csv", time.Now().Format("20060102150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", out)
}
