package adminapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/metrics"
)

// MetricConnectedSessions is sampled by the scheduler from the manager.
const MetricConnectedSessions = "whatsapp_connected_sessions"

func registerMetricsRoutes() {
	webserver.ApiGET("/admin/metrics", getMetrics, webserver.RequireAdmin)
}

func getMetrics(c echo.Context) error {
	name := strings.TrimSpace(c.QueryParam("name"))
	if name == "" {
		return ok(c, map[string]interface{}{
			whatsapp.MetricMessagesSent:   metrics.Counter(whatsapp.MetricMessagesSent),
			whatsapp.MetricMessagesFailed: metrics.Counter(whatsapp.MetricMessagesFailed),
			MetricConnectedSessions:       GetManager(c).ConnectedCount(),
		})
	}
	minutes := 60
	if m, err := strconv.Atoi(c.QueryParam("minutes")); err == nil && m > 0 && m <= 7*24*60 {
		minutes = m
	}
	points, err := metrics.Query(name, time.Now().Add(-time.Duration(minutes)*time.Minute))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metrics", err.Error())
	}
	return ok(c, map[string]interface{}{"name": name, "points": points})
}
