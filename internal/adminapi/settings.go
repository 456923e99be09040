package adminapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/webserver"
)

func registerSettingsRoutes() {
	webserver.ApiGET("/admin/settings", getSettings, webserver.RequireAdmin)
	webserver.ApiPUT("/admin/settings", putSettings, webserver.RequireAdmin)
}

func getSettings(c echo.Context) error {
	return ok(c, GetAppContext(c).ConfigMgr().All())
}

// putSettings accepts a flat {"category.name": value} object.
func putSettings(c echo.Context) error {
	var payload map[string]interface{}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse settings", err.Error())
	}
	if len(payload) == 0 {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "No settings supplied", nil)
	}
	appCtx := GetAppContext(c)
	if err := appCtx.SaveSettings(payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_SETTING", err.Error(), nil)
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	appCtx.AddOprLog(operator(c), c.RealIP(), "settings_update", "updated "+strings.Join(keys, ", "))
	return ok(c, appCtx.ConfigMgr().All())
}
