package adminapi

import (
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/realtime"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"gorm.io/gorm"
)

const (
	appContextKey = "appctx"
	managerKey    = "wamanager"
	hubKey        = "wahub"
)

// Deps are the collaborators every handler may reach through the echo context.
type Deps struct {
	App     app.AppContext
	Manager *whatsapp.Manager
	Hub     *realtime.Hub
}

// Init installs the dependency middleware and registers all routes on the
// global web server. webserver.Init must have been called first.
func Init(d Deps) {
	webserver.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(appContextKey, d.App)
			c.Set(managerKey, d.Manager)
			c.Set(hubKey, d.Hub)
			return next(c)
		}
	})
	registerGatewayRoutes()
	registerSessionRoutes()
	registerMessageRoutes()
	registerSettingsRoutes()
	registerMetricsRoutes()
}

func GetAppContext(c echo.Context) app.AppContext {
	appCtx, _ := c.Get(appContextKey).(app.AppContext)
	return appCtx
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB()
}

func GetManager(c echo.Context) *whatsapp.Manager {
	m, _ := c.Get(managerKey).(*whatsapp.Manager)
	return m
}

func GetHub(c echo.Context) *realtime.Hub {
	h, _ := c.Get(hubKey).(*realtime.Hub)
	return h
}

// operator names the caller for the operation log.
func operator(c echo.Context) string {
	if claims, ok := webserver.ClaimsFromContext(c); ok {
		if claims.Subject != "" {
			return claims.Subject
		}
		return claims.Tenant()
	}
	return "anonymous"
}
