package adminapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/wagate/internal/webserver"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

func registerGatewayRoutes() {
	webserver.ApiGET("/status", getStatus)
	webserver.ApiGET("/qr", getQR)
	webserver.ApiPOST("/initialize", postInitialize)
	webserver.ApiPOST("/send", postSend)
	webserver.ApiPOST("/disconnect", postDisconnect)
	webserver.ApiGET("/health", getHealth)
	webserver.ApiGET("/ws", getEvents)
}

type tenantPayload struct {
	TenantID string `json:"tenantId" form:"tenantId" query:"tenantId"`
}

// requestTenant resolves the tenant a request acts for. An explicit id wins;
// otherwise the verified token's tenant is used.
func requestTenant(c echo.Context, supplied string) (string, error) {
	tenantID := strings.TrimSpace(supplied)
	if tenantID == "" {
		if claims, ok := webserver.ClaimsFromContext(c); ok {
			tenantID = claims.Tenant()
		}
	}
	if tenantID == "" {
		return "", whatsapp.ErrMissingTenant
	}
	if err := webserver.AuthorizeTenant(c, tenantID); err != nil {
		return "", err
	}
	return tenantID, nil
}

// gatewayError maps core errors onto HTTP responses.
func gatewayError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, webserver.ErrTenantForbidden):
		return fail(c, http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrMissingTenant), errors.Is(err, whatsapp.ErrInvalidTenant):
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrMissingFields):
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrNotConnected):
		return fail(c, http.StatusBadRequest, "NOT_CONNECTED", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrInvalidNumber):
		return fail(c, http.StatusBadRequest, "INVALID_NUMBER", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrNotRegistered):
		return fail(c, http.StatusBadRequest, "NOT_REGISTERED", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrPairingUnavailable):
		return fail(c, http.StatusNotFound, "QR_NOT_AVAILABLE", err.Error(), nil)
	case errors.Is(err, whatsapp.ErrHandleLaunch):
		return fail(c, http.StatusInternalServerError, "LAUNCH_FAILED", err.Error(), nil)
	default:
		return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

// getStatus reports a tenant's session. Callers that send no tenant get a
// generic disconnected answer instead of an error.
func getStatus(c echo.Context) error {
	tenantID, err := requestTenant(c, c.QueryParam("tenantId"))
	if errors.Is(err, whatsapp.ErrMissingTenant) {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      whatsapp.StatusDisconnected,
			"connected":   false,
			"qrAvailable": false,
			"message":     "tenantId is required to query a WhatsApp session",
		})
	}
	if err != nil {
		return gatewayError(c, err)
	}
	if err := whatsapp.ValidateTenant(tenantID); err != nil {
		return gatewayError(c, err)
	}
	data := whatsapp.StatusData(GetManager(c).Status(tenantID))
	data["tenantId"] = tenantID
	return c.JSON(http.StatusOK, data)
}

func getQR(c echo.Context) error {
	tenantID, err := requestTenant(c, c.QueryParam("tenantId"))
	if err != nil {
		return gatewayError(c, err)
	}
	if err := whatsapp.ValidateTenant(tenantID); err != nil {
		return gatewayError(c, err)
	}
	mgr := GetManager(c)
	payload, err := mgr.PairingPayload(tenantID)
	if err != nil {
		return gatewayError(c, err)
	}
	resp := map[string]interface{}{
		"qr":     payload,
		"status": mgr.Status(tenantID).Status,
	}
	if c.QueryParam("format") == "png" {
		png, err := qrcode.Encode(payload, qrcode.Medium, 256)
		if err != nil {
			return fail(c, http.StatusInternalServerError, "QR_RENDER_FAILED", "Failed to render QR code", err.Error())
		}
		resp["qrImage"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	return c.JSON(http.StatusOK, resp)
}

func postInitialize(c echo.Context) error {
	var payload tenantPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	tenantID, err := requestTenant(c, payload.TenantID)
	if err != nil {
		return gatewayError(c, err)
	}
	res, err := GetManager(c).Initialize(c.Request().Context(), tenantID)
	if err != nil {
		zap.L().Error("adminapi: initialize failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return gatewayError(c, err)
	}
	msg := "WhatsApp initialization started"
	switch {
	case res.AlreadyConnected:
		msg = "WhatsApp already connected"
	case res.Status != whatsapp.StatusInitializing:
		msg = "WhatsApp initialization already in progress"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  res.Status,
		"message": msg,
	})
}

func postSend(c echo.Context) error {
	var req whatsapp.SendRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if strings.TrimSpace(req.Number) == "" || req.Message == "" {
		return gatewayError(c, whatsapp.ErrMissingFields)
	}
	tenantID, err := requestTenant(c, req.TenantID)
	if errors.Is(err, whatsapp.ErrMissingTenant) {
		return gatewayError(c, whatsapp.ErrMissingFields)
	}
	if err != nil {
		return gatewayError(c, err)
	}
	req.TenantID = tenantID
	res, err := GetManager(c).Send(c.Request().Context(), req)
	if err != nil {
		return gatewayError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// postDisconnect succeeds for any valid tenant; teardown failures are only logged.
func postDisconnect(c echo.Context) error {
	var payload tenantPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	tenantID, err := requestTenant(c, payload.TenantID)
	if err != nil {
		return gatewayError(c, err)
	}
	if err := GetManager(c).Disconnect(c.Request().Context(), tenantID); err != nil {
		return gatewayError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Disconnected successfully",
	})
}

func getHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, GetManager(c).Health())
}

// getEvents upgrades to a websocket streaming the tenant's lifecycle events.
func getEvents(c echo.Context) error {
	tenantID, err := requestTenant(c, c.QueryParam("tenantId"))
	if err != nil {
		return gatewayError(c, err)
	}
	if err := whatsapp.ValidateTenant(tenantID); err != nil {
		return gatewayError(c, err)
	}
	hub := GetHub(c)
	if hub == nil {
		return fail(c, http.StatusServiceUnavailable, "REALTIME_DISABLED", "Realtime events are not enabled", nil)
	}
	if err := hub.Serve(c.Response(), c.Request(), tenantID); err != nil {
		zap.L().Warn("adminapi: websocket upgrade failed", zap.String("tenant_id", tenantID), zap.Error(err))
		// a failed upgrade has already answered the request
		if !c.Response().Committed {
			return fail(c, http.StatusInternalServerError, "REALTIME_FAILED", "Unable to subscribe to events", err.Error())
		}
	}
	return nil
}
