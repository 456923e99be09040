package whatsapp

import "errors"

var (
	ErrMissingTenant      = errors.New("tenantId is required")
	ErrInvalidTenant      = errors.New("invalid tenantId")
	ErrMissingFields      = errors.New("tenantId, number and message are required")
	ErrNotConnected       = errors.New("WhatsApp not connected. Please scan the QR code to connect your WhatsApp account")
	ErrPairingUnavailable = errors.New("QR code not available")
	ErrNotRegistered      = errors.New("the number is not registered on WhatsApp")
	ErrHandleLaunch       = errors.New("failed to launch WhatsApp client")
	ErrInitTimeout        = errors.New("WhatsApp initialization timed out")
	ErrInvalidNumber      = errors.New("invalid phone number")
)
