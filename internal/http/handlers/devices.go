package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dirhaam/platforms-sub000/internal/http/middleware"
	"github.com/dirhaam/platforms-sub000/internal/services"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// DeviceHandler exposes the device session lifecycle
type DeviceHandler struct {
	devices *services.DeviceManager
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(devices *services.DeviceManager) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

// List returns the tenant's devices
func (h *DeviceHandler) List(c echo.Context) error {
	devices, err := h.devices.GetTenantDevices(c.Request().Context(), middleware.TenantID(c))
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  devices,
		"total": len(devices),
	})
}

// Create registers a device
func (h *DeviceHandler) Create(c echo.Context) error {
	var req models.CreateDeviceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	device, err := h.devices.CreateDevice(c.Request().Context(), middleware.TenantID(c), req)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusCreated, device)
}

// Get returns one device
func (h *DeviceHandler) Get(c echo.Context) error {
	device, err := h.owned(c)
	if err != nil {
		return toHTTPError(err, 0)
	}
	return c.JSON(http.StatusOK, device)
}

// Delete removes a device and its session
func (h *DeviceHandler) Delete(c echo.Context) error {
	device, err := h.owned(c)
	if err != nil {
		return toHTTPError(err, 0)
	}
	if err := h.devices.DeleteDevice(c.Request().Context(), device.ID); err != nil {
		return toHTTPError(err, 0)
	}
	return c.NoContent(http.StatusNoContent)
}

// Connect starts pairing and returns the QR or pairing code
func (h *DeviceHandler) Connect(c echo.Context) error {
	device, err := h.owned(c)
	if err != nil {
		return toHTTPError(err, 0)
	}

	device, err = h.devices.Connect(c.Request().Context(), device.ID)
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, device)
}

// Disconnect logs the device out of the bridge
func (h *DeviceHandler) Disconnect(c echo.Context) error {
	device, err := h.owned(c)
	if err != nil {
		return toHTTPError(err, 0)
	}

	updated, err := h.devices.Disconnect(c.Request().Context(), device.ID)
	if updated == nil {
		return toHTTPError(err, http.StatusBadGateway)
	}

	response := map[string]interface{}{"device": updated}
	if err != nil {
		// local state is already cleared; surface the bridge failure only
		response["warning"] = err.Error()
	}
	return c.JSON(http.StatusOK, response)
}

// Refresh reconciles the device with the bridge's device list
func (h *DeviceHandler) Refresh(c echo.Context) error {
	device, err := h.owned(c)
	if err != nil {
		return toHTTPError(err, 0)
	}

	device, err = h.devices.RefreshStatus(c.Request().Context(), device.ID)
	if err != nil {
		return toHTTPError(err, http.StatusBadGateway)
	}
	return c.JSON(http.StatusOK, device)
}

// owned loads the path device and hides devices of other tenants
func (h *DeviceHandler) owned(c echo.Context) (*models.Device, error) {
	device, err := h.devices.GetDevice(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if device.TenantID != middleware.TenantID(c) {
		return nil, services.ErrDeviceNotFound
	}
	return device, nil
}
