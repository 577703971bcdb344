package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/events"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// DeviceOptions tunes reconnection behaviour
type DeviceOptions struct {
	ReconnectBaseDelay          time.Duration
	ReconnectMaxDelay           time.Duration
	DefaultMaxReconnectAttempts int
}

// DefaultDeviceOptions returns the stock backoff: 30s doubling up to 480s, 5 attempts
func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		ReconnectBaseDelay:          30 * time.Second,
		ReconnectMaxDelay:           480 * time.Second,
		DefaultMaxReconnectAttempts: 5,
	}
}

// DeviceManager runs the per-device connection state machine
type DeviceManager struct {
	store    kvstore.Store
	locker   *kvstore.Locker
	registry *EndpointRegistry
	sessions *SessionStore
	events   events.Emitter
	pool     *ants.Pool
	tasks    *TaskScheduler
	opts     DeviceOptions
	now      func() time.Time
}

// NewDeviceManager creates a device manager; pool may be nil, in which case
// reconnect attempts run on their own goroutine.
func NewDeviceManager(store kvstore.Store, locker *kvstore.Locker, registry *EndpointRegistry, sessions *SessionStore, emitter events.Emitter, pool *ants.Pool, opts DeviceOptions) *DeviceManager {
	if locker == nil {
		locker = kvstore.NewLocker()
	}
	defaults := DefaultDeviceOptions()
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if opts.DefaultMaxReconnectAttempts <= 0 {
		opts.DefaultMaxReconnectAttempts = defaults.DefaultMaxReconnectAttempts
	}

	return &DeviceManager{
		store:    store,
		locker:   locker,
		registry: registry,
		sessions: sessions,
		events:   emitter,
		pool:     pool,
		tasks:    NewTaskScheduler(),
		opts:     opts,
		now:      time.Now,
	}
}

// ReconnectDelay returns min(base * 2^attempts, max)
func (m *DeviceManager) ReconnectDelay(attempts int) time.Duration {
	return backoffDelay(m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay, attempts)
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// CreateDevice registers a device on the given endpoint, or on the tenant's primary
func (m *DeviceManager) CreateDevice(ctx context.Context, tenantID string, req models.CreateDeviceRequest) (*models.Device, error) {
	cfg, err := m.registry.GetConfiguration(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	endpointID := req.EndpointID
	if endpointID != "" {
		if cfg.Endpoint(endpointID) == nil {
			return nil, ErrEndpointNotFound
		}
	} else {
		ep := activePrimaryOrAny(cfg)
		if ep == nil {
			return nil, ErrNoActiveEndpoint
		}
		endpointID = ep.ID
	}

	maxAttempts := req.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.opts.DefaultMaxReconnectAttempts
	}

	now := m.now()
	device := &models.Device{
		ID:                   uuid.NewString(),
		TenantID:             tenantID,
		EndpointID:           endpointID,
		DeviceName:           req.DeviceName,
		PhoneNumber:          bridge.FormatPhone(req.PhoneNumber),
		Status:               models.DeviceStatusDisconnected,
		MaxReconnectAttempts: maxAttempts,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := m.save(ctx, device); err != nil {
		return nil, err
	}
	if err := m.store.AddToSet(ctx, kvstore.TenantDevicesKey(tenantID), device.ID); err != nil {
		return nil, fmt.Errorf("failed to index device: %w", err)
	}

	log.Info().Str("tenant_id", tenantID).Str("device_id", device.ID).Str("endpoint_id", endpointID).Msg("WhatsApp device created")
	return device, nil
}

// GetDevice loads a device by id
func (m *DeviceManager) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	found, err := m.store.Get(ctx, kvstore.DeviceKey(deviceID), &device)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if !found {
		return nil, ErrDeviceNotFound
	}
	return &device, nil
}

// GetTenantDevices returns every device of the tenant ordered by creation time
func (m *DeviceManager) GetTenantDevices(ctx context.Context, tenantID string) ([]models.Device, error) {
	ids, err := m.store.GetSet(ctx, kvstore.TenantDevicesKey(tenantID))
	if err != nil {
		return nil, err
	}

	devices := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		device, err := m.GetDevice(ctx, id)
		if errors.Is(err, ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].CreatedAt.Before(devices[j].CreatedAt) })
	return devices, nil
}

// DeleteDevice disconnects best-effort and removes every trace of the device
func (m *DeviceManager) DeleteDevice(ctx context.Context, deviceID string) error {
	device, err := m.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	if device.Status != models.DeviceStatusDisconnected {
		if _, err := m.Disconnect(ctx, deviceID); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("Disconnect before delete failed")
		}
	}

	m.cancelReconnect(deviceID)
	if err := m.sessions.Clear(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to clear device session")
	}
	if err := m.store.RemoveFromSet(ctx, kvstore.TenantDevicesKey(device.TenantID), deviceID); err != nil {
		return err
	}
	return m.store.Delete(ctx, kvstore.DeviceKey(deviceID))
}

// Connect starts pairing: QR first, then pairing code. When both fail the
// device is left in error without codes and the error is returned. A device
// with stored session material that the bridge still reports as logged in is
// resumed as connected without new pairing material.
func (m *DeviceManager) Connect(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		d.Status = models.DeviceStatusConnecting
		d.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	client, _, err := m.registry.GetClient(ctx, device.TenantID, device.EndpointID)
	if err != nil {
		m.fail(ctx, deviceID, err)
		return nil, err
	}

	if resumed, ok := m.resumeSession(ctx, deviceID, client); ok {
		return resumed, nil
	}

	var qrCode, pairingCode string
	qr, qrErr := client.GenerateQRCode(ctx)
	if qrErr == nil {
		qrCode = qr.QRLink
	} else {
		log.Warn().Err(qrErr).Str("device_id", deviceID).Msg("QR generation failed, trying pairing code")

		var pairErr error
		if device.PhoneNumber == "" {
			pairErr = errors.New("device has no phone number for pairing code")
		} else {
			var pc *bridge.PairingCodeResponse
			pc, pairErr = client.GeneratePairingCode(ctx, device.PhoneNumber)
			if pairErr == nil {
				pairingCode = pc.PairCode
			}
		}

		if pairErr != nil {
			err := fmt.Errorf("failed to start pairing: qr: %v; pairing code: %w", qrErr, pairErr)
			m.fail(ctx, deviceID, err)
			return nil, err
		}
	}

	device, err = m.mutate(ctx, deviceID, func(d *models.Device) error {
		d.Status = models.DeviceStatusPairing
		d.QRCode = qrCode
		d.PairingCode = pairingCode
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventType := models.EventDeviceQRCode
	if qrCode == "" {
		eventType = models.EventDevicePairingCode
	}
	m.emit(ctx, eventType, device, nil)

	log.Info().Str("tenant_id", device.TenantID).Str("device_id", deviceID).Str("status", string(device.Status)).Msg("Device pairing started")
	return device, nil
}

func (m *DeviceManager) resumeSession(ctx context.Context, deviceID string, client bridge.API) (*models.Device, bool) {
	_, found, err := m.LoadSession(ctx, deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Discarding unreadable device session")
		if err := m.sessions.Clear(ctx, deviceID); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to clear device session")
		}
		return nil, false
	}
	if !found {
		return nil, false
	}

	remote, err := client.GetDevices(ctx)
	if err != nil || len(remote) == 0 {
		log.Debug().Err(err).Str("device_id", deviceID).Msg("Stored session not active on bridge, pairing again")
		return nil, false
	}

	device, err := m.HandleConnected(ctx, deviceID, remote[0].Device)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to resume device session")
		return nil, false
	}
	log.Info().Str("tenant_id", device.TenantID).Str("device_id", deviceID).Msg("Device session resumed")
	return device, true
}

// SaveSession stores sealed credential material reported for a known device
func (m *DeviceManager) SaveSession(ctx context.Context, deviceID string, data []byte) error {
	if _, err := m.GetDevice(ctx, deviceID); err != nil {
		return err
	}
	return m.sessions.Save(ctx, deviceID, data)
}

// LoadSession returns the stored credential material of a device
func (m *DeviceManager) LoadSession(ctx context.Context, deviceID string) ([]byte, bool, error) {
	return m.sessions.Load(ctx, deviceID)
}

// HandleConnected marks the device connected and stops reconnection
func (m *DeviceManager) HandleConnected(ctx context.Context, deviceID, phoneNumber string) (*models.Device, error) {
	m.cancelReconnect(deviceID)

	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		now := m.now()
		d.Status = models.DeviceStatusConnected
		if phone := bridge.FormatPhone(phoneNumber); phone != "" {
			d.PhoneNumber = phone
		}
		d.QRCode = ""
		d.PairingCode = ""
		d.LastError = ""
		d.ReconnectAttempts = 0
		d.LastSeen = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(ctx, models.EventDeviceConnected, device, map[string]interface{}{"phone_number": device.PhoneNumber})
	log.Info().Str("tenant_id", device.TenantID).Str("device_id", deviceID).Msg("Device connected")
	return device, nil
}

// HandleDisconnected marks the device disconnected and schedules a
// reconnection when the tenant policy enables it.
func (m *DeviceManager) HandleDisconnected(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		now := m.now()
		d.Status = models.DeviceStatusDisconnected
		d.LastSeen = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emit(ctx, models.EventDeviceDisconnect, device, nil)

	cfg, err := m.registry.GetConfiguration(ctx, device.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Cannot read tenant policy, not scheduling reconnection")
		return device, nil
	}
	if cfg.AutoReconnect {
		m.scheduleReconnect(device)
	}
	return device, nil
}

// HandleQRCode stores a QR code pushed by the bridge
func (m *DeviceManager) HandleQRCode(ctx context.Context, deviceID, qrCode string) (*models.Device, error) {
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		d.Status = models.DeviceStatusPairing
		d.QRCode = qrCode
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, models.EventDeviceQRCode, device, nil)
	return device, nil
}

// HandlePairingCode stores a pairing code pushed by the bridge
func (m *DeviceManager) HandlePairingCode(ctx context.Context, deviceID, code string) (*models.Device, error) {
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		d.Status = models.DeviceStatusPairing
		d.PairingCode = code
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(ctx, models.EventDevicePairingCode, device, nil)
	return device, nil
}

// Disconnect logs the device out on the bridge and clears local credentials.
// Local state is cleared even when the bridge call fails; that error is returned.
func (m *DeviceManager) Disconnect(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := m.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	var logoutErr error
	client, _, err := m.registry.GetClient(ctx, device.TenantID, device.EndpointID)
	if err != nil {
		logoutErr = err
	} else if err := client.Logout(ctx); err != nil {
		logoutErr = fmt.Errorf("bridge logout failed: %w", err)
	}

	m.cancelReconnect(deviceID)

	device, err = m.mutate(ctx, deviceID, func(d *models.Device) error {
		now := m.now()
		d.Status = models.DeviceStatusDisconnected
		d.QRCode = ""
		d.PairingCode = ""
		d.PhoneNumber = ""
		d.ReconnectAttempts = 0
		d.LastSeen = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.sessions.Clear(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to clear device session")
	}

	m.emit(ctx, models.EventDeviceDisconnect, device, map[string]interface{}{"explicit": true})
	return device, logoutErr
}

// RefreshStatus reconciles the device with the devices the bridge reports as logged in
func (m *DeviceManager) RefreshStatus(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := m.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	client, _, err := m.registry.GetClient(ctx, device.TenantID, device.EndpointID)
	if err != nil {
		return nil, err
	}
	remote, err := client.GetDevices(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case len(remote) > 0 && device.Status != models.DeviceStatusConnected:
		return m.HandleConnected(ctx, deviceID, remote[0].Device)
	case len(remote) == 0 && device.Status == models.DeviceStatusConnected:
		return m.HandleDisconnected(ctx, deviceID)
	}
	return device, nil
}

// PendingReconnect reports whether a reconnection attempt is scheduled for the device
func (m *DeviceManager) PendingReconnect(deviceID string) bool {
	return m.tasks.Pending(deviceID)
}

// AttemptReconnect runs one reconnection cycle. A failed attempt puts the
// device back to disconnected and schedules the next one until the bound is reached.
func (m *DeviceManager) AttemptReconnect(ctx context.Context, deviceID string) error {
	m.cancelReconnect(deviceID)

	var skip bool
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		if d.Status == models.DeviceStatusConnected || d.ReconnectAttempts >= d.MaxReconnectAttempts {
			skip = true
			return errSkipWrite
		}
		d.ReconnectAttempts++
		return nil
	})
	if errors.Is(err, errSkipWrite) {
		err = nil
	}
	if err != nil || skip {
		return err
	}

	log.Info().
		Str("tenant_id", device.TenantID).
		Str("device_id", deviceID).
		Int("attempt", device.ReconnectAttempts).
		Int("max_attempts", device.MaxReconnectAttempts).
		Msg("Attempting device reconnection")

	_, connectErr := m.Connect(ctx, deviceID)
	if connectErr == nil {
		reconnectAttemptsTotal.WithLabelValues("success").Inc()
		m.emit(ctx, models.EventDeviceReconnect, device, map[string]interface{}{"attempt": device.ReconnectAttempts, "success": true})
		return nil
	}
	reconnectAttemptsTotal.WithLabelValues("failure").Inc()

	device, err = m.mutate(ctx, deviceID, func(d *models.Device) error {
		now := m.now()
		d.Status = models.DeviceStatusDisconnected
		d.LastSeen = &now
		return nil
	})
	if err != nil {
		return err
	}
	m.emit(ctx, models.EventDeviceReconnect, device, map[string]interface{}{
		"attempt": device.ReconnectAttempts,
		"success": false,
		"error":   connectErr.Error(),
	})

	if !m.scheduleReconnect(device) {
		log.Warn().Str("tenant_id", device.TenantID).Str("device_id", deviceID).Msg("Reconnection attempts exhausted")
	}
	return connectErr
}

// Shutdown cancels every pending reconnection
func (m *DeviceManager) Shutdown() {
	n := m.tasks.CancelAll()
	pendingReconnects.Set(0)
	log.Info().Int("cancelled", n).Msg("Device reconnection tasks cancelled")
}

func (m *DeviceManager) scheduleReconnect(device *models.Device) bool {
	if device.ReconnectAttempts >= device.MaxReconnectAttempts {
		m.cancelReconnect(device.ID)
		return false
	}

	delay := m.ReconnectDelay(device.ReconnectAttempts)
	deviceID := device.ID

	m.tasks.Schedule(deviceID, delay, func() {
		pendingReconnects.Set(float64(m.tasks.Len()))
		run := func() {
			if err := m.AttemptReconnect(context.Background(), deviceID); err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("Reconnection attempt failed")
			}
		}
		if m.pool == nil {
			go run()
			return
		}
		if err := m.pool.Submit(run); err != nil {
			log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to submit reconnection attempt")
		}
	})
	pendingReconnects.Set(float64(m.tasks.Len()))

	log.Info().
		Str("device_id", deviceID).
		Int("attempt", device.ReconnectAttempts+1).
		Dur("delay", delay).
		Msg("Device reconnection scheduled")
	return true
}

func (m *DeviceManager) cancelReconnect(deviceID string) {
	if m.tasks.Cancel(deviceID) {
		pendingReconnects.Set(float64(m.tasks.Len()))
	}
}

func (m *DeviceManager) fail(ctx context.Context, deviceID string, cause error) {
	device, err := m.mutate(ctx, deviceID, func(d *models.Device) error {
		d.Status = models.DeviceStatusError
		d.QRCode = ""
		d.PairingCode = ""
		d.LastError = cause.Error()
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to record device error")
		return
	}
	m.emit(ctx, models.EventDeviceError, device, map[string]interface{}{"error": cause.Error()})
}

var errSkipWrite = errors.New("skip write")

// mutate applies fn to the stored device under its lock and persists it
func (m *DeviceManager) mutate(ctx context.Context, deviceID string, fn func(d *models.Device) error) (*models.Device, error) {
	unlock := m.locker.Lock(kvstore.DeviceKey(deviceID))
	defer unlock()

	device, err := m.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := fn(device); err != nil {
		return device, err
	}

	device.UpdatedAt = m.now()
	if err := m.save(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

func (m *DeviceManager) save(ctx context.Context, device *models.Device) error {
	if err := m.store.Set(ctx, kvstore.DeviceKey(device.ID), device, 0); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (m *DeviceManager) emit(ctx context.Context, eventType string, device *models.Device, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["status"] = device.Status
	data["endpoint_id"] = device.EndpointID

	m.events.Emit(ctx, models.Event{
		Type:     eventType,
		TenantID: device.TenantID,
		DeviceID: device.ID,
		Data:     data,
	})
}
