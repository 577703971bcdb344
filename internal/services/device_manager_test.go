package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/bridge/bridgetest"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

func newTestDeviceManager(t *testing.T, env *testEnv, opts DeviceOptions) *DeviceManager {
	t.Helper()
	sessions := NewSessionStore(env.store, "test-secret", time.Hour)
	manager := NewDeviceManager(env.store, kvstore.NewLocker(), env.registry, sessions, env.emitter, nil, opts)
	t.Cleanup(manager.Shutdown)
	return manager
}

// slowBackoff keeps scheduled attempts from firing during a test
func slowBackoff() DeviceOptions {
	return DeviceOptions{ReconnectBaseDelay: time.Hour, ReconnectMaxDelay: 8 * time.Hour, DefaultMaxReconnectAttempts: 5}
}

func setupDevice(t *testing.T, env *testEnv, manager *DeviceManager, phone string) (*models.Device, *bridgetest.Fake) {
	t.Helper()
	ep := env.addEndpoint(t, "t1", "a", false)
	device, err := manager.CreateDevice(context.Background(), "t1", models.CreateDeviceRequest{
		DeviceName:  "front desk",
		PhoneNumber: phone,
	})
	require.NoError(t, err)
	return device, env.bridges.get(ep.APIURL)
}

func bridgeDevice(jid string) bridge.DeviceInfo {
	return bridge.DeviceInfo{Name: "phone", Device: jid}
}

func TestReconnectDelay(t *testing.T) {
	manager := &DeviceManager{opts: DefaultDeviceOptions()}

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 480 * time.Second},
		{40, 480 * time.Second},
	}

	for _, tt := range tests {
		if got := manager.ReconnectDelay(tt.attempts); got != tt.expected {
			t.Errorf("ReconnectDelay(%d) = %v, expected %v", tt.attempts, got, tt.expected)
		}
	}
}

func TestDeviceManager_CreateDeviceDefaults(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	ctx := context.Background()

	_, err := manager.CreateDevice(ctx, "t1", models.CreateDeviceRequest{DeviceName: "x"})
	assert.ErrorIs(t, err, ErrTenantNotConfigured)

	device, _ := setupDevice(t, env, manager, "+62 812-3456")
	assert.Equal(t, models.DeviceStatusDisconnected, device.Status)
	assert.Equal(t, 5, device.MaxReconnectAttempts)
	assert.Equal(t, "628123456", device.PhoneNumber)
	assert.NotEmpty(t, device.EndpointID)

	devices, err := manager.GetTenantDevices(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, device.ID, devices[0].ID)
}

func TestDeviceManager_ConnectUsesQRFirst(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "628123")

	connected, err := manager.Connect(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusPairing, connected.Status)
	assert.Equal(t, fake.QRCode, connected.QRCode)
	assert.Empty(t, connected.PairingCode)
	assert.Equal(t, 0, fake.PairingCalls)
}

func TestDeviceManager_ConnectFallsBackToPairingCode(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "628123")
	fake.QRErr = bridgetest.ErrUnavailable

	connected, err := manager.Connect(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusPairing, connected.Status)
	assert.Empty(t, connected.QRCode)
	assert.Equal(t, fake.PairingCode, connected.PairingCode)
}

func TestDeviceManager_ConnectFailureLeavesError(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "628123")
	fake.SetFailPairing(true)

	_, err := manager.Connect(context.Background(), device.ID)
	require.Error(t, err)

	stored, err := manager.GetDevice(context.Background(), device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusError, stored.Status)
	assert.Empty(t, stored.QRCode)
	assert.Empty(t, stored.PairingCode)
	assert.NotEmpty(t, stored.LastError)
	assert.Contains(t, env.emitter.types(), models.EventDeviceError)
}

func TestDeviceManager_ConnectUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())

	_, err := manager.Connect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDeviceManager_DisconnectSchedulesAndConnectCancels(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, _ := setupDevice(t, env, manager, "628123")
	ctx := context.Background()

	disconnected, err := manager.HandleDisconnected(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDisconnected, disconnected.Status)
	require.NotNil(t, disconnected.LastSeen)
	assert.True(t, manager.PendingReconnect(device.ID))

	connected, err := manager.HandleConnected(ctx, device.ID, "628999@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusConnected, connected.Status)
	assert.Equal(t, "628999", connected.PhoneNumber)
	assert.Equal(t, 0, connected.ReconnectAttempts)
	assert.False(t, manager.PendingReconnect(device.ID))
}

func TestDeviceManager_NoReconnectWhenPolicyDisabled(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, _ := setupDevice(t, env, manager, "628123")
	ctx := context.Background()

	_, err := env.registry.UpdatePolicy(ctx, "t1", models.PolicyUpdate{AutoReconnect: boolPtr(false)})
	require.NoError(t, err)

	_, err = manager.HandleDisconnected(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, manager.PendingReconnect(device.ID))
}

func TestDeviceManager_ReconnectAttemptsAreBounded(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "628123")
	fake.SetFailPairing(true)
	ctx := context.Background()

	_, err := manager.HandleDisconnected(ctx, device.ID)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.True(t, manager.PendingReconnect(device.ID), "attempt %d should be pending", i)
		err := manager.AttemptReconnect(ctx, device.ID)
		require.Error(t, err)

		stored, err := manager.GetDevice(ctx, device.ID)
		require.NoError(t, err)
		assert.Equal(t, i, stored.ReconnectAttempts)
		assert.Equal(t, models.DeviceStatusDisconnected, stored.Status)
	}

	assert.False(t, manager.PendingReconnect(device.ID))

	// Further attempts are ignored once the bound is reached.
	require.NoError(t, manager.AttemptReconnect(ctx, device.ID))
	stored, err := manager.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ReconnectAttempts)
	assert.False(t, manager.PendingReconnect(device.ID))

	devices, err := manager.GetTenantDevices(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDeviceManager_ScheduledReconnectFires(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, DeviceOptions{
		ReconnectBaseDelay:          10 * time.Millisecond,
		ReconnectMaxDelay:           20 * time.Millisecond,
		DefaultMaxReconnectAttempts: 1,
	})
	device, _ := setupDevice(t, env, manager, "628123")
	ctx := context.Background()

	_, err := manager.HandleDisconnected(ctx, device.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := manager.GetDevice(ctx, device.ID)
		return err == nil && stored.Status == models.DeviceStatusPairing && stored.ReconnectAttempts == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, manager.PendingReconnect(device.ID))
}

func TestDeviceManager_DisconnectClearsCredentials(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "628123")
	ctx := context.Background()

	_, err := manager.HandleConnected(ctx, device.ID, "628123")
	require.NoError(t, err)
	require.NoError(t, manager.SaveSession(ctx, device.ID, []byte("creds")))

	disconnected, err := manager.Disconnect(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDisconnected, disconnected.Status)
	assert.Empty(t, disconnected.PhoneNumber)
	assert.Equal(t, 1, fake.LogoutCalls)
	assert.False(t, manager.PendingReconnect(device.ID))

	_, found, err := manager.LoadSession(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeviceManager_ConnectResumesStoredSession(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "")
	ctx := context.Background()

	require.NoError(t, manager.SaveSession(ctx, device.ID, []byte(`{"noise_key":"abc"}`)))
	fake.Devices = []bridge.DeviceInfo{bridgeDevice("628777:2@s.whatsapp.net")}

	connected, err := manager.Connect(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusConnected, connected.Status)
	assert.Equal(t, "628777", connected.PhoneNumber)
	assert.Empty(t, connected.QRCode)
	assert.Equal(t, 0, fake.QRCalls)
	assert.Contains(t, env.emitter.types(), models.EventDeviceConnected)

	data, found, err := manager.LoadSession(ctx, device.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"noise_key":"abc"}`, string(data))
}

func TestDeviceManager_ConnectPairsWhenSessionNotActive(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "")
	ctx := context.Background()

	require.NoError(t, manager.SaveSession(ctx, device.ID, []byte("stale")))

	pairing, err := manager.Connect(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusPairing, pairing.Status)
	assert.Equal(t, "2@fake-qr", pairing.QRCode)
	assert.Equal(t, 1, fake.QRCalls)
}

func TestDeviceManager_ConnectDiscardsUnreadableSession(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "")
	ctx := context.Background()

	// sealed under another key
	foreign := NewSessionStore(env.store, "another-secret", time.Hour)
	require.NoError(t, foreign.Save(ctx, device.ID, []byte("creds")))
	fake.Devices = []bridge.DeviceInfo{bridgeDevice("628777@s.whatsapp.net")}

	pairing, err := manager.Connect(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusPairing, pairing.Status)
	assert.Equal(t, 1, fake.QRCalls)

	_, found, err := manager.LoadSession(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeviceManager_SaveSessionRequiresDevice(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())

	err := manager.SaveSession(context.Background(), "missing", []byte("creds"))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDeviceManager_RefreshStatus(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, fake := setupDevice(t, env, manager, "")
	fake.Devices = nil
	ctx := context.Background()

	refreshed, err := manager.RefreshStatus(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDisconnected, refreshed.Status)

	fake.Devices = append(fake.Devices, bridgeDevice("628555:3@s.whatsapp.net"))
	refreshed, err = manager.RefreshStatus(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusConnected, refreshed.Status)
	assert.Equal(t, "628555", refreshed.PhoneNumber)
}

func TestDeviceManager_DeleteDevice(t *testing.T) {
	env := newTestEnv(t)
	manager := newTestDeviceManager(t, env, slowBackoff())
	device, _ := setupDevice(t, env, manager, "628123")
	ctx := context.Background()

	require.NoError(t, manager.DeleteDevice(ctx, device.ID))

	_, err := manager.GetDevice(ctx, device.ID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	devices, err := manager.GetTenantDevices(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}
