package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

func decodeJSON(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected Kind
	}{
		{"ack marker", `{"event":"message.ack","payload":{"ids":["a"],"receipt_type":"read"}}`, KindStatus},
		{"group marker", `{"event":"group.participants","payload":{"chat_id":"g@g.us"}}`, KindGroup},
		{"device marker", `{"event":"device_status","status":"open"}`, KindDeviceStatus},
		{"qr marker via type", `{"type":"qr_code","code":"2@x"}`, KindQRCode},
		{"pairing marker", `{"event":"pairing_code","code":"ABCD"}`, KindPairingCode},
		{"receipt heuristic", `{"receipt_type":"delivered","message_id":"a"}`, KindStatus},
		{"qr heuristic", `{"qrCode":"2@x"}`, KindQRCode},
		{"pairing heuristic", `{"pairing_code":"ABCD"}`, KindPairingCode},
		{"connected status", `{"status":"connected","deviceId":"d1"}`, KindDeviceStatus},
		{"disconnected status", `{"status":"Disconnected"}`, KindDeviceStatus},
		{"text message", `{"from":"628@s.whatsapp.net","message":{"text":"hi"}}`, KindMessage},
		{"message type is not a marker", `{"type":"image","image":{"caption":"x"}}`, KindMessage},
		{"unrecognized defaults to message", `{"foo":"bar"}`, KindMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(decodeJSON(t, tt.body)))
		})
	}
}

func TestResolveDeviceID(t *testing.T) {
	tests := []struct {
		body     string
		expected string
	}{
		{`{"deviceId":"d1","device_id":"d2"}`, "d1"},
		{`{"device_id":"d2"}`, "d2"},
		{`{"payload":{"deviceId":"d3"}}`, "d3"},
		{`{"metadata":{"device_id":"d4"}}`, "d4"},
		{`{"deviceId":""}`, UnknownDevice},
		{`{}`, UnknownDevice},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ResolveDeviceID(decodeJSON(t, tt.body)), tt.body)
	}
}

func TestResolveTimestamp(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expected := time.Date(2023, 10, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{"rfc3339", `{"timestamp":"2023-10-15T10:30:00Z"}`, expected},
		{"unix seconds", `{"timestamp":1697365800}`, expected},
		{"unix millis", `{"timestamp":1697365800000}`, expected},
		{"numeric string", `{"payload":{"timestamp":"1697365800"}}`, expected},
		{"garbage falls back", `{"timestamp":"not a time"}`, fallback},
		{"missing falls back", `{}`, fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTimestamp(decodeJSON(t, tt.body), fallback)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestDecode_Variants(t *testing.T) {
	now := time.Now()

	evt, err := Decode([]byte(`{"event":"message.ack","deviceId":"d1","payload":{"ids":["m1","m2"],"receipt_type":"read"}}`), now)
	require.NoError(t, err)
	require.NotNil(t, evt.Status)
	assert.Equal(t, []string{"m1", "m2"}, evt.Status.MessageIDs)
	assert.Equal(t, models.DeliveryStatusRead, evt.Status.Status)
	assert.Equal(t, "d1", evt.DeviceID)

	evt, err = Decode([]byte(`{"status":"connected","device_id":"d1","phone_number":"628111@s.whatsapp.net"}`), now)
	require.NoError(t, err)
	require.NotNil(t, evt.Device)
	assert.Equal(t, "connected", evt.Device.Status)
	assert.Equal(t, "628111@s.whatsapp.net", evt.Device.Phone)

	evt, err = Decode([]byte(`{"event":"group.participants","payload":{"chat_id":"g@g.us","type":"join","jids":["a","b"]}}`), now)
	require.NoError(t, err)
	require.NotNil(t, evt.Group)
	assert.Equal(t, "join", evt.Group.Action)
	assert.Equal(t, []string{"a", "b"}, evt.Group.Participants)

	evt, err = Decode([]byte(`{"from":"628222@s.whatsapp.net","pushname":"Sari","message":{"id":"wamid-9","text":"halo"},"id":"evt-1"}`), now)
	require.NoError(t, err)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "wamid-9", evt.Message.ID)
	assert.Equal(t, "Sari", evt.Message.PushName)
	assert.Equal(t, models.MessageTypeText, evt.Message.Parsed.Type)
	assert.True(t, now.Equal(evt.Timestamp))
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`not json`), time.Now())
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Decode([]byte(`null`), time.Now())
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Decode([]byte(`{"event":"message.ack","payload":{"ids":["m1"]}}`), time.Now())
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDeliveryStatusMapping(t *testing.T) {
	tests := []struct {
		body     string
		expected models.DeliveryStatus
	}{
		{`{"receipt_type":"delivered"}`, models.DeliveryStatusDelivered},
		{`{"status":"played"}`, models.DeliveryStatusRead},
		{`{"ackName":"SERVER"}`, models.DeliveryStatusSent},
		{`{"ackName":"DEVICE"}`, models.DeliveryStatusDelivered},
		{`{"ackName":"PLAYED"}`, models.DeliveryStatusRead},
		{`{"ack":1}`, models.DeliveryStatusSent},
		{`{"ack":2}`, models.DeliveryStatusDelivered},
		{`{"ack":4}`, models.DeliveryStatusRead},
	}

	for _, tt := range tests {
		status, ok := deliveryStatus(newView(decodeJSON(t, tt.body)))
		assert.True(t, ok, tt.body)
		assert.Equal(t, tt.expected, status, tt.body)
	}

	_, ok := deliveryStatus(newView(decodeJSON(t, `{"ack":0}`)))
	assert.False(t, ok)
}

func TestMessageIDs(t *testing.T) {
	raw := decodeJSON(t, `{"message_id":"a","payload":{"id":"b","ids":["b","c"],"message_ids":["d"]}}`)
	assert.Equal(t, []string{"a", "b", "c", "d"}, messageIDs(newView(raw)))
}
