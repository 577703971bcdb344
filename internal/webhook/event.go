package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedPayload marks webhooks that can never be processed; they are
// dropped instead of retried.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// UnknownDevice is used when a payload names no device
const UnknownDevice = "unknown-device"

// Kind is the classified variant of an inbound webhook
type Kind string

const (
	KindMessage      Kind = "message"
	KindStatus       Kind = "status"
	KindDeviceStatus Kind = "device_status"
	KindQRCode       Kind = "qr_code"
	KindPairingCode  Kind = "pairing_code"
	KindGroup        Kind = "group"
)

var deviceIDPaths = []string{
	"deviceId", "device_id",
	"payload.deviceId", "payload.device_id",
	"data.deviceId", "data.device_id",
	"metadata.deviceId", "metadata.device_id",
}

var timestampPaths = []string{
	"timestamp", "time", "t",
	"payload.timestamp", "payload.time",
	"message.timestamp", "data.timestamp",
}

// Event is the typed result of decoding a webhook. Exactly one of the
// variant pointers matching Kind is set.
type Event struct {
	Kind      Kind                   `json:"kind"`
	DeviceID  string                 `json:"device_id"`
	Timestamp time.Time              `json:"timestamp"`
	Raw       map[string]interface{} `json:"raw"`

	Message *InboundMessage `json:"-"`
	Status  *StatusUpdate   `json:"-"`
	Device  *DeviceUpdate   `json:"-"`
	Group   *GroupUpdate    `json:"-"`
}

// InboundMessage is a chat message received by a device
type InboundMessage struct {
	ID       string
	From     string
	ChatID   string
	PushName string
	FromMe   bool
	Parsed   ParsedMessage
}

// StatusUpdate is a delivery receipt for one or more outbound messages
type StatusUpdate struct {
	MessageIDs []string
	Status     models.DeliveryStatus
}

// DeviceUpdate carries connection state or pairing material of a device
type DeviceUpdate struct {
	Status      string
	Phone       string
	QRCode      string
	PairingCode string
	// Session is opaque credential material a bridge may attach on connect
	Session []byte
}

// GroupUpdate is a group membership change
type GroupUpdate struct {
	ChatID       string   `mapstructure:"chat_id"`
	Action       string   `mapstructure:"type"`
	Participants []string `mapstructure:"jids"`
}

// Decode parses a webhook body into a typed Event
func Decode(body []byte, receivedAt time.Time) (*Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	return DecodeMap(raw, receivedAt)
}

// DecodeMap classifies an already parsed payload and builds its variant
func DecodeMap(raw map[string]interface{}, receivedAt time.Time) (*Event, error) {
	evt := &Event{
		Kind:      Classify(raw),
		DeviceID:  ResolveDeviceID(raw),
		Timestamp: ResolveTimestamp(raw, receivedAt),
		Raw:       raw,
	}
	v := newView(raw)

	switch evt.Kind {
	case KindStatus:
		update := &StatusUpdate{MessageIDs: messageIDs(v)}
		status, ok := deliveryStatus(v)
		if !ok {
			return nil, fmt.Errorf("%w: receipt without a known status", ErrMalformedPayload)
		}
		update.Status = status
		evt.Status = update
	case KindDeviceStatus, KindQRCode, KindPairingCode:
		evt.Device = &DeviceUpdate{
			Status:      strings.ToLower(v.str("status", "state", "connection")),
			Phone:       v.str("phone_number", "phone", "jid", "device"),
			QRCode:      v.str("qrCode", "qr_code", "qr_link", "qr"),
			PairingCode: v.str("pairingCode", "pairing_code", "pair_code", "code"),
			Session:     sessionMaterial(v),
		}
	case KindGroup:
		group := &GroupUpdate{}
		source := raw
		if payload := asMap(raw["payload"]); payload != nil {
			source = payload
		}
		if err := decodeLoose(source, group); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(group.Participants) == 0 {
			if value, ok := v.get("participants"); ok {
				group.Participants = cast.ToStringSlice(value)
			}
		}
		evt.Group = group
	default:
		evt.Message = &InboundMessage{
			ID:       v.innermostFirst().str("id", "message_id", "messageId"),
			From:     v.str("from", "sender_id", "sender", "chat_id"),
			ChatID:   v.str("chat_id", "from"),
			PushName: v.str("pushname", "pushName", "push_name", "sender_name"),
			FromMe:   fromMe(v),
			Parsed:   ParseMessage(raw),
		}
	}
	return evt, nil
}

// Classify picks the variant of a payload: explicit markers first, then
// structural heuristics, then message.
func Classify(raw map[string]interface{}) Kind {
	v := newView(raw)

	marker := cast.ToString(raw["event"])
	if marker == "" {
		marker = cast.ToString(raw["type"])
	}

	switch strings.ToLower(strings.TrimSpace(marker)) {
	case "message.ack", "message.status", "receipt":
		return KindStatus
	case "group.participants":
		return KindGroup
	case "device_status", "device.status", "connection.update":
		return KindDeviceStatus
	case "qr_code", "qr":
		return KindQRCode
	case "pairing_code":
		return KindPairingCode
	}

	switch {
	case v.has("receipt_type"):
		return KindStatus
	case v.has("qrCode", "qr_code"):
		return KindQRCode
	case v.has("pairingCode", "pairing_code"):
		return KindPairingCode
	}

	if status := strings.ToLower(v.str("status")); status == "connected" || status == "disconnected" {
		return KindDeviceStatus
	}
	// message fields, or nothing recognizable at all
	return KindMessage
}

// ResolveDeviceID returns the first device id candidate present in raw
func ResolveDeviceID(raw map[string]interface{}) string {
	for _, p := range deviceIDPaths {
		if value, ok := path(raw, p); ok {
			if id := strings.TrimSpace(cast.ToString(value)); id != "" {
				return id
			}
		}
	}
	return UnknownDevice
}

// ResolveTimestamp parses the first usable timestamp of raw. Numbers are
// unix seconds, or milliseconds when large enough.
func ResolveTimestamp(raw map[string]interface{}, fallback time.Time) time.Time {
	for _, p := range timestampPaths {
		value, ok := path(raw, p)
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(value); ok {
			return ts
		}
	}
	return fallback
}

func parseTimestamp(value interface{}) (time.Time, bool) {
	if s, ok := value.(string); ok {
		if n, err := cast.ToInt64E(s); err == nil {
			return unixTime(n)
		}
		ts, err := dateparse.ParseAny(s)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}

	n, err := cast.ToInt64E(value)
	if err != nil {
		return time.Time{}, false
	}
	return unixTime(n)
}

func unixTime(n int64) (time.Time, bool) {
	switch {
	case n <= 0:
		return time.Time{}, false
	case n > 1e12:
		return time.UnixMilli(n), true
	default:
		return time.Unix(n, 0), true
	}
}

func fromMe(v view) bool {
	for _, key := range []string{"fromMe", "from_me", "is_from_me"} {
		if value, ok := v.get(key); ok {
			return cast.ToBool(value)
		}
	}
	return false
}

// decodeLoose maps a loosely typed payload onto out, coercing scalars
func decodeLoose(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// sessionMaterial returns the credential blob of a device event; objects are
// kept as their JSON encoding
func sessionMaterial(v view) []byte {
	for _, key := range []string{"session", "session_data", "sessionData", "creds"} {
		value, ok := v.get(key)
		if !ok {
			continue
		}
		if s, ok := value.(string); ok {
			return []byte(s)
		}
		if encoded, err := json.Marshal(value); err == nil {
			return encoded
		}
	}
	return nil
}
