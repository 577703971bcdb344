package webhook

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

const (
	previewMaxRunes = 100
	fallbackContent = "[Message]"
)

// ParsedMessage is the normalized content of a chat payload
type ParsedMessage struct {
	Type         models.MessageType
	Content      string
	MediaURL     string
	MediaCaption string
	Preview      string
	Metadata     map[string]string
}

type media struct {
	URL       string `mapstructure:"url"`
	MediaPath string `mapstructure:"media_path"`
	MimeType  string `mapstructure:"mime_type"`
	Caption   string `mapstructure:"caption"`
	Filename  string `mapstructure:"filename"`
	FileName  string `mapstructure:"file_name"`
}

func (m media) link() string {
	if m.URL != "" {
		return m.URL
	}
	return m.MediaPath
}

func (m media) name() string {
	if m.Filename != "" {
		return m.Filename
	}
	return m.FileName
}

type location struct {
	Latitude  float64 `mapstructure:"degrees_latitude"`
	Longitude float64 `mapstructure:"degrees_longitude"`
	Lat       float64 `mapstructure:"latitude"`
	Lng       float64 `mapstructure:"longitude"`
	Name      string  `mapstructure:"name"`
	Address   string  `mapstructure:"address"`
}

type contact struct {
	DisplayName  string `mapstructure:"displayName"`
	DisplayName2 string `mapstructure:"display_name"`
	Name         string `mapstructure:"name"`
	VCard        string `mapstructure:"vcard"`
}

type reaction struct {
	Text      string `mapstructure:"text"`
	Emoji     string `mapstructure:"emoji"`
	MessageID string `mapstructure:"id"`
	Message   string `mapstructure:"message"`
}

// ParseMessage classifies a chat payload by the first field present in the
// order image, video, audio, document, sticker, location, contact,
// reaction, text, action and derives its content and preview.
func ParseMessage(raw map[string]interface{}) ParsedMessage {
	v := newView(raw)

	for _, kind := range []models.MessageType{
		models.MessageTypeImage,
		models.MessageTypeVideo,
		models.MessageTypeAudio,
		models.MessageTypeDocument,
		models.MessageTypeSticker,
	} {
		value, ok := v.get(string(kind))
		if !ok {
			continue
		}
		return parseMedia(kind, value)
	}

	if value, ok := v.get("location"); ok {
		return parseLocation(value)
	}
	if value, ok := v.get("contact"); ok {
		return parseContact(value)
	}
	if value, ok := v.get("reaction"); ok {
		return parseReaction(value)
	}

	if text := messageText(v); text != "" {
		return ParsedMessage{
			Type:    models.MessageTypeText,
			Content: text,
			Preview: truncate(text),
		}
	}

	if value, ok := v.get("action"); ok {
		action := cast.ToString(value)
		if m := asMap(value); m != nil {
			action = cast.ToString(m["type"])
		}
		if action == "" {
			action = "action"
		}
		return ParsedMessage{
			Type:     models.MessageTypeAction,
			Content:  action,
			Preview:  "⚙️ " + action,
			Metadata: map[string]string{"action": action},
		}
	}

	return ParsedMessage{
		Type:    models.MessageTypeUnknown,
		Content: fallbackContent,
		Preview: fallbackContent,
	}
}

func parseMedia(kind models.MessageType, value interface{}) ParsedMessage {
	var m media
	if s, ok := value.(string); ok {
		m.URL = s
	} else {
		_ = decodeLoose(value, &m)
	}

	parsed := ParsedMessage{
		Type:         kind,
		Content:      m.Caption,
		MediaURL:     m.link(),
		MediaCaption: m.Caption,
		Metadata:     map[string]string{},
	}
	if m.MimeType != "" {
		parsed.Metadata["mime_type"] = m.MimeType
	}

	var label string
	switch kind {
	case models.MessageTypeImage:
		label = "📷 Image"
	case models.MessageTypeVideo:
		label = "🎥 Video"
	case models.MessageTypeAudio:
		label = "🎵 Audio"
	case models.MessageTypeDocument:
		label = "📄 Document"
		if name := m.name(); name != "" {
			parsed.Metadata["filename"] = name
			if parsed.Content == "" {
				parsed.Content = name
			}
		}
	case models.MessageTypeSticker:
		label = "🎨 Sticker"
	}

	if parsed.Content == "" {
		parsed.Content = "[" + capitalize(string(kind)) + "]"
		parsed.Preview = label
	} else {
		parsed.Preview = truncate(label + ": " + parsed.Content)
	}
	return parsed
}

func parseLocation(value interface{}) ParsedMessage {
	var loc location
	_ = decodeLoose(value, &loc)

	lat, lng := loc.Latitude, loc.Longitude
	if lat == 0 && lng == 0 {
		lat, lng = loc.Lat, loc.Lng
	}

	content := fmt.Sprintf("%f,%f", lat, lng)
	preview := "📍 Location"
	if loc.Name != "" {
		content = loc.Name
		preview = truncate(preview + ": " + loc.Name)
	}

	return ParsedMessage{
		Type:    models.MessageTypeLocation,
		Content: content,
		Preview: preview,
		Metadata: map[string]string{
			"latitude":  cast.ToString(lat),
			"longitude": cast.ToString(lng),
			"address":   loc.Address,
		},
	}
}

func parseContact(value interface{}) ParsedMessage {
	var c contact
	_ = decodeLoose(value, &c)

	name := firstNonEmpty(c.DisplayName, c.DisplayName2, c.Name)
	if name == "" {
		name = "Contact"
	}
	parsed := ParsedMessage{
		Type:    models.MessageTypeContact,
		Content: name,
		Preview: truncate("👤 Contact: " + name),
	}
	if c.VCard != "" {
		parsed.Metadata = map[string]string{"vcard": c.VCard}
	}
	return parsed
}

func parseReaction(value interface{}) ParsedMessage {
	var r reaction
	if s, ok := value.(string); ok {
		r.Text = s
	} else {
		_ = decodeLoose(value, &r)
	}

	emoji := firstNonEmpty(r.Text, r.Emoji, r.Message)
	parsed := ParsedMessage{
		Type:    models.MessageTypeReaction,
		Content: emoji,
		Preview: strings.TrimSpace("Reacted " + emoji),
	}
	if r.MessageID != "" {
		parsed.Metadata = map[string]string{"reacted_message_id": r.MessageID}
	}
	return parsed
}

// messageText finds plain text: a string "message", or text-like fields
func messageText(v view) string {
	if value, ok := v.get("message"); ok {
		if s, isString := value.(string); isString && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return v.str("text", "body", "conversation", "content")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= previewMaxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewMaxRunes]) + "..."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// deliveryStatus maps receipt fields onto the delivery ladder
func deliveryStatus(v view) (models.DeliveryStatus, bool) {
	if s := strings.ToLower(v.str("receipt_type", "status")); s != "" {
		switch s {
		case "sent", "server":
			return models.DeliveryStatusSent, true
		case "delivered", "delivery", "device":
			return models.DeliveryStatusDelivered, true
		case "read", "read-self", "played", "viewed":
			return models.DeliveryStatusRead, true
		}
	}

	switch strings.ToUpper(v.str("ackName", "ack_name")) {
	case "SERVER":
		return models.DeliveryStatusSent, true
	case "DEVICE":
		return models.DeliveryStatusDelivered, true
	case "READ", "PLAYED":
		return models.DeliveryStatusRead, true
	}

	if value, ok := v.get("ack"); ok {
		switch n := cast.ToInt(value); {
		case n == 1:
			return models.DeliveryStatusSent, true
		case n == 2:
			return models.DeliveryStatusDelivered, true
		case n >= 3:
			return models.DeliveryStatusRead, true
		}
	}
	return "", false
}

// messageIDs collects every referenced message id, in order and without duplicates
func messageIDs(v view) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, key := range []string{"message_id", "id", "messageId"} {
		for _, layer := range v {
			if value, ok := layer[key]; ok && asMap(value) == nil && !empty(value) {
				add(cast.ToString(value))
			}
		}
	}
	for _, key := range []string{"ids", "message_ids"} {
		for _, layer := range v {
			if value, ok := layer[key]; ok {
				for _, id := range cast.ToStringSlice(value) {
					add(id)
				}
			}
		}
	}
	return ids
}
