package kvstore

// Key layout shared by the WhatsApp components.
const (
	keyPrefix = "whatsapp:"

	TenantsKey      = keyPrefix + "tenants"
	GlobalEventsKey = keyPrefix + "events:global"
)

func TenantConfigKey(tenantID string) string {
	return keyPrefix + "tenant:" + tenantID + ":config"
}

func TenantDevicesKey(tenantID string) string {
	return keyPrefix + "tenant:" + tenantID + ":devices"
}

func TenantConversationsKey(tenantID string) string {
	return keyPrefix + "tenant:" + tenantID + ":conversations"
}

func DeviceKey(deviceID string) string {
	return keyPrefix + "device:" + deviceID
}

func SessionKey(deviceID string) string {
	return keyPrefix + "session:" + deviceID
}

func HealthKey(tenantID, endpointID string) string {
	return keyPrefix + "health:" + tenantID + ":" + endpointID
}

func ConversationKey(tenantID, phone string) string {
	return keyPrefix + "conversation:" + tenantID + ":" + phone
}

func ConversationIndexKey(conversationID string) string {
	return keyPrefix + "conversation:index:" + conversationID
}

func ConversationMessagesKey(conversationID string) string {
	return keyPrefix + "conversation:" + conversationID + ":messages"
}

// MessageKey is scoped by tenant: bridge message ids are only unique per account
func MessageKey(tenantID, messageID string) string {
	return keyPrefix + "message:" + tenantID + ":" + messageID
}

func TenantEventsKey(tenantID string) string {
	return keyPrefix + "events:" + tenantID
}

func FailedWebhooksKey(tenantID string) string {
	return keyPrefix + "webhook:failed:" + tenantID
}
