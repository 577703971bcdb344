package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
	"github.com/dirhaam/platforms-sub000/internal/bridge/bridgetest"
	"github.com/dirhaam/platforms-sub000/internal/kvstore"
	"github.com/dirhaam/platforms-sub000/internal/kvstore/kvstoretest"
	"github.com/dirhaam/platforms-sub000/internal/repo"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

type singleClient struct {
	fake     *bridgetest.Fake
	endpoint models.Endpoint
	lastUsed string
}

func (s *singleClient) GetClient(ctx context.Context, tenantID, endpointID string) (bridge.API, *models.Endpoint, error) {
	s.lastUsed = "explicit:" + endpointID
	return s.fake, &s.endpoint, nil
}

func (s *singleClient) GetHealthyClient(ctx context.Context, tenantID string) (bridge.API, *models.Endpoint, error) {
	s.lastUsed = "healthy"
	return s.fake, &s.endpoint, nil
}

type deviceTable map[string]*models.Device

func (d deviceTable) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	device, ok := d[id]
	if !ok {
		return nil, errors.New("device not found")
	}
	return device, nil
}

type memoryArchive struct {
	uploads int
	err     error
}

func (m *memoryArchive) Upload(ctx context.Context, tenantID, messageID, filename string, body io.ReadSeeker) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.uploads++
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return "https://cdn/" + tenantID + "/" + messageID, nil
}

type sentEvents struct{ types []string }

func (s *sentEvents) Emit(ctx context.Context, event models.Event) {
	s.types = append(s.types, event.Type)
}

type serviceEnv struct {
	service       *Service
	client        *singleClient
	conversations *repo.ConversationRepository
	messages      *repo.MessageRepository
	archive       *memoryArchive
	events        *sentEvents
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	store, _ := kvstoretest.New(t)
	locker := kvstore.NewLocker()

	env := &serviceEnv{
		client:        &singleClient{fake: bridgetest.New(), endpoint: models.Endpoint{ID: "ep1", TenantID: "t1"}},
		conversations: repo.NewConversationRepository(store, locker),
		messages:      repo.NewMessageRepository(store, locker),
		archive:       &memoryArchive{},
		events:        &sentEvents{},
	}
	devices := deviceTable{
		"d1":      {ID: "d1", TenantID: "t1", EndpointID: "ep-device"},
		"foreign": {ID: "foreign", TenantID: "t2", EndpointID: "ep-x"},
	}
	env.service = NewService(env.client, devices, env.conversations, env.messages, env.archive, env.events)
	return env
}

func TestService_SendMessageRecordsAfterSuccess(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	msg, err := env.service.SendMessage(ctx, "t1", models.SendMessageRequest{Phone: "+62 811-000", Message: "Your order is ready"})
	require.NoError(t, err)
	assert.Equal(t, "healthy", env.client.lastUsed)
	assert.Equal(t, "62811000", env.client.fake.Sent[0].Phone)

	assert.Equal(t, models.DeliveryStatusSent, msg.DeliveryStatus)
	assert.False(t, msg.IsFromCustomer)
	assert.NotEmpty(t, msg.ID)

	conv, err := env.conversations.GetByPhone(ctx, "t1", "62811000")
	require.NoError(t, err)
	assert.Equal(t, "Your order is ready", conv.LastMessagePreview)
	assert.Equal(t, 0, conv.UnreadCount)

	stored, err := env.messages.GetByConversation(ctx, "t1", conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)
	assert.Equal(t, []string{models.EventMessageSent}, env.events.types)
}

func TestService_SendMessageFailureRecordsNothing(t *testing.T) {
	env := newServiceEnv(t)
	env.client.fake.SendErr = bridgetest.ErrUnavailable
	ctx := context.Background()

	_, err := env.service.SendMessage(ctx, "t1", models.SendMessageRequest{Phone: "62811", Message: "hi"})
	require.ErrorIs(t, err, bridgetest.ErrUnavailable)

	_, err = env.conversations.GetByPhone(ctx, "t1", "62811")
	assert.ErrorIs(t, err, repo.ErrConversationNotFound)
	assert.Empty(t, env.events.types)
}

func TestService_SendMessageResolvesDeviceEndpoint(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.SendMessage(ctx, "t1", models.SendMessageRequest{DeviceID: "d1", Phone: "62811", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "explicit:ep-device", env.client.lastUsed)

	_, err = env.service.SendMessage(ctx, "t1", models.SendMessageRequest{DeviceID: "foreign", Phone: "62811", Message: "hi"})
	assert.ErrorIs(t, err, ErrDeviceForeign)

	_, err = env.service.SendMessage(ctx, "t1", models.SendMessageRequest{Phone: "@s.whatsapp.net", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestService_SendFileArchivesAndRecords(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	content := []byte("%PDF-1.4 invoice")

	msg, err := env.service.SendFile(ctx, "t1", SendFileRequest{Phone: "62811", Caption: "Invoice May", Filename: "invoice.pdf"}, bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, 1, env.archive.uploads)
	require.Len(t, env.client.fake.Sent, 1)
	assert.Equal(t, content, env.client.fake.Sent[0].Content, "bridge receives the full file after archiving")

	assert.Equal(t, models.MessageTypeDocument, msg.Type)
	assert.Contains(t, msg.MediaURL, "https://cdn/t1/")
	assert.Equal(t, "Invoice May", msg.MediaCaption)

	conv, err := env.conversations.GetByPhone(ctx, "t1", "62811")
	require.NoError(t, err)
	assert.Equal(t, "📄 Document: Invoice May", conv.LastMessagePreview)
}

func TestService_SendFileFailureRecordsNothing(t *testing.T) {
	env := newServiceEnv(t)
	env.client.fake.SendErr = bridgetest.ErrUnavailable
	ctx := context.Background()

	_, err := env.service.SendFile(ctx, "t1", SendFileRequest{Phone: "62811", Filename: "a.png"}, bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = env.conversations.GetByPhone(ctx, "t1", "62811")
	assert.ErrorIs(t, err, repo.ErrConversationNotFound)
}

func TestService_ConversationAccessIsTenantScoped(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	_, err := env.service.SendMessage(ctx, "t1", models.SendMessageRequest{Phone: "62811", Message: "hi"})
	require.NoError(t, err)
	conv, err := env.conversations.GetByPhone(ctx, "t1", "62811")
	require.NoError(t, err)

	_, err = env.service.GetConversation(ctx, "t2", conv.ID)
	assert.ErrorIs(t, err, repo.ErrConversationNotFound)

	_, err = env.service.MarkConversationRead(ctx, "t2", conv.ID)
	assert.ErrorIs(t, err, repo.ErrConversationNotFound)

	messages, err := env.service.GetConversationMessages(ctx, "t1", conv.ID, 50)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestMediaKind(t *testing.T) {
	assert.Equal(t, models.MessageTypeImage, mediaKind("photo.PNG"))
	assert.Equal(t, models.MessageTypeImage, mediaKind("photo.jpg"))
	assert.Equal(t, models.MessageTypeDocument, mediaKind("invoice.pdf"))
	assert.Equal(t, models.MessageTypeDocument, mediaKind("noext"))
}
