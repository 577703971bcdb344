// Package bridgetest provides a programmable in-memory bridge for tests.
package bridgetest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dirhaam/platforms-sub000/internal/bridge"
)

// ErrUnavailable is the default failure returned by a failing fake
var ErrUnavailable = errors.New("bridge unavailable")

// SentMessage records one send call
type SentMessage struct {
	Phone    string
	Message  string
	Filename string
	Caption  string
	Content  []byte
}

// Fake implements bridge.API. Each *Err field makes the matching call fail.
type Fake struct {
	mu sync.Mutex

	HealthErr    error
	SendErr      error
	QRErr        error
	PairingErr   error
	LogoutErr    error
	DevicesErr   error
	QRCode       string
	PairingCode  string
	Devices      []bridge.DeviceInfo
	Chats        []bridge.Chat
	ChatMessages map[string][]bridge.ChatMessage
	Sent         []SentMessage
	HealthCalls  int
	LogoutCalls  int
	QRCalls      int
	PairingCalls int
}

// New returns a fake that succeeds on every call
func New() *Fake {
	return &Fake{
		QRCode:       "2@fake-qr",
		PairingCode:  "ABCD-1234",
		ChatMessages: make(map[string][]bridge.ChatMessage),
	}
}

// SetHealthy toggles the health probe result
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if healthy {
		f.HealthErr = nil
	} else {
		f.HealthErr = ErrUnavailable
	}
}

// SetFailPairing makes both QR and pairing-code generation fail
func (f *Fake) SetFailPairing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail {
		f.QRErr = ErrUnavailable
		f.PairingErr = ErrUnavailable
	} else {
		f.QRErr = nil
		f.PairingErr = nil
	}
}

// SentCount returns how many send calls succeeded
func (f *Fake) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

func (f *Fake) SendMessage(ctx context.Context, phone, message string) (*bridge.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.Sent = append(f.Sent, SentMessage{Phone: phone, Message: message})
	return &bridge.SendResponse{MessageID: uuid.NewString(), Status: "sent"}, nil
}

func (f *Fake) SendFile(ctx context.Context, phone, caption, filename string, file io.Reader) (*bridge.SendResponse, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.Sent = append(f.Sent, SentMessage{Phone: phone, Caption: caption, Filename: filename, Content: content})
	return &bridge.SendResponse{MessageID: uuid.NewString(), Status: "sent"}, nil
}

func (f *Fake) GetDevices(ctx context.Context) ([]bridge.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DevicesErr != nil {
		return nil, f.DevicesErr
	}
	return append([]bridge.DeviceInfo(nil), f.Devices...), nil
}

func (f *Fake) GenerateQRCode(ctx context.Context) (*bridge.QRCodeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QRCalls++
	if f.QRErr != nil {
		return nil, f.QRErr
	}
	return &bridge.QRCodeResponse{QRLink: f.QRCode, QRDuration: 30}, nil
}

func (f *Fake) GeneratePairingCode(ctx context.Context, phone string) (*bridge.PairingCodeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PairingCalls++
	if f.PairingErr != nil {
		return nil, f.PairingErr
	}
	return &bridge.PairingCodeResponse{PairCode: f.PairingCode}, nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogoutCalls++
	return f.LogoutErr
}

func (f *Fake) GetChats(ctx context.Context) ([]bridge.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Chat(nil), f.Chats...), nil
}

func (f *Fake) GetChatMessages(ctx context.Context, jid string) ([]bridge.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.ChatMessage(nil), f.ChatMessages[jid]...), nil
}

func (f *Fake) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HealthCalls++
	return f.HealthErr
}

var _ bridge.API = (*Fake)(nil)
