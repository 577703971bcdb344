// Package bridge is the HTTP client for the WhatsApp bridge REST API.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTimeout    = 30 * time.Second
	defaultHealthPath = "/app/devices"
	maxErrorBody      = 512
)

// Options tunes a bridge client
type Options struct {
	Timeout    time.Duration
	RateLimit  float64 // requests per second, zero disables limiting
	HealthPath string
	HTTPClient *http.Client
}

// Client talks to one bridge endpoint
type Client struct {
	baseURL    string
	apiKey     string
	healthPath string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the bridge at baseURL
func NewClient(baseURL, apiKey string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		healthPath: healthPath,
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// BaseURL returns the bridge root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SendMessage sends a text message to phone
func (c *Client) SendMessage(ctx context.Context, phone, message string) (*SendResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"phone":   phone,
		"message": message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp envelope[SendResponse]
	if err := c.do(ctx, http.MethodPost, "/send/message", bytes.NewReader(payload), "application/json", &resp); err != nil {
		return nil, err
	}
	return &resp.Results, nil
}

// SendFile uploads file as a multipart form to phone
func (c *Client) SendFile(ctx context.Context, phone, caption, filename string, file io.Reader) (*SendResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("phone", phone); err != nil {
		return nil, fmt.Errorf("failed to write phone field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return nil, fmt.Errorf("failed to write caption field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	var resp envelope[SendResponse]
	if err := c.do(ctx, http.MethodPost, "/send/file", &body, writer.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return &resp.Results, nil
}

// GetDevices lists devices logged in on the bridge
func (c *Client) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	var resp envelope[[]DeviceInfo]
	if err := c.do(ctx, http.MethodGet, "/app/devices", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GenerateQRCode starts a QR login
func (c *Client) GenerateQRCode(ctx context.Context) (*QRCodeResponse, error) {
	var resp envelope[QRCodeResponse]
	if err := c.do(ctx, http.MethodGet, "/app/login", nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Results.QRLink == "" {
		return nil, fmt.Errorf("bridge returned an empty QR code")
	}
	return &resp.Results, nil
}

// GeneratePairingCode starts a pairing-code login for phone
func (c *Client) GeneratePairingCode(ctx context.Context, phone string) (*PairingCodeResponse, error) {
	path := "/app/login-with-code?phone=" + url.QueryEscape(phone)

	var resp envelope[PairingCodeResponse]
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Results.PairCode == "" {
		return nil, fmt.Errorf("bridge returned an empty pairing code")
	}
	return &resp.Results, nil
}

// Logout tears down the remote WhatsApp session
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/app/logout", nil, "", nil)
}

// GetChats lists the chats stored by the bridge
func (c *Client) GetChats(ctx context.Context) ([]Chat, error) {
	var resp envelope[pagedResults[Chat]]
	if err := c.do(ctx, http.MethodGet, "/chats", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Results.Data, nil
}

// GetChatMessages lists the messages of the chat identified by jid
func (c *Client) GetChatMessages(ctx context.Context, jid string) ([]ChatMessage, error) {
	path := "/chat/" + url.PathEscape(jid) + "/messages"

	var resp envelope[pagedResults[ChatMessage]]
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Results.Data, nil
}

// Health probes the bridge. Callers bound the probe through ctx.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.healthPath, nil, "", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// FormatPhone reduces a phone number or JID to its digits, dropping the
// "@server" suffix and any ":device" part first.
func FormatPhone(phone string) string {
	if i := strings.Index(phone, "@"); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.Index(phone, ":"); i >= 0 {
		phone = phone[:i]
	}

	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
