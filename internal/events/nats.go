package events

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// NATSPublisher forwards events to NATS subjects <prefix>.<tenant>.<type>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to NATS with reconnects enabled
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("whatsapp-connectivity"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return NewNATSPublisherFromConn(conn, prefix), nil
}

// NewNATSPublisherFromConn wraps an established connection
func NewNATSPublisherFromConn(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "whatsapp.events"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on
func (p *NATSPublisher) Subject(event models.Event) string {
	tenant := event.TenantID
	if tenant == "" {
		tenant = "global"
	}
	return p.prefix + "." + tenant + "." + event.Type
}

func (p *NATSPublisher) Publish(ctx context.Context, event models.Event) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.conn.Publish(p.Subject(event), data)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil && !p.conn.IsClosed() {
		p.conn.Drain()
	}
}
