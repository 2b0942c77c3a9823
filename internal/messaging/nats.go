// Package messaging provides a NATS client wrapper for the core's wire
// surface. Inbound user actions arrive on action.* subjects, outbound
// payloads and lifecycle events are published per user on deliver.<userID>
// and event.<userID>. It also adapts the client to the chat delivery
// interface.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veilchat/core/internal/chat"
)

// NATS subject patterns.
const (
	SubjectActionRegister = "action.register"
	SubjectActionSearch   = "action.search"
	SubjectActionCancel   = "action.cancel"
	SubjectActionMessage  = "action.message"
	SubjectActionStop     = "action.stop"
	SubjectActionReport   = "action.report"
	SubjectActionVote     = "action.vote"

	SubjectDeliver = "deliver" // + .<user_id>, opaque relayed payloads
	SubjectEvent   = "event"   // + .<user_id>, lifecycle notifications
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "veilcore",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeAction subscribes to one of the action.* subjects and passes the
// raw request data to the handler.
func (c *NATSClient) SubscribeAction(subject string, handler func(data []byte)) error {
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishDeliver publishes a relayed chat payload to a user's delivery
// subject.
func (c *NATSClient) PublishDeliver(userID string, data []byte) error {
	return c.Publish(SubjectDeliver+"."+userID, data)
}

// PublishEvent publishes a lifecycle event to a user's event subject.
func (c *NATSClient) PublishEvent(userID string, data []byte) error {
	return c.Publish(SubjectEvent+"."+userID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// flushTimeout bounds how long a delivery waits for broker acknowledgement.
const flushTimeout = 5 * time.Second

// NATSDelivery adapts the client to the chat delivery interface. A publish
// followed by a bounded flush surfaces broker outages as delivery failures
// instead of silently buffering payloads.
type NATSDelivery struct {
	client *NATSClient
}

// NewNATSDelivery wraps a connected client for chat delivery.
func NewNATSDelivery(client *NATSClient) *NATSDelivery {
	return &NATSDelivery{client: client}
}

// Send publishes payload to the recipient's delivery subject.
func (d *NATSDelivery) Send(ctx context.Context, userID string, payload []byte) error {
	if err := d.client.PublishDeliver(userID, payload); err != nil {
		return fmt.Errorf("messaging: deliver to %s: %w", userID, err)
	}

	timeout := flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := d.client.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("messaging: flush delivery to %s: %w", userID, err)
	}
	return nil
}

var _ chat.Delivery = (*NATSDelivery)(nil)
