// Package messaging provides a NATS client wrapper for the matchmaking
// services. Durable work queues (submitted match requests and expiry jobs)
// ride on JetStream streams with explicit acks; best-effort push events to
// connected users and the cancel request/reply path use core NATS.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the matchmaking services.
const (
	SubjectSubmit = "match.submit" // JetStream: incoming match requests
	SubjectExpire = "match.expire" // JetStream: delayed expiry jobs (request_id only)
	SubjectCancel = "match.cancel" // core request/reply: explicit cancellation
	SubjectEvent  = "match.event"  // + .<user_id>: terminal-state push events
)

// JetStream stream and consumer names.
const (
	StreamRequests = "MATCH_REQUESTS"
	StreamExpiry   = "MATCH_EXPIRY"

	DurableSubmit = "match-engine-submit"
	DurableExpire = "match-engine-expire"

	// WorkerQueue is the queue group shared by all engine workers so that
	// each queued message is delivered to exactly one worker.
	WorkerQueue = "match-engine"
)

// ackWait is how long JetStream waits for an ack before redelivering a
// message to another worker. Processing one request is a handful of Redis
// round trips plus at most a 5s collab call, so 30s is generous.
const ackWait = 30 * time.Second

// NATSClient wraps the NATS connection with helper methods for the
// matchmaking pub/sub and work-queue channels.
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
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
		Name:          "peermatch",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection or the JetStream
// handle fails.
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

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		js:   js,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// EnsureStreams creates the two durable work-queue streams if they do not
// exist yet. Safe to call from every worker at startup.
func (c *NATSClient) EnsureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamRequests,
			Subjects:  []string{SubjectSubmit},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		},
		{
			Name:      StreamExpiry,
			Subjects:  []string{SubjectExpire},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		},
	}

	for _, cfg := range streams {
		_, err := c.js.AddStream(cfg)
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("nats: add stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// PublishSubmit publishes a submitted match request to the durable request
// queue. The message is persisted by JetStream before this returns.
func (c *NATSClient) PublishSubmit(data []byte) error {
	if _, err := c.js.Publish(SubjectSubmit, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", SubjectSubmit, err)
	}
	return nil
}

// PublishExpire publishes an expiry job to the durable expiry queue.
func (c *NATSClient) PublishExpire(data []byte) error {
	if _, err := c.js.Publish(SubjectExpire, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", SubjectExpire, err)
	}
	return nil
}

// SubscribeSubmit attaches this worker to the durable request-queue consumer.
// Messages are delivered at least once; the handler must ack only after the
// store state has been advanced, or the message will be redelivered.
func (c *NATSClient) SubscribeSubmit(handler func(msg *nats.Msg)) error {
	return c.queueSubscribeDurable(SubjectSubmit, DurableSubmit, handler)
}

// SubscribeExpire attaches this worker to the durable expiry-queue consumer.
func (c *NATSClient) SubscribeExpire(handler func(msg *nats.Msg)) error {
	return c.queueSubscribeDurable(SubjectExpire, DurableExpire, handler)
}

func (c *NATSClient) queueSubscribeDurable(subject, durable string, handler func(msg *nats.Msg)) error {
	sub, err := c.js.QueueSubscribe(subject, WorkerQueue, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
	)
	if err != nil {
		return fmt.Errorf("nats: queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// RequestCancel sends a cancellation and waits for the engine's reply.
func (c *NATSClient) RequestCancel(data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(SubjectCancel, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats: cancel request: %w", err)
	}
	return msg.Data, nil
}

// SubscribeCancel registers this worker as a cancel responder. All workers
// share a queue group so each cancellation is answered exactly once.
func (c *NATSClient) SubscribeCancel(handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(SubjectCancel, WorkerQueue, handler)
	if err != nil {
		return fmt.Errorf("nats: queue subscribe %s: %w", SubjectCancel, err)
	}

	c.mu.Lock()
	c.subs[SubjectCancel] = sub
	c.mu.Unlock()
	return nil
}

// PublishEvent publishes a terminal-state event to a specific user's event
// subject. Fire and forget: if nobody is subscribed (user not connected),
// the event is dropped.
func (c *NATSClient) PublishEvent(userID string, data []byte) error {
	return c.conn.Publish(SubjectEvent+"."+userID, data)
}

// SubscribeEvents subscribes to the match.event.<userID> subject and passes
// the raw message data to the handler.
func (c *NATSClient) SubscribeEvents(userID string, handler func(data []byte)) error {
	subject := SubjectEvent + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeEvents unsubscribes from a user's event subject.
func (c *NATSClient) UnsubscribeEvents(userID string) error {
	return c.unsubscribe(SubjectEvent + "." + userID)
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

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
