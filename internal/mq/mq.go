// Package mq carries application lifecycle events over RabbitMQ or Google
// Cloud Pub/Sub.
package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/schoolgate/apiserver/config"
)

// Message is a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Returning an error requeues it.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by each broker client.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
	name    string
}

// New wraps backend. name identifies the backend in logs.
func New(backend Backend, name string) *MQ {
	return &MQ{backend: backend, name: name}
}

// Open connects to the backend named by cfg.Backend. An empty backend returns
// nil, nil: events are disabled.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.Backend)); name {
	case "", "none":
		return nil, nil
	case "rabbitmq":
		client, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return New(client, name), nil
	case "pubsub":
		client, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		return New(client, name), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

// Publish sends a message to the named channel and returns its broker ID.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel until ctx is done.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Name returns the backend name.
func (m *MQ) Name() string {
	return m.name
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
