package mq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/schoolgate/apiserver/config"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	published []Message
	closed    bool
}

func (b *recordingBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	b.published = append(b.published, Message{ID: channel, Data: data, Attributes: attrs})
	return "id-1", nil
}

func (b *recordingBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	for _, msg := range b.published {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *recordingBackend) Close() error {
	b.closed = true
	return nil
}

func TestMQDelegates(t *testing.T) {
	backend := &recordingBackend{}
	q := New(backend, "memory")
	ctx := context.Background()

	id, err := q.Publish(ctx, "applications", []byte(`{"type":"application.submitted"}`), map[string]string{"type": "application.submitted"})
	require.NoError(t, err)
	require.Equal(t, "id-1", id)
	require.Equal(t, "memory", q.Name())

	var seen []string
	require.NoError(t, q.Subscribe(ctx, "applications", func(ctx context.Context, msg Message) error {
		seen = append(seen, msg.Attributes["type"])
		return nil
	}))
	require.Equal(t, []string{"application.submitted"}, seen)

	require.NoError(t, q.Close())
	require.True(t, backend.closed)
}

func TestOpenBackendSelection(t *testing.T) {
	q, err := Open(context.Background(), config.MQConfig{})
	require.NoError(t, err)
	require.Nil(t, q)

	_, err = Open(context.Background(), config.MQConfig{Backend: "kafka"})
	require.ErrorContains(t, err, `unknown mq backend "kafka"`)

	_, err = Open(context.Background(), config.MQConfig{Backend: "rabbitmq"})
	require.ErrorContains(t, err, "rabbitmq url is required")

	_, err = Open(context.Background(), config.MQConfig{Backend: "pubsub"})
	require.ErrorContains(t, err, "pubsub project id is required")
}

func TestHeadersToAttributes(t *testing.T) {
	require.Nil(t, headersToAttributes(nil))

	attrs := headersToAttributes(amqp.Table{
		"type":    "application.approved",
		"school":  []byte("north"),
		"attempt": int32(2),
	})
	require.Equal(t, map[string]string{
		"type":    "application.approved",
		"school":  "north",
		"attempt": "2",
	}, attrs)
}
