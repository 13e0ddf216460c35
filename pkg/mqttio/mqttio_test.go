package mqttio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/mqttio"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *mqttio.ClientConfig {
	cfg := mqttio.DefaultClientConfig("tcp://localhost:1883", "broker/events")
	cfg.AllowPublicBroker = true
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestPublisher_PublishesFrames(t *testing.T) {
	ctx := context.Background()
	client := &mockMqttClient{}
	pub, err := mqttio.NewPublisher("mqtt-out", testConfig(), client.factory, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, pub.IsAcceptor())

	stream, err := pub.Open(ctx)
	require.NoError(t, err)
	require.NotNil(t, client.options)
	assert.False(t, client.options.AutoReconnect, "the failover owns reconnection")
	assert.True(t, client.options.Order)

	n, err := stream.Write(ctx, types.NewEvent(&types.HostStatus{HostID: 4, Output: "DOWN"}).WithRouting(2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := client.publishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "broker/events", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	ev, err := types.DecodeFrame(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ev.SourceID)
	assert.Equal(t, "DOWN", ev.Payload.(*types.HostStatus).Output)

	_, err = stream.Write(ctx, &types.Event{Type: types.TypeMetric})
	assert.ErrorIs(t, err, types.ErrMalformedEvent)

	client.mu.Lock()
	client.publishErr = errors.New("not connected")
	client.mu.Unlock()
	_, err = stream.Write(ctx, types.NewEvent(&types.ExtCommand{Command: "RESTART"}))
	assert.ErrorIs(t, err, types.ErrTransport)

	_, err = stream.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, client.IsConnected())
	_, err = stream.Write(ctx, types.NewEvent(&types.ExtCommand{Command: "RESTART"}))
	assert.ErrorIs(t, err, types.ErrTransport, "a closed connection is a transport failure")
}

func TestPublisher_ConnectFailure(t *testing.T) {
	client := &mockMqttClient{connectErr: errors.New("connection refused")}
	pub, err := mqttio.NewPublisher("mqtt-out", testConfig(), client.factory, zerolog.Nop())
	require.NoError(t, err)
	_, err = pub.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrTransport)
}

func TestSubscriber_ReceivesAndAcks(t *testing.T) {
	ctx := context.Background()
	client := &mockMqttClient{}
	sub, err := mqttio.NewSubscriber("mqtt-in", testConfig(), client.factory, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, sub.IsAcceptor())

	stream, err := sub.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "broker/events", client.subscribed)
	assert.True(t, client.options.AutoReconnect)
	assert.True(t, client.options.AutoAckDisabled, "messages are acked after decoding")

	frame, err := types.EncodeFrame(types.NewEvent(&types.Metric{MetricID: 5, Name: "rta", Value: 0.2}))
	require.NoError(t, err)
	good := &mockMqttMessage{topic: "broker/events", payload: frame, messageID: 1}
	bad := &mockMqttMessage{topic: "broker/events", payload: []byte("garbage"), messageID: 2}
	require.NoError(t, client.deliver(good))
	require.NoError(t, client.deliver(bad))

	ev, ok, err := stream.Read(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), ev.Payload.(*types.Metric).MetricID)
	assert.True(t, good.wasAcked())

	_, ok, err = stream.Read(ctx, time.Now().Add(time.Second))
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrMalformedEvent)
	assert.True(t, bad.wasAcked(), "malformed messages are not redelivered")

	_, ok, err = stream.Read(ctx, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "deadline passes with nothing to read")

	// A subscription is one peer: a second Open waits for the first stream.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Open(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = stream.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, client.unsubscribed)
	_, _, err = stream.Read(ctx, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, endpoint.ErrClosed)

	again, err := sub.Open(ctx)
	require.NoError(t, err)
	_, err = again.Stop(ctx)
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	r := endpoint.NewRegistry()
	client := &mockMqttClient{}
	require.NoError(t, mqttio.Register(r, client.factory))

	params := map[string]string{"broker": "tcp://localhost:1883", "topic": "t", "allow_public_broker": "true"}
	ep, err := r.Build(ctx, endpoint.Config{Name: "out", Type: mqttio.Kind, Params: params}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, ep.IsAcceptor())

	params["role"] = "acceptor"
	ep, err = r.Build(ctx, endpoint.Config{Name: "in", Type: mqttio.Kind, Params: params}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, ep.IsAcceptor())

	tests := []map[string]string{
		{"topic": "t", "allow_public_broker": "true"},
		{"broker": "tcp://localhost:1883", "allow_public_broker": "true"},
		{"broker": "tcp://localhost:1883", "topic": "t"},
		{"broker": "tcp://localhost:1883", "topic": "t", "allow_public_broker": "true", "qos": "3"},
		{"broker": "tcp://localhost:1883", "topic": "t", "allow_public_broker": "true", "role": "relay"},
	}
	for _, p := range tests {
		_, err := r.Build(ctx, endpoint.Config{Name: "bad", Type: mqttio.Kind, Params: p}, zerolog.Nop())
		assert.ErrorIs(t, err, types.ErrConfig, "%v", p)
	}
}
