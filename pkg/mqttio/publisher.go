package mqttio

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher is a connector endpoint: each Open is a new MQTT connection.
// The connection does not reconnect by itself; a lost connection fails the
// next Write and the failover reopens.
type Publisher struct {
	name      string
	cfg       *ClientConfig
	newClient ClientFactory
	logger    zerolog.Logger
}

// NewPublisher creates a publisher endpoint. newClient may be nil.
func NewPublisher(name string, cfg *ClientConfig, newClient ClientFactory, logger zerolog.Logger) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: mqtt publisher %s has no configuration", types.ErrConfig, name)
	}
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	return &Publisher{
		name:      name,
		cfg:       cfg,
		newClient: newClient,
		logger:    logger.With().Str("component", "MqttPublisher").Str("topic", cfg.Topic).Logger(),
	}, nil
}

func (p *Publisher) Name() string     { return p.name }
func (p *Publisher) IsAcceptor() bool { return false }

func (p *Publisher) Open(ctx context.Context) (endpoint.Stream, error) {
	opts, err := clientOptions(p.cfg)
	if err != nil {
		return nil, err
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})
	client := p.newClient(opts)
	if err := wait(client.Connect(), p.cfg.ConnectTimeout, "connect to "+p.cfg.BrokerURL); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	p.logger.Info().Str("broker", p.cfg.BrokerURL).Msg("MQTT publisher stream opened.")
	return &publisherStream{client: client, cfg: p.cfg, logger: p.logger}, nil
}

// publisherStream publishes one frame per event and acknowledges it once
// the broker confirmed it (immediately for QoS 0).
type publisherStream struct {
	client mqtt.Client
	cfg    *ClientConfig
	logger zerolog.Logger
}

// Read blocks until deadline: topics carry nothing back.
func (s *publisherStream) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	if deadline.IsZero() {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-t.C:
		return nil, false, nil
	}
}

func (s *publisherStream) Write(_ context.Context, ev *types.Event) (int, error) {
	frame, err := types.EncodeFrame(ev)
	if err != nil {
		return 0, err
	}
	if !s.client.IsConnectionOpen() {
		return 0, fmt.Errorf("%w: mqtt connection to %s is down", types.ErrTransport, s.cfg.BrokerURL)
	}
	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, frame)
	if err := wait(token, s.cfg.PublishTimeout, "publish to "+s.cfg.Topic); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *publisherStream) Flush(context.Context) (int, error) { return 0, nil }

func (s *publisherStream) Stop(context.Context) (int, error) {
	s.client.Disconnect(250)
	s.logger.Info().Msg("MQTT publisher stream stopped.")
	return 0, nil
}
