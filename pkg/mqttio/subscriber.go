package mqttio

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Subscriber is an acceptor endpoint over one topic filter. The
// subscription is a single peer: Open connects and subscribes, and the next
// Open blocks until that stream has stopped. The client reconnects by
// itself and subscribes again on every reconnection.
type Subscriber struct {
	name      string
	cfg       *ClientConfig
	newClient ClientFactory
	logger    zerolog.Logger
	slot      chan struct{}
}

// NewSubscriber creates a subscriber endpoint. newClient may be nil.
func NewSubscriber(name string, cfg *ClientConfig, newClient ClientFactory, logger zerolog.Logger) (*Subscriber, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: mqtt subscriber %s has no configuration", types.ErrConfig, name)
	}
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	return &Subscriber{
		name:      name,
		cfg:       cfg,
		newClient: newClient,
		logger:    logger.With().Str("component", "MqttSubscriber").Str("topic", cfg.Topic).Logger(),
		slot:      make(chan struct{}, 1),
	}, nil
}

func (s *Subscriber) Name() string     { return s.name }
func (s *Subscriber) IsAcceptor() bool { return true }

func (s *Subscriber) Open(ctx context.Context) (endpoint.Stream, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st := &subscriberStream{
		cfg:      s.cfg,
		logger:   s.logger,
		messages: make(chan mqtt.Message, s.cfg.Buffer),
		done:     make(chan struct{}),
		release:  func() { <-s.slot },
	}
	opts, err := clientOptions(s.cfg)
	if err != nil {
		st.release()
		return nil, err
	}
	opts.SetAutoReconnect(true)
	// Messages are acknowledged once decoded by Read.
	opts.SetAutoAckDisabled(true)
	opts.SetOnConnectHandler(st.onReconnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})
	st.client = s.newClient(opts)

	if err := wait(st.client.Connect(), s.cfg.ConnectTimeout, "connect to "+s.cfg.BrokerURL); err != nil {
		st.release()
		return nil, err
	}
	if err := st.subscribe(); err != nil {
		st.client.Disconnect(0)
		st.release()
		return nil, err
	}
	s.logger.Info().Str("broker", s.cfg.BrokerURL).Msg("Listening for MQTT messages.")
	return st, nil
}

type subscriberStream struct {
	client   mqtt.Client
	cfg      *ClientConfig
	logger   zerolog.Logger
	messages chan mqtt.Message
	done     chan struct{}
	release  func()
	stopOnce sync.Once

	mu         sync.Mutex
	subscribed bool
}

func (s *subscriberStream) subscribe() error {
	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
	if err := wait(token, s.cfg.ConnectTimeout, "subscribe to "+s.cfg.Topic); err != nil {
		return err
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	return nil
}

// onReconnect subscribes again after an automatic reconnection. The first
// subscription is made by Open.
func (s *subscriberStream) onReconnect(_ mqtt.Client) {
	s.mu.Lock()
	again := s.subscribed
	s.mu.Unlock()
	if !again {
		return
	}
	go func() {
		if err := s.subscribe(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to subscribe again after reconnection.")
			return
		}
		s.logger.Info().Msg("Subscribed again after reconnection.")
	}()
}

// handle queues a message for Read, waiting while the buffer is full.
func (s *subscriberStream) handle(_ mqtt.Client, msg mqtt.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

func (s *subscriberStream) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case msg := <-s.messages:
		return s.decode(msg)
	case <-s.done:
		return nil, false, endpoint.ErrClosed
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timeout:
		return nil, false, nil
	}
}

func (s *subscriberStream) decode(msg mqtt.Message) (*types.Event, bool, error) {
	ev, err := types.DecodeFrame(msg.Payload())
	msg.Ack()
	if err != nil {
		return nil, false, fmt.Errorf("message %d on %s: %w", msg.MessageID(), msg.Topic(), err)
	}
	return ev, true, nil
}

// Write discards the event: a subscription carries nothing back.
func (s *subscriberStream) Write(_ context.Context, ev *types.Event) (int, error) {
	s.logger.Debug().Str("event", ev.String()).Msg("Subscription streams are receive-only, event discarded.")
	return 1, nil
}

func (s *subscriberStream) Flush(context.Context) (int, error) { return 0, nil }

// Stop unsubscribes and disconnects. Buffered messages are not
// acknowledged, so a persistent session gets them again.
func (s *subscriberStream) Stop(context.Context) (int, error) {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.client.IsConnected() {
			if err := wait(s.client.Unsubscribe(s.cfg.Topic), 2*time.Second, "unsubscribe from "+s.cfg.Topic); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to unsubscribe.")
			}
		}
		s.client.Disconnect(250)
		s.release()
		s.logger.Info().Int("unread", len(s.messages)).Msg("MQTT subscriber stream stopped.")
	})
	return 0, nil
}
