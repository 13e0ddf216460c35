package pubsubio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Subscriber is an acceptor endpoint over one subscription. A subscription
// is a single peer: Open returns a receiving stream, and the next Open
// blocks until that stream has stopped.
type Subscriber struct {
	name   string
	cfg    *SubscriberConfig
	client *pubsub.Client
	logger zerolog.Logger
	slot   chan struct{}
}

func NewSubscriber(name string, cfg *SubscriberConfig, client *pubsub.Client, logger zerolog.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: pubsub client cannot be nil for subscriber %s", types.ErrConfig, name)
	}
	if cfg == nil || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: subscriber %s needs a subscription", types.ErrConfig, name)
	}
	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	return &Subscriber{
		name:   name,
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "PubsubSubscriber").Str("subscription_id", cfg.SubscriptionID).Logger(),
		slot:   make(chan struct{}, 1),
	}, nil
}

func (s *Subscriber) Name() string     { return s.name }
func (s *Subscriber) IsAcceptor() bool { return true }

// Open waits until no other stream of this subscriber is active, then
// starts receiving.
func (s *Subscriber) Open(ctx context.Context) (endpoint.Stream, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sub := s.client.Subscription(s.cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscriptionTimeout)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil || !exists {
		<-s.slot
		return nil, fmt.Errorf("%w: subscription %s does not exist: %v", types.ErrTransport, s.cfg.SubscriptionID, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = s.cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = s.cfg.NumGoroutines

	receiveCtx, cancelReceive := context.WithCancel(context.Background())
	st := &subscriberStream{
		logger:   s.logger,
		messages: make(chan *pubsub.Message, s.cfg.MaxOutstandingMessages),
		cancel:   cancelReceive,
		done:     make(chan struct{}),
		release:  func() { <-s.slot },
	}
	go st.receive(receiveCtx, sub)
	s.logger.Info().Msg("Listening for messages.")
	return st, nil
}

// subscriberStream hands received messages to Read. A message is acked
// once its event has been returned, or at once when it cannot be decoded.
type subscriberStream struct {
	logger   zerolog.Logger
	messages chan *pubsub.Message
	cancel   context.CancelFunc
	done     chan struct{}
	release  func()
	stopOnce sync.Once

	mu         sync.Mutex
	receiveErr error
}

func (s *subscriberStream) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(s.done)
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error.")
		s.mu.Lock()
		s.receiveErr = err
		s.mu.Unlock()
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
		select {
		case msg := <-s.messages:
			return s.decode(msg)
		default:
		}
		s.mu.Lock()
		err := s.receiveErr
		s.mu.Unlock()
		if err != nil {
			return nil, false, fmt.Errorf("%w: receive ended: %v", types.ErrTransport, err)
		}
		return nil, false, endpoint.ErrClosed
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timeout:
		return nil, false, nil
	}
}

func (s *subscriberStream) decode(msg *pubsub.Message) (*types.Event, bool, error) {
	ev, err := types.DecodeFrame(msg.Data)
	// Malformed messages would be redelivered forever if nacked.
	msg.Ack()
	if err != nil {
		return nil, false, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return ev, true, nil
}

// Write discards the event: a subscription carries nothing back.
func (s *subscriberStream) Write(_ context.Context, ev *types.Event) (int, error) {
	s.logger.Debug().Str("event", ev.String()).Msg("Subscription streams are receive-only, event discarded.")
	return 1, nil
}

func (s *subscriberStream) Flush(context.Context) (int, error) { return 0, nil }

// Stop ends Receive and nacks buffered messages so Pub/Sub redelivers them.
func (s *subscriberStream) Stop(ctx context.Context) (int, error) {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
			s.logger.Error().Err(err).Msg("Timeout waiting for Pub/Sub Receive to stop.")
		}
	drain:
		for {
			select {
			case msg := <-s.messages:
				msg.Nack()
			default:
				break drain
			}
		}
		s.release()
		s.logger.Info().Msg("Pub/Sub subscriber stream stopped.")
	})
	return 0, err
}
