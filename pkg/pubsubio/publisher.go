package pubsubio

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// Attribute keys set on every published message, so that Pub/Sub
// subscriptions can filter without decoding the frame.
const (
	AttrEventType     = "event_type"
	AttrSourceID      = "source_id"
	AttrDestinationID = "destination_id"
)

// Publisher is a connector endpoint: each Open attaches a fresh topic
// handle.
type Publisher struct {
	name   string
	cfg    *PublisherConfig
	client *pubsub.Client
	logger zerolog.Logger
}

// NewPublisher creates a publisher endpoint. The topic is checked on Open,
// so a missing topic is retried like any transport failure.
func NewPublisher(name string, cfg *PublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: pubsub client cannot be nil for publisher %s", types.ErrConfig, name)
	}
	if cfg == nil || cfg.TopicID == "" {
		return nil, fmt.Errorf("%w: publisher %s needs a topic", types.ErrConfig, name)
	}
	return &Publisher{
		name:   name,
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "PubsubPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

func (p *Publisher) Name() string     { return p.name }
func (p *Publisher) IsAcceptor() bool { return false }

// Open checks the topic and returns a stream publishing to it.
func (p *Publisher) Open(ctx context.Context) (endpoint.Stream, error) {
	topic := p.client.Topic(p.cfg.TopicID)
	topic.PublishSettings.DelayThreshold = p.cfg.BatchDelay
	topic.PublishSettings.CountThreshold = p.cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second
	topic.PublishSettings.NumGoroutines = 5
	if p.cfg.OrderingKey != "" {
		topic.EnableMessageOrdering = true
	}

	existsCtx, cancel := context.WithTimeout(ctx, p.cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		topic.Stop()
		return nil, fmt.Errorf("%w: failed to check for topic %s: %v", types.ErrTransport, p.cfg.TopicID, err)
	}
	if !exists {
		topic.Stop()
		return nil, fmt.Errorf("%w: pubsub topic %s does not exist", types.ErrTransport, p.cfg.TopicID)
	}

	p.logger.Info().Msg("Pub/Sub publisher stream opened.")
	return &publisherStream{
		topic:  topic,
		cfg:    p.cfg,
		logger: p.logger,
	}, nil
}

// publisherStream publishes one frame per event. Pub/Sub batches
// internally; an event counts as acknowledged once its publish result, and
// the results of every earlier event, have succeeded.
type publisherStream struct {
	topic   *pubsub.Topic
	cfg     *PublisherConfig
	logger  zerolog.Logger
	pending []*pubsub.PublishResult
}

// Read blocks until deadline: topics carry nothing back.
func (s *publisherStream) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	wait := time.Until(deadline)
	if deadline.IsZero() {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if wait <= 0 {
		return nil, false, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-t.C:
		return nil, false, nil
	}
}

func (s *publisherStream) Write(ctx context.Context, ev *types.Event) (int, error) {
	frame, err := types.EncodeFrame(ev)
	if err != nil {
		return 0, err
	}
	msg := &pubsub.Message{
		Data: frame,
		Attributes: map[string]string{
			AttrEventType:     ev.Type.String(),
			AttrSourceID:      strconv.FormatUint(uint64(ev.SourceID), 10),
			AttrDestinationID: strconv.FormatUint(uint64(ev.DestinationID), 10),
		},
		OrderingKey: s.cfg.OrderingKey,
	}
	s.pending = append(s.pending, s.topic.Publish(ctx, msg))
	return s.confirm(ctx, false)
}

func (s *publisherStream) Flush(ctx context.Context) (int, error) {
	s.topic.Flush()
	return s.confirm(ctx, true)
}

func (s *publisherStream) Stop(ctx context.Context) (int, error) {
	n, err := s.Flush(ctx)
	s.topic.Stop()
	s.logger.Info().Int("unconfirmed", len(s.pending)).Msg("Pub/Sub publisher stream stopped.")
	return n, err
}

// confirm pops the publish results that are complete, in order. With wait
// set it waits for every pending result.
func (s *publisherStream) confirm(ctx context.Context, wait bool) (int, error) {
	n := 0
	for len(s.pending) > 0 {
		res := s.pending[0]
		if !wait {
			select {
			case <-res.Ready():
			default:
				return n, nil
			}
		}
		getCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishConfirmationTimeout)
		msgID, err := res.Get(getCtx)
		cancel()
		if err != nil {
			if s.cfg.OrderingKey != "" {
				s.topic.ResumePublish(s.cfg.OrderingKey)
			}
			return n, fmt.Errorf("%w: publish to %s failed: %v", types.ErrTransport, s.cfg.TopicID, err)
		}
		s.logger.Debug().Str("pubsub_msg_id", msgID).Msg("Event published.")
		s.pending[0] = nil
		s.pending = s.pending[1:]
		n++
	}
	return n, nil
}
