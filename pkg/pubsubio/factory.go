package pubsubio

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Kind is the registry name of the Pub/Sub endpoints.
const Kind = "pubsub"

// NewClient creates a Pub/Sub client. credentialsFile is optional; the
// client also honours PUBSUB_EMULATOR_HOST.
func NewClient(ctx context.Context, projectID, credentialsFile string, opts ...option.ClientOption) (*pubsub.Client, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client for project %s: %w", projectID, err)
	}
	return client, nil
}

// Register adds the pubsub endpoint kind to r. An endpoint with a "topic"
// parameter is a publisher, one with a "subscription" parameter is a
// subscriber. Optional parameters: "batch_size", "batch_delay",
// "ordering_key", "max_outstanding".
func Register(r *endpoint.Registry, client *pubsub.Client) error {
	return r.Register(Kind, func(_ context.Context, cfg endpoint.Config, logger zerolog.Logger) (endpoint.Endpoint, error) {
		topic, sub := cfg.Param("topic", ""), cfg.Param("subscription", "")
		switch {
		case topic != "" && sub != "":
			return nil, fmt.Errorf("%w: pubsub endpoint %s sets both topic and subscription", types.ErrConfig, cfg.Name)
		case topic != "":
			pc := NewPublisherDefaults(topic)
			pc.ProjectID = client.Project()
			var err error
			if pc.BatchSize, err = cfg.IntParam("batch_size", pc.BatchSize); err != nil {
				return nil, err
			}
			if pc.BatchDelay, err = cfg.DurationParam("batch_delay", pc.BatchDelay); err != nil {
				return nil, err
			}
			pc.OrderingKey = cfg.Param("ordering_key", "")
			return NewPublisher(cfg.Name, pc, client, logger)
		case sub != "":
			sc := NewSubscriberDefaults(sub)
			sc.ProjectID = client.Project()
			var err error
			if sc.MaxOutstandingMessages, err = cfg.IntParam("max_outstanding", sc.MaxOutstandingMessages); err != nil {
				return nil, err
			}
			return NewSubscriber(cfg.Name, sc, client, logger)
		default:
			return nil, fmt.Errorf("%w: pubsub endpoint %s needs a topic or a subscription", types.ErrConfig, cfg.Name)
		}
	})
}
