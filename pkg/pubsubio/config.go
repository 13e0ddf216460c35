// Package pubsubio carries bus events over Google Cloud Pub/Sub. A
// Publisher is a connector endpoint writing event frames to a topic; a
// Subscriber is an acceptor endpoint reading them from a subscription.
package pubsubio

import (
	"os"
	"strconv"
	"time"
)

// PublisherConfig holds configuration for the Pub/Sub publisher endpoint.
type PublisherConfig struct {
	ProjectID  string
	TopicID    string
	BatchSize  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	// OrderingKey, when set, enables message ordering on the topic so that
	// subscribers see events in bus order.
	OrderingKey                string
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewPublisherDefaults provides a config with sensible defaults.
func NewPublisherDefaults(topicID string) *PublisherConfig {
	cfg := &PublisherConfig{
		TopicID:                    topicID,
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if bs := os.Getenv("PUBSUB_PRODUCER_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("PUBSUB_PRODUCER_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	return cfg
}

// SubscriberConfig holds configuration for the Pub/Sub subscriber endpoint.
type SubscriberConfig struct {
	ProjectID              string
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	SubscriptionTimeout    time.Duration
}

// NewSubscriberDefaults provides a config with sensible defaults. A
// subscriber always needs a subscription.
func NewSubscriberDefaults(subID string) *SubscriberConfig {
	return &SubscriberConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
		SubscriptionTimeout:    20 * time.Second,
	}
}
