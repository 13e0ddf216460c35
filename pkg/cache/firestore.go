package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore source.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// FirestoreSource is the source of truth at the end of the chain: one
// document per key in a collection.
type FirestoreSource[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

func NewFirestoreSource[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

func (s *FirestoreSource[K, V]) doc(key K) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(fmt.Sprintf("%v", key))
}

// Fetch reads the document stored under key.
func (s *FirestoreSource[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	docSnap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("document %v: %w", key, ErrNotFound)
		}
		return zero, fmt.Errorf("firestore get for %v: %w", key, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("firestore DataTo for %v: %w", key, err)
	}
	return value, nil
}

func (s *FirestoreSource[K, V]) Write(ctx context.Context, key K, value V) error {
	if _, err := s.doc(key).Set(ctx, value); err != nil {
		s.logger.Error().Err(err).Str("key", fmt.Sprintf("%v", key)).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %v: %w", key, err)
	}
	return nil
}

// Invalidate deletes the document: Firestore is the source of truth, so
// invalidating there forgets the key.
func (s *FirestoreSource[K, V]) Invalidate(ctx context.Context, key K) error {
	if _, err := s.doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %v: %w", key, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource[K, V]) Close() error {
	return nil
}
