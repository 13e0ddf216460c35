package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-eventbroker/pkg/bqstore"
	"github.com/illmade-knight/go-eventbroker/pkg/broker"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/config"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/icestore"
	"github.com/illmade-knight/go-eventbroker/pkg/mqttio"
	"github.com/illmade-knight/go-eventbroker/pkg/pubsubio"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stdout, cfg.LogLevel, jsonLogs).With().Str("broker", cfg.Name).Logger()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		// Factories are only invoked by Build, so no client is needed to
		// check endpoint types.
		r := endpoint.NewRegistry()
		if err := registerKinds(r, &clients{}, nil); err != nil {
			return err
		}
		if err := cfg.Validate(r.Has); err != nil {
			return err
		}
		fmt.Printf("%s: %d inputs, %d outputs, endpoint kinds %v\n", path, len(cfg.Inputs), len(cfg.Outputs), r.Kinds())
		return nil
	},
}

// clients holds the Google Cloud clients; each is nil unless the
// configuration needs it.
type clients struct {
	pubsub    *pubsub.Client
	bigquery  *bigquery.Client
	storage   *storage.Client
	firestore *firestore.Client
}

func newClients(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*clients, error) {
	c := &clients{}
	used := make(map[string]bool)
	for _, e := range append(append([]config.EndpointConfig{}, cfg.Inputs...), cfg.Outputs...) {
		used[e.Type] = true
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var err error
	if used[pubsubio.Kind] {
		if c.pubsub, err = pubsubio.NewClient(ctx, cfg.ProjectID, cfg.CredentialsFile); err != nil {
			return c, err
		}
	}
	if used[bqstore.Kind] {
		if c.bigquery, err = bqstore.NewProductionBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger); err != nil {
			return c, err
		}
	}
	if used[icestore.Kind] {
		if c.storage, err = storage.NewClient(ctx, opts...); err != nil {
			return c, fmt.Errorf("failed to create storage client: %w", err)
		}
	}
	if fs := cfg.Cache.Firestore; fs != nil {
		project := fs.ProjectID
		if project == "" {
			project = cfg.ProjectID
		}
		if c.firestore, err = firestore.NewClient(ctx, project, opts...); err != nil {
			return c, fmt.Errorf("failed to create firestore client: %w", err)
		}
	}
	return c, nil
}

func (c *clients) Close() error {
	var errs []error
	if c.pubsub != nil {
		errs = append(errs, c.pubsub.Close())
	}
	if c.bigquery != nil {
		errs = append(errs, c.bigquery.Close())
	}
	if c.storage != nil {
		errs = append(errs, c.storage.Close())
	}
	if c.firestore != nil {
		errs = append(errs, c.firestore.Close())
	}
	return errors.Join(errs...)
}

func registerKinds(r *endpoint.Registry, c *clients, hosts cache.Fetcher[uint64, cache.HostInfo]) error {
	return errors.Join(
		endpoint.RegisterMemory(r, endpoint.NewHub()),
		mqttio.Register(r, nil),
		pubsubio.Register(r, c.pubsub),
		bqstore.Register(r, c.bigquery, hosts),
		icestore.Register(r, c.storage, hosts),
	)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	c, err := newClients(ctx, cfg, logger)
	defer func() {
		if cerr := c.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close cloud clients.")
		}
	}()
	if err != nil {
		return err
	}

	hosts, err := cache.NewHostCache(ctx, cfg.Cache, c.firestore, logger)
	if err != nil {
		return err
	}
	defer func() { _ = hosts.Close() }()

	r := endpoint.NewRegistry()
	if err := registerKinds(r, c, hosts); err != nil {
		return err
	}

	b, err := broker.New(ctx, cfg, r, hosts, logger)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		_ = b.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return b.Stop(shutdownCtx)
}
