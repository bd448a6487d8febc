// Package app assembles the billing pipeline from configuration. Each binary
// under cmd/ builds one Components value at cold start and uses the parts it
// needs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripledger/internal/billing"
	"tripledger/internal/config"
	"tripledger/internal/core"
	"tripledger/internal/db"
	"tripledger/internal/external"
	"tripledger/internal/queue"
)

// Components is the wired pipeline.
type Components struct {
	Pool        *pgxpool.Pool
	Dispatcher  *billing.Dispatcher
	Ingestor    *billing.Ingestor
	Reprocessor *billing.Reprocessor
	Metrics     billing.Metrics

	// RequestMetrics is nil when metrics are disabled.
	RequestMetrics core.MetricsCollector

	// Publisher is nil when no reprocess queue is configured.
	Publisher *queue.ReprocessPublisher
}

// New connects to Postgres, ensures the schema and wires every component.
// The caller owns the returned pool and must call Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	c := &Components{Pool: pool}

	cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	c.Metrics, c.RequestMetrics = buildMetrics(cfg.Observability, cw, logger)

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	c.Publisher = queue.NewReprocessPublisher(sqsClient, cfg.AWS, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.ProviderTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIBase,
			Logger:    logger,
		},
	)

	c.wire(cfg, pool, stripeClient, logger)
	return c, nil
}

func (c *Components) wire(cfg *config.Config, pool *pgxpool.Pool, fetcher external.SubscriptionFetcher, logger *slog.Logger) {
	ledger := db.NewWebhookEventRepository(pool)
	plans := billing.NewPlanResolver(db.NewPlanRepository(pool), cfg.Billing.DefaultPlan, c.Metrics, logger)

	c.Dispatcher = billing.NewStandardDispatcher(billing.HandlerDeps{
		Resolver:        billing.NewIdentityResolver(db.NewBillingRepository(pool), logger),
		Reconciler:      billing.NewReconciler(db.NewBillingStateStore(pool), plans, logger),
		Subscriptions:   fetcher,
		ProviderTimeout: cfg.Billing.ProviderTimeout,
		Metrics:         c.Metrics,
		Logger:          logger,
	})

	ingestCfg := billing.IngestorConfig{
		Verifier:      external.NewStripeVerifier(cfg.Billing.WebhookTolerance),
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		Ledger:        ledger,
		Dispatcher:    c.Dispatcher,
		Metrics:       c.Metrics,
		Logger:        logger,
	}
	if c.Publisher != nil {
		ingestCfg.Enqueuer = c.Publisher
	}
	c.Ingestor = billing.NewIngestor(ingestCfg)

	c.Reprocessor = billing.NewReprocessor(ledger, c.Dispatcher, billing.ReprocessorConfig{
		Lease:       cfg.Reprocess.Lease,
		Concurrency: cfg.Reprocess.Concurrency,
		Metrics:     c.Metrics,
		Logger:      logger,
	})
}

// Close releases the database pool.
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func buildMetrics(cfg config.ObservabilityConfig, client billing.CloudWatchClient, logger *slog.Logger) (billing.Metrics, core.MetricsCollector) {
	if !cfg.EnableMetrics || client == nil {
		return billing.NopMetrics{}, nil
	}
	cw := billing.NewCloudWatchMetrics(client, cfg.MetricNamespace, logger)
	return cw, cw
}

// NewLogger returns a JSON slog.Logger on stdout at the named level.
// Unknown levels fall back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
