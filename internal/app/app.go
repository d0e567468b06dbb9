// Package app assembles the outreach engine from configuration. The server
// and worker binaries share it; which background loops run is decided by
// the caller.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/api"
	"github.com/ignite/outreach-engine/internal/channel"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/contacts"
	"github.com/ignite/outreach-engine/internal/content"
	"github.com/ignite/outreach-engine/internal/ledger"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/outreach"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/pkg/pubsub"
	"github.com/ignite/outreach-engine/internal/repository/memory"
	"github.com/ignite/outreach-engine/internal/repository/postgres"
	"github.com/ignite/outreach-engine/internal/service/workflow"
	"github.com/ignite/outreach-engine/internal/tracking"
	"github.com/ignite/outreach-engine/internal/worker"
)

// Store is everything the engine persists. Both the memory and the
// postgres repositories implement it.
type Store interface {
	workflow.Repository
	outreach.EnrollmentStore
	outreach.TaskStore
	outreach.AttemptStore
	ledger.Store
	analytics.Store
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// aggregatorLockKey names the single-runner lock of the aggregator.
const aggregatorLockKey = "outreach:analytics:aggregator"

// maxAggregatorLag is the ledger lag past which /health reports degraded.
const maxAggregatorLag = 10000

// App is a fully wired engine.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client
	Store Store
	Bus   *pubsub.PubSub

	Registry *prometheus.Registry
	Metrics  *metrics.Outreach

	Workflows  *workflow.Service
	Ledger     *ledger.Ledger
	Machine    *outreach.Machine
	Engagement *outreach.Engagement
	Triggers   *outreach.Triggers
	Dispatcher *outreach.Dispatcher
	Scheduler  *outreach.Scheduler
	Aggregator *analytics.Aggregator
	Reports    *analytics.Reader
	Router     *channel.Router
	Contacts   outreach.ContactDirectory
	Health     *api.HealthChecker

	// local is set when contacts live in process (no contact store URL).
	local *contacts.Directory

	mu      sync.Mutex
	stops   []func()
	closers []func() error
}

// New connects storage and builds every component. Nothing runs until the
// caller starts loops with the Start* methods.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	a := &App{Config: cfg}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	renderer := content.NewRenderer()
	a.Workflows = workflow.NewService(a.Store)
	a.Workflows.SetTemplateChecker(renderer.Check)

	a.Ledger = ledger.New(a.Store, a.Bus.Publisher, cfg.Ledger.Topic)
	a.Machine = outreach.NewMachine(a.Workflows, a.Store, a.Ledger)
	a.Machine.SetMetrics(a.Metrics)
	a.Engagement = outreach.NewEngagement(a.Machine)

	if cfg.Contacts.BaseURL != "" {
		a.Contacts = contacts.NewClient(cfg.Contacts)
	} else {
		a.local = contacts.NewDirectory()
		a.Contacts = a.local
		log.Println("[App] No contact store configured, using in-process directory")
	}
	a.Triggers = outreach.NewTriggers(a.Machine, a.Contacts)
	a.Workflows.SetLifecycle(outreach.Hooks{Triggers: a.Triggers, Machine: a.Machine})

	a.Router = channel.NewRouter(channel.NewConfigCredentials(cfg.Channels))
	a.Dispatcher = outreach.NewDispatcher(outreach.DispatcherDeps{
		Machine:  a.Machine,
		Tasks:    a.Store,
		Attempts: a.Store,
		Contacts: a.Contacts,
		Sender:   a.Router,
		Renderer: renderer,
		Lease:    cfg.Scheduler.Lease(),
		Retry: outreach.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
			Jitter:      cfg.Retry.Jitter,
		},
	})
	a.Dispatcher.SetMetrics(a.Metrics)
	if cfg.Tracking.BaseURL != "" && cfg.Tracking.SigningKey != "" {
		a.Dispatcher.SetDecorator(tracking.NewDecorator(tracking.NewSigner(cfg.Tracking.SigningKey, cfg.Tracking.BaseURL)))
	}

	a.Scheduler = outreach.NewScheduler(outreach.SchedulerConfig{
		WorkerID:     cfg.Scheduler.WorkerID,
		Workers:      cfg.Scheduler.Workers,
		BatchSize:    cfg.Scheduler.BatchSize,
		PollInterval: cfg.Scheduler.PollInterval(),
		Lease:        cfg.Scheduler.Lease(),
		ShutdownWait: cfg.Scheduler.ShutdownWait(),
	}, a.Store, a.Dispatcher)
	a.Scheduler.SetMetrics(a.Metrics)

	lock := distlock.NewLock(a.Redis, a.DB, aggregatorLockKey, cfg.Analytics.LockTTL())
	a.Aggregator = analytics.NewAggregator(a.Ledger, a.Store, lock)
	a.Aggregator.SetBatchSize(cfg.Analytics.BatchSize)
	a.Aggregator.SetInterval(cfg.Analytics.Interval())
	a.Aggregator.SetMetrics(a.Metrics)
	if cfg.Analytics.Mode == "streaming" {
		a.Aggregator.SetSubscriber(a.Bus.Subscriber, a.Ledger.Topic())
	}
	a.Reports = analytics.NewReader(a.Store)

	a.Health = api.NewHealthChecker(a.DB, a.Redis)
	a.Health.WatchAggregator(a.Ledger, a.Store, maxAggregatorLag)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.Storage.UsesPostgres() {
		db, err := postgres.Open(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		a.DB = db
		a.Store = postgres.New(db)
		a.closers = append(a.closers, db.Close)
		log.Println("[App] Connected to PostgreSQL")
	} else {
		a.Store = memory.New()
		log.Println("[App] Using in-memory storage")
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.Printf("[App] Warning: redis ping failed, aggregator lock falls back: %v", err)
			a.Redis.Close()
			a.Redis = nil
			a.closers = a.closers[:len(a.closers)-1]
		}
	}

	transport := cfg.Ledger.Transport
	if !cfg.Storage.UsesPostgres() && transport == pubsub.Kafka {
		// Other processes cannot read an in-memory ledger.
		transport = pubsub.GoChannel
	}
	bus, err := pubsub.New(pubsub.Options{
		Transport:     transport,
		Brokers:       cfg.Kafka.Brokers,
		ConsumerGroup: "outreach-analytics",
	})
	if err != nil {
		return fmt.Errorf("ledger notifications: %w", err)
	}
	a.Bus = bus
	a.closers = append(a.closers, bus.Close)
	return nil
}

// MetricsHandler serves the app's Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
}

// APIDeps returns the Read API collaborators.
func (a *App) APIDeps() api.Deps {
	sink := tracking.NewRecorderSink(a.Engagement)
	return api.Deps{
		Workflows:      a.Workflows,
		Enroller:       a.Machine,
		Engagement:     a.Engagement,
		Enrollments:    a.Store,
		Funnels:        a.Store,
		Reports:        a.Reports,
		Rebuilder:      a.Aggregator,
		Twilio:         tracking.NewTwilioWebhook(sink, a.Config.Channels.SMS.Secret, a.Config.Channels.SMS.StatusCallback),
		Metrics:        a.MetricsHandler(),
		Health:         a.Health,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
	}
}

// VerifyChannels checks provider credentials and logs the result per
// channel. Failures are not fatal; sends on that channel retry.
func (a *App) VerifyChannels(ctx context.Context) {
	for ch, err := range a.Router.Verify(ctx) {
		if err != nil {
			log.Printf("[App] Warning: %s provider not ready: %v", ch, err)
			continue
		}
		log.Printf("[App] %s provider verified", ch)
	}
}

// StartScheduler starts the dispatch workers.
func (a *App) StartScheduler() {
	a.Scheduler.Start()
	a.onStop(a.Scheduler.Stop)
}

// StartAggregator runs the analytics aggregator until ctx is done.
func (a *App) StartAggregator(ctx context.Context) {
	if !a.Config.Analytics.Enabled {
		log.Println("[App] Analytics aggregator disabled")
		return
	}
	a.goLoop(ctx, "Aggregator", a.Aggregator.Run)
	log.Printf("[App] Analytics aggregator started (%s, every %s)", a.Config.Analytics.Mode, a.Config.Analytics.Interval())
}

// StartTriggers subscribes to contact events and schedules the recall sweep.
func (a *App) StartTriggers(ctx context.Context) error {
	if !a.Config.Triggers.Enabled {
		log.Println("[App] Trigger evaluation disabled")
		return nil
	}

	sweeper, err := outreach.NewSweeper(a.Triggers, a.Config.Triggers.SweepCron)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	a.onStop(sweeper.Stop)

	sub := a.Bus.Subscriber
	if a.Config.Kafka.Enabled() {
		bus, err := pubsub.New(pubsub.Options{
			Transport:     pubsub.Kafka,
			Brokers:       a.Config.Kafka.Brokers,
			ConsumerGroup: a.Config.Contacts.ConsumerGroup,
		})
		if err != nil {
			return fmt.Errorf("contact events: %w", err)
		}
		a.mu.Lock()
		a.closers = append(a.closers, bus.Close)
		a.mu.Unlock()
		sub = bus.Subscriber
	}
	source := contacts.NewEventSource(sub, a.Config.Contacts.EventsTopic, a.Triggers)
	if a.local != nil {
		source.SetRecorder(a.local.RecordEvent)
	}
	a.goLoop(ctx, "ContactEvents", source.Run)
	log.Printf("[App] Listening for contact events on %q", a.Config.Contacts.EventsTopic)
	return nil
}

// StartCleanup prunes closed tasks and hourly buckets. It only applies to
// PostgreSQL storage.
func (a *App) StartCleanup(ctx context.Context) {
	if a.DB == nil {
		return
	}
	cleanup := worker.NewDataCleanupWorker(a.DB)
	a.goLoop(ctx, "DataCleanup", func(ctx context.Context) error {
		cleanup.Start(ctx)
		return nil
	})
}

// StartTrackingConsumer ingests engagement reports from SQS when a queue
// is configured.
func (a *App) StartTrackingConsumer(ctx context.Context) error {
	if a.Config.Tracking.SQSQueueURL == "" {
		return nil
	}
	client, err := NewSQSClient(ctx, a.Config.Tracking.SQSRegion)
	if err != nil {
		return err
	}
	consumer := tracking.NewConsumer(client, a.Config.Tracking.SQSQueueURL, a.Engagement)
	consumer.Start(ctx)
	a.onStop(consumer.Stop)
	log.Printf("[App] Tracking consumer polling %s", a.Config.Tracking.SQSQueueURL)
	return nil
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

func (a *App) goLoop(ctx context.Context, name string, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[%s] stopped: %v", name, err)
		}
	}()
	a.onStop(func() {
		cancel()
		<-done
	})
}

func (a *App) onStop(fn func()) {
	a.mu.Lock()
	a.stops = append(a.stops, fn)
	a.mu.Unlock()
}

// Close stops loops in reverse start order and releases connections.
func (a *App) Close() error {
	a.mu.Lock()
	stops, closers := a.stops, a.closers
	a.stops, a.closers = nil, nil
	a.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = errors.Join(err, closers[i]())
	}
	return err
}
