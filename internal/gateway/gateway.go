// Package gateway wires the session supervisor, dispatch workers, status publisher and
// operator API into one process and runs them until shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/config"
	"github.com/Nikunj-TUM/tyke/internal/database"
	"github.com/Nikunj-TUM/tyke/internal/dispatch"
	"github.com/Nikunj-TUM/tyke/internal/handlers"
	"github.com/Nikunj-TUM/tyke/internal/logging"
	"github.com/Nikunj-TUM/tyke/internal/queue"
	"github.com/Nikunj-TUM/tyke/internal/services"
	"github.com/Nikunj-TUM/tyke/internal/status"
	"github.com/Nikunj-TUM/tyke/internal/whatsapp"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Gateway is one running tyke process.
type Gateway struct {
	cfg     *config.Config
	log     zerolog.Logger
	version string

	db        *gorm.DB
	broker    *queue.Broker
	kafka     *status.KafkaSink
	publisher *status.Publisher
	factory   *whatsapp.ClientFactory

	supervisor *whatsapp.Supervisor
	discovery  *whatsapp.Discovery
	pool       *dispatch.Pool
	hub        *handlers.EventHub
	server     *http.Server
	cron       *cron.Cron
}

// New connects to the database and the broker and assembles every component.
// Failing to reach the broker is fatal.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, version string) (*Gateway, error) {
	g := &Gateway{cfg: cfg, log: log, version: version}
	if err := g.build(ctx); err != nil {
		g.closeResources()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) build(ctx context.Context) error {
	cfg := g.cfg

	db, err := database.Open(cfg.Database, logging.Component(g.log, "database"))
	if err != nil {
		return err
	}
	g.db = db
	if err := database.Migrate(db); err != nil {
		return err
	}

	broker, err := queue.Dial(cfg.AMQPURL, logging.Component(g.log, "amqp"))
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}
	g.broker = broker
	if err := broker.Declare(cfg.MessageQueue, cfg.StatusQueue); err != nil {
		return err
	}

	broadcaster := status.NewBroadcaster()
	sinks := []status.Sink{status.NewQueueSink(broker, cfg.StatusQueue), broadcaster}
	if g.kafka = status.NewKafkaSink(cfg.KafkaBrokerList(), cfg.StatusKafkaTopic); g.kafka != nil {
		sinks = append(sinks, g.kafka)
	}
	if alerts := newAlertSink(cfg, g.log); alerts != nil {
		sinks = append(sinks, alerts)
	}
	g.publisher = status.NewPublisher(logging.Component(g.log, "status"), status.DefaultPublishTimeout, sinks...)

	instances := services.NewInstanceService(db)
	store := whatsapp.NewInstanceStore(instances)
	registry := whatsapp.NewRegistry()
	g.factory = whatsapp.NewClientFactory(whatsapp.StoreConfig{
		Driver: cfg.StoreDriver,
		DSN:    cfg.StoreDSN,
		Dir:    cfg.StoreDir,
	}, logging.Component(g.log, "whatsmeow"))

	supCfg := whatsapp.SupervisorConfig{
		Registry: registry,
		Factory:  g.factory,
		Status:   g.publisher,
		QRTTL:    cfg.QRTTL,
		Logger:   logging.Component(g.log, "supervisor"),
	}
	var source whatsapp.DesiredSource = store
	if cfg.Single() {
		source = whatsapp.StaticSource{{SessionID: whatsapp.DefaultSessionID}}
		supCfg.OnQR = whatsapp.TerminalQR(os.Stdout)
	} else {
		supCfg.Persister = store
	}
	g.supervisor = whatsapp.NewSupervisor(supCfg)
	g.discovery = whatsapp.NewDiscovery(source, g.supervisor, cfg.DiscoveryInterval, logging.Component(g.log, "discovery"))

	g.pool = dispatch.NewPool(
		dispatch.NewConsumer(consumerOptions(cfg, registry, g.publisher, store, logging.Component(g.log, "dispatch"))),
		g.openWorkQueue,
		cfg.Workers,
		logging.Component(g.log, "dispatch"),
	)

	httpLog := logging.Component(g.log, "http")
	auth := services.NewAuthService(cfg.JWTSecret, cfg.OperatorUsername, cfg.OperatorPasswordHash, cfg.JWTTTL)
	if !auth.Enabled() {
		httpLog.Warn().Msg("JWT_SECRET is not set, authenticated routes are disabled")
	}
	var (
		lookup      handlers.InstanceLookup
		instanceAPI *handlers.InstanceHandler
	)
	if !cfg.Single() {
		lookup = instances
		instanceAPI = handlers.NewInstanceHandler(instances)
	}
	messageLog := services.NewMessageLogService(db)
	g.hub = handlers.NewEventHub(broadcaster, httpLog)
	g.server = &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: handlers.NewRouter(handlers.Routes{
			Auth:     auth,
			Login:    handlers.NewAuthHandler(auth),
			Health:   handlers.NewHealthHandler(g.version, cfg.Mode, registry, func(ctx context.Context) error { return database.Ping(ctx, db) }),
			Sessions: handlers.NewSessionHandler(registry, cfg.QRTTL),
			Messages: handlers.NewMessageHandler(
				dispatch.NewEnqueuer(broker, cfg.MessageQueue, !cfg.Single()),
				messageLog,
				lookup,
			),
			Instances: instanceAPI,
			History:   handlers.NewHistoryHandler(messageLog),
			Events:    g.hub,
			Logger:    httpLog,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if cfg.CounterResetCron != "" && !cfg.Single() {
		g.cron, err = newCounterSchedule(cfg.CounterResetCron, instances, logging.Component(g.log, "cron"))
		if err != nil {
			return err
		}
	}
	return nil
}

// newAlertSink mails ALERT_EMAIL_TO through SMTP, or logs the mail when no credentials are set.
func newAlertSink(cfg *config.Config, log zerolog.Logger) *status.AlertSink {
	recipients := cfg.AlertRecipients()
	if len(recipients) == 0 {
		return nil
	}
	var mailer status.Mailer
	smtp := services.NewEmailService(services.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if smtp.Configured() {
		mailer = smtp
	} else {
		log.Warn().Msg("ALERT_EMAIL_TO is set but SMTP credentials are not, alerts will only be logged")
		mailer = services.NewDevEmailService(logging.Component(log, "alerts"))
	}
	return status.NewAlertSink(mailer, recipients)
}

// consumerOptions applies the store-backed quota and counters only in multi-session mode.
func consumerOptions(cfg *config.Config, sessions dispatch.Sessions, emitter status.Emitter, store *whatsapp.InstanceStore, log zerolog.Logger) dispatch.Options {
	opts := dispatch.Options{
		Sessions:      sessions,
		Status:        emitter,
		SingleSession: cfg.Single(),
		CountryCode:   cfg.DefaultCountryCode,
		SendTimeout:   cfg.SendTimeout,
		Delay:         cfg.SendDelay,
		Logger:        log,
	}
	if !cfg.Single() && store != nil {
		opts.Counter = store
		opts.Quota = store
	}
	if bucket := dispatch.NewTokenBucket(cfg.SendRatePerSecond, 1); bucket != nil {
		opts.Limiter = bucket
	}
	return opts
}

func (g *Gateway) openWorkQueue(worker int) (queue.Source, func() error, error) {
	c, err := g.broker.Consume(g.cfg.MessageQueue, fmt.Sprintf("tyke-worker-%d", worker), 1)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

// Run starts every component and blocks until ctx ends or the HTTP server fails,
// then shuts down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info().
		Str("version", g.version).
		Str("mode", g.cfg.Mode).
		Str("http_addr", g.cfg.HTTPAddr).
		Int("workers", g.cfg.Workers).
		Msg("starting gateway")

	supCtx, stopSupervisor := context.WithCancel(context.Background())
	defer stopSupervisor()
	go g.supervisor.Run(supCtx)

	discCtx, stopDiscovery := context.WithCancel(context.Background())
	defer stopDiscovery()
	discDone := make(chan struct{})
	go func() {
		defer close(discDone)
		g.discovery.Run(discCtx)
	}()

	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		g.pool.Run(workCtx)
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go g.hub.Run(hubCtx)

	serveErr := make(chan error, 1)
	go func() {
		g.log.Info().Str("addr", g.server.Addr).Msg("operator API listening")
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if g.cron != nil {
		g.cron.Start()
		g.log.Info().Str("schedule", g.cfg.CounterResetCron).Msg("daily counter reset scheduled")
	}

	var runErr error
	select {
	case <-ctx.Done():
		g.log.Info().Msg("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("operator API failed: %w", err)
		g.log.Error().Err(err).Msg("operator API failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		g.log.Warn().Err(err).Msg("operator API shutdown")
	}

	stopWorkers()
	wait(shutdownCtx, poolDone, g.log, "dispatch workers")

	stopDiscovery()
	wait(shutdownCtx, discDone, g.log, "discovery")

	stopSupervisor()
	wait(shutdownCtx, g.supervisor.Done(), g.log, "supervisor")

	stopHub()
	if err := g.publisher.Close(shutdownCtx); err != nil {
		g.log.Warn().Err(err).Msg("status publisher did not drain")
	}
	g.closeResources()

	g.log.Info().Msg("gateway stopped")
	return runErr
}

func wait(ctx context.Context, done <-chan struct{}, log zerolog.Logger, what string) {
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("component", what).Msg("timed out waiting for shutdown")
	}
}

// closeResources releases whatever build managed to open.
func (g *Gateway) closeResources() {
	if g.kafka != nil {
		if err := g.kafka.Close(); err != nil {
			g.log.Warn().Err(err).Msg("failed to close kafka writer")
		}
	}
	if g.broker != nil {
		if err := g.broker.Close(); err != nil {
			g.log.Warn().Err(err).Msg("failed to close broker connection")
		}
	}
	if g.factory != nil {
		if err := g.factory.Close(); err != nil {
			g.log.Warn().Err(err).Msg("failed to close device store")
		}
	}
	if g.db != nil {
		if err := database.Close(g.db); err != nil {
			g.log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
