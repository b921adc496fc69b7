package main

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/federation"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// engine is the fully wired federation stack shared by serve and the admin commands.
type engine struct {
	conf     *util.AppConfig
	log      *zap.Logger
	db       *db.DB
	registry *prometheus.Registry
	since    time.Time

	instance  *federation.Instance
	resolver  *federation.Resolver
	outbox    *federation.Outbox
	worker    *federation.DeliveryWorker
	processor *federation.Processor
	paginator *federation.Paginator
	publisher *federation.Publisher
	janitor   *federation.Janitor
}

func openEngine(path string, serving bool) (*engine, error) {
	conf, err := util.ReadConf(path)
	if err != nil {
		return nil, err
	}
	level := conf.Conf.LogLevel
	if !serving && level == "info" {
		// Admin commands print their own output.
		level = "warn"
	}
	logger, err := util.NewLogger(level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	database, err := db.Open(util.ResolveFilePath(conf.Conf.Database), logger.Named("db"))
	if err != nil {
		return nil, err
	}

	keyPath := util.ResolveFilePath(conf.Conf.KeyFile)
	key, err := util.LoadOrCreateKey(keyPath)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("instance key: %w", err)
	}
	since := time.Now()
	if info, err := os.Stat(keyPath); err == nil {
		since = info.ModTime()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := federation.NewMetrics(reg)

	clk := clock.New()
	entities := versia.NewRegistry()
	codec := versia.NewCodec(entities)
	logger.Debug("entity types registered", zap.Any("types", entities.Types()))
	fed := conf.Federation

	e := &engine{conf: conf, log: logger, db: database, registry: reg, since: since}
	e.instance = federation.NewInstance(conf.BaseURL(), key, database)
	e.resolver = federation.NewResolver(federation.ResolverConfig{
		ActorTTL:     fed.ActorTTL,
		NegativeTTL:  fed.NegativeTTL,
		CacheSize:    fed.CacheSize,
		FetchTimeout: fed.FetchTimeout,
		AllowHTTP:    fed.InsecureHTTP,
		Offline:      !fed.Enabled,
	}, federation.ResolverDeps{
		Store:   database,
		Codec:   codec,
		Signer:  e.instance,
		Clock:   clk,
		Logger:  logger.Named("resolver"),
		Metrics: metrics,
	})

	d := conf.Delivery
	e.worker = federation.NewDeliveryWorker(federation.DeliveryConfig{
		Concurrency: d.Concurrency,
		MaxAttempts: d.MaxAttempts,
		Backoff: federation.Backoff{
			Base:       d.BaseDelay,
			Multiplier: d.Multiplier,
			Max:        d.MaxDelay,
			Jitter:     d.Jitter,
		},
		AttemptTimeout: d.AttemptTimeout,
		PollInterval:   d.PollInterval,
		BatchSize:      d.BatchSize,
	}, database, e.instance, federation.DeliveryDeps{
		Clock:   clk,
		Logger:  logger.Named("delivery"),
		Metrics: metrics,
	})
	e.outbox = federation.NewOutbox(database, e.resolver, federation.OutboxDeps{
		Codec:   codec,
		Clock:   clk,
		Logger:  logger.Named("outbox"),
		Metrics: metrics,
		Notify:  e.worker.Wake,
	})
	e.processor = federation.NewProcessor(federation.InboxConfig{
		DedupWindow: fed.DedupWindow,
		Retention:   fed.Retention,
	}, federation.ProcessorDeps{
		Instance:   e.instance,
		Resolver:   e.resolver,
		Store:      database,
		Outbox:     e.outbox,
		Verifier:   &federation.Verifier{MaxSkew: fed.MaxClockSkew, Clock: clk},
		Codec:      codec,
		Moderation: federation.NewModeration(conf.Moderation),
		Clock:      clk,
		Logger:     logger.Named("inbox"),
		Metrics:    metrics,
	})
	e.paginator = federation.NewPaginator(database, e.instance, clk)
	e.publisher = federation.NewPublisher(e.instance, database, e.resolver, e.outbox, clk)
	e.janitor = federation.NewJanitor(database, fed.DedupWindow, time.Hour, clk, logger.Named("janitor"))
	return e, nil
}

func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		e.log.Warn("closing database", zap.Error(err))
	}
	_ = e.log.Sync()
}
