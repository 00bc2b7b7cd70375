// Package bootstrap assembles the crawler from configuration: database,
// Redis, queue, policies, pipeline, workers, orchestrator, scheduler, and
// the HTTP API.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"github.com/seoscope/crawler/internal/api"
	"github.com/seoscope/crawler/internal/backlink"
	"github.com/seoscope/crawler/internal/captcha"
	"github.com/seoscope/crawler/internal/config"
	"github.com/seoscope/crawler/internal/coordination"
	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/dedup"
	"github.com/seoscope/crawler/internal/extractor"
	"github.com/seoscope/crawler/internal/fetch"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/metrics"
	"github.com/seoscope/crawler/internal/orchestrator"
	"github.com/seoscope/crawler/internal/proxy"
	"github.com/seoscope/crawler/internal/queue"
	"github.com/seoscope/crawler/internal/robots"
	"github.com/seoscope/crawler/internal/schedule"
	"github.com/seoscope/crawler/internal/sitemap"
	"github.com/seoscope/crawler/internal/sources"
	"github.com/seoscope/crawler/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runLogStreamMaxLen caps the published run log stream in Redis.
const runLogStreamMaxLen = 5000

// App is the assembled crawler service.
type App struct {
	Config *config.Config
	Log    logger.Logger

	DB      *sqlx.DB
	Streams *queue.StreamsClient

	Runs      *database.RunRepository
	Sites     *database.SiteRepository
	Pages     *database.PageRepository
	Links     *database.LinkRepository
	Backlinks *database.BacklinkRepository

	Producer *queue.Producer
	Consumer *queue.Consumer
	Dedup    *dedup.Store
	Robots   *robots.Policy
	Fetch    *fetch.Pipeline
	Graph    *backlink.Graph
	RunLog   logs.RunLog
	Metrics  *metrics.Metrics

	Pool         *worker.Pool
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *schedule.Scheduler
	Elector      *coordination.Elector
	Server       *api.Server
}

// New wires the full application from configuration.
func New(cfg *config.Config, log logger.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log}

	db, err := database.NewPostgresConnection(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.Name,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	app.DB = db

	app.Runs = database.NewRunRepository(db)
	app.Sites = database.NewSiteRepository(db)
	app.Pages = database.NewPageRepository(db)
	app.Links = database.NewLinkRepository(db)
	app.Backlinks = database.NewBacklinkRepository(db)

	streams, err := queue.NewStreamsClient(queue.StreamsConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	app.Streams = streams

	app.Producer = queue.NewProducer(streams, queue.ProducerConfig{
		MaxStreamLen: cfg.Queue.MaxStreamLen,
	}, log)

	app.Consumer, err = queue.NewConsumer(streams, queue.ConsumerConfig{
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		ConsumerID:    consumerID(),
		MaxRetries:    cfg.Crawl.MaxRetries,
	}, log)
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	app.Dedup = dedup.New(streams.Client(), app.Producer, app.Pages, dedup.Config{
		Prefix:    cfg.Redis.Prefix,
		Retention: cfg.Crawl.Retention,
	}, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	app.Metrics = metrics.New(registry)

	publisher := logs.NewRedisPublisher(streams.Client(), cfg.Redis.Prefix, runLogStreamMaxLen)
	app.RunLog = logs.NewStream(logs.Config{}, publisher, log)

	httpClient := &http.Client{Timeout: cfg.Fetch.DirectTimeout}
	app.Robots = robots.New(httpClient, robots.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		CacheTTL:      cfg.Robots.CacheTTL,
		MaxCrawlDelay: cfg.Robots.MaxCrawlDelay,
	}, log)

	proxyPool, err := proxy.NewPool(proxy.Config{
		URLs:             cfg.Proxy.URLs,
		Strategy:         proxy.Strategy(cfg.Proxy.Strategy),
		FailureThreshold: cfg.Proxy.FailureThreshold,
		Cooldown:         cfg.Proxy.Cooldown,
	}, log)
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("build proxy pool: %w", err)
	}
	app.Metrics.ProxiesTotal.Set(float64(len(cfg.Proxy.URLs)))

	var solver captcha.Solver = captcha.NopSolver{}
	if cfg.Captcha.Endpoint != "" {
		solver = captcha.NewHTTPSolver(httpClient, captcha.HTTPSolverConfig{
			Endpoint:     cfg.Captcha.Endpoint,
			APIKey:       cfg.Captcha.APIKey,
			SolveTimeout: cfg.Captcha.SolveTimeout,
			PollInterval: cfg.Captcha.PollInterval,
		}, log)
	}

	app.Fetch = fetch.New(fetch.Config{
		DirectTimeout:  cfg.Fetch.DirectTimeout,
		ProxyTimeout:   cfg.Fetch.ProxyTimeout,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		MaxRedirects:   cfg.Fetch.MaxRedirects,
		UserAgent:      cfg.Fetch.UserAgent,
		SessionIdleTTL: cfg.Fetch.SessionIdleTTL,
	}, proxyPool, solver, log)

	var finder backlink.Finder = backlink.NopFinder{}
	if cfg.Finder.BaseURL != "" {
		finder = sources.NewClient(
			sources.WithBaseURL(cfg.Finder.BaseURL),
			sources.WithJWTSecret(cfg.Finder.JWTSecret),
			sources.WithTimeout(cfg.Finder.Timeout),
		)
	}

	app.Graph = backlink.New(backlink.Deps{
		Backlinks: app.Backlinks,
		Owners:    app.Pages,
		Inbound:   app.Links,
		Finder:    finder,
		Queue:     app.Producer,
		Redis:     streams.Client(),
	}, backlink.Config{
		Prefix:         cfg.Redis.Prefix,
		DiscoveryTTL:   cfg.Backlink.DiscoveryTTL,
		DeferThreshold: cfg.Backlink.DeferThreshold,
		MaxResults:     cfg.Backlink.MaxResults,
		FinderRate:     rate.Limit(cfg.Backlink.FinderRate),
		FinderBurst:    cfg.Backlink.FinderBurst,
	}, log)

	gate := worker.NewGate(app.Runs, 0)
	workerCfg := worker.Config{
		PoolSize:       cfg.Crawl.Workers,
		JobTimeout:     cfg.Crawl.JobTimeout,
		DelayIncrement: cfg.Crawl.DelayIncrement,
		DrainTimeout:   cfg.Crawl.DrainTimeout,
		Aggressive:     cfg.Fetch.Aggressive,
	}
	if err = workerCfg.Validate(); err != nil {
		app.closeClients()
		return nil, fmt.Errorf("worker config: %w", err)
	}

	w := worker.NewWorker(workerCfg, worker.Deps{
		Gate:      gate,
		Dedup:     app.Dedup,
		Robots:    app.Robots,
		Fetcher:   app.Fetch,
		Extractor: extractor.New(),
		Pages:     app.Pages,
		Links:     app.Links,
		Runs:      app.Runs,
		Backlinks: app.Graph,
		Jobs:      app.Producer,
		RunLog:    app.RunLog,
		Metrics:   app.Metrics,
	}, log)
	app.Pool = worker.NewPool(w, app.Consumer, workerCfg, log)

	discoverer := sitemap.NewDiscoverer(httpClient, app.Robots, cfg.Fetch.UserAgent, log)
	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Runs:      app.Runs,
		Queue:     app.Producer,
		Robots:    app.Robots,
		Sitemaps:  discoverer,
		Dedup:     app.Dedup,
		Backlinks: app.Graph,
		Pool:      app.Pool,
		Gate:      gate,
		RunLog:    app.RunLog,
		Metrics:   app.Metrics,
	}, cfg.Crawl.ReconcileInterval, log)
	w.SetExhaustion(app.Orchestrator)

	app.Scheduler = schedule.New(app.Sites, app.Runs, app.Orchestrator, 0, log)

	app.Elector, err = coordination.NewElector(streams.Client(), coordination.Config{
		Key: cfg.Redis.Prefix + ":leader",
	}, log)
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("build elector: %w", err)
	}

	runsHandler := api.NewRunsHandler(app.Orchestrator, app.Runs, app.RunLog)
	app.Server = api.NewServer(api.Config{
		Port:            cfg.Server.Port,
		Debug:           cfg.App.Debug,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, runsHandler, registry, dbPinger{db}, redisPinger{streams}, log)

	return app, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down gracefully: queue reads stop, in-flight jobs drain, and the HTTP
// server closes last.
func (a *App) Run(ctx context.Context) error {
	if err := a.Consumer.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize consumer groups: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.Pool.Run(runCtx); err != nil {
			a.Log.Warn("worker pool exited", logger.Error(err))
		}
	}()
	// The reconcile loop and the scheduler are singletons across replicas;
	// they run only on the elected leader.
	go a.Elector.Run(runCtx, func(leaderCtx context.Context) {
		go a.Orchestrator.Reconcile(leaderCtx)
		a.Scheduler.Run(leaderCtx)
	})
	go func() {
		if err := a.Server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		a.shutdown()
		return err
	}

	cancel()
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("server shutdown failed", logger.Error(err))
	}
	a.closeClients()
	a.Log.Info("crawler stopped")
}

func (a *App) closeClients() {
	if a.Streams != nil {
		if err := a.Streams.Close(); err != nil {
			a.Log.Warn("failed to close redis client", logger.Error(err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Log.Warn("failed to close database", logger.Error(err))
		}
	}
}

// consumerID builds a stable-enough consumer name for the Redis Streams
// group: hostname plus a short random suffix so replicas never collide.
func consumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "crawler"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

type dbPinger struct{ db *sqlx.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type redisPinger struct{ streams *queue.StreamsClient }

func (p redisPinger) Ping(ctx context.Context) error { return p.streams.Ping(ctx) }
