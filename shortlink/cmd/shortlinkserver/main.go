// shortlinkserver is the URL shortener: the redirect hot path, the
// management API, and the background workers, in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/cache/local"
	redicache "go.shortlink.dev/infra/go/cache/redis"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/go/sql/pool"
	"go.shortlink.dev/infra/go/sql/pool/wrapper/timeout"
	"go.shortlink.dev/infra/shortlink/go/auth"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/clicks/memclickstore"
	"go.shortlink.dev/infra/shortlink/go/clicks/sqlclickstore"
	"go.shortlink.dev/infra/shortlink/go/config"
	"go.shortlink.dev/infra/shortlink/go/dnsverify"
	"go.shortlink.dev/infra/shortlink/go/domains"
	"go.shortlink.dev/infra/shortlink/go/domains/memdomainstore"
	"go.shortlink.dev/infra/shortlink/go/domains/sqldomainstore"
	"go.shortlink.dev/infra/shortlink/go/frontend"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/jobqueue/memjobqueue"
	"go.shortlink.dev/infra/shortlink/go/jobqueue/redisjobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/links/memlinkstore"
	"go.shortlink.dev/infra/shortlink/go/links/sqllinkstore"
	"go.shortlink.dev/infra/shortlink/go/livestats"
	"go.shortlink.dev/infra/shortlink/go/metadata"
	"go.shortlink.dev/infra/shortlink/go/ratelimit"
	"go.shortlink.dev/infra/shortlink/go/redirect"
	"go.shortlink.dev/infra/shortlink/go/sql/schema"
	"go.shortlink.dev/infra/shortlink/go/user"
	"go.shortlink.dev/infra/shortlink/go/user/memuserstore"
	"go.shortlink.dev/infra/shortlink/go/user/sqluserstore"
)

const shutdownGrace = 15 * time.Second

var (
	dotenvPath = flag.String("dotenv", ".env", "Path to an optional dotenv file loaded before the environment.")
	promPort   = flag.String("prom_port", ":20000", "Metrics service address, e.g. ':20000'.")
)

// stores bundles whichever store family the configuration selected.
type stores struct {
	users    user.Store
	domainsS domains.Store
	linksS   links.Store
	clicksS  clicks.Store
	db       livestats.Pinger
}

// nopPinger stands in for the primary store in memory-backed mode.
type nopPinger struct{}

func (nopPinger) Ping(ctx context.Context) error { return nil }

// newStores connects to Postgres when DATABASE_URL is set, otherwise it
// runs on in-memory stores. Memory mode is for development only; nothing
// survives a restart.
func newStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.DatabaseURL == "" {
		sklog.Warningf("DATABASE_URL is unset; running on in-memory stores.")
		domainStore := memdomainstore.New()
		linkStore := memlinkstore.New(cfg.SystemHost(), domainStore)
		domainStore.SetLinkCounter(linkStore.CountActiveByDomain)
		return &stores{
			users:    memuserstore.New(),
			domainsS: domainStore,
			linksS:   linkStore,
			clicksS:  memclickstore.New(),
			db:       nopPinger{},
		}, nil
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rawPool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	var db pool.Pool = timeout.New(rawPool)
	if err := schema.Apply(ctx, db); err != nil {
		return nil, err
	}
	return &stores{
		users:    sqluserstore.New(db),
		domainsS: sqldomainstore.New(db),
		linksS:   sqllinkstore.New(db, cfg.SystemHost()),
		clicksS:  sqlclickstore.New(db),
		db:       db,
	}, nil
}

// newCache returns the Redis cache when configured, else the in-process
// one. The limiter, sessions, and link cache all ride on it.
func newCache(ctx context.Context, cfg *config.Config) cache.Cache {
	if cfg.RedisURL == "" {
		sklog.Warningf("REDIS_URL is unset; using the in-process cache.")
		return local.New()
	}
	c, err := redicache.New(ctx, cfg.RedisURL)
	if err != nil {
		sklog.Fatalf("Failed to connect to Redis at %s: %s", cfg.RedisURL, err)
	}
	return c
}

// newIndex connects to Elasticsearch. When the cluster is unreachable
// the service degrades to the mock index unless REQUIRE_ELASTICSEARCH
// makes that fatal.
func newIndex(ctx context.Context, cfg *config.Config) clickindex.Index {
	if cfg.ElasticsearchURL == "" {
		sklog.Warningf("ELASTICSEARCH_URL is unset; analytics run degraded.")
		return clickindex.NewMock()
	}
	index, err := clickindex.NewElastic(ctx, cfg.ElasticsearchURL, cfg.ElasticsearchUsername, cfg.ElasticsearchPassword)
	if err != nil {
		if cfg.RequireElasticsearch {
			sklog.Fatalf("Failed to reach Elasticsearch at %s: %s", cfg.ElasticsearchURL, err)
		}
		sklog.Errorf("Elasticsearch unreachable, running degraded: %s", err)
		return clickindex.NewMock()
	}
	return index
}

// newQueue backs the job queues with Redis lists when available so jobs
// survive restarts, else with in-process channels.
func newQueue(cfg *config.Config) jobqueue.Service {
	if cfg.RedisURL == "" {
		return memjobqueue.New()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		sklog.Fatalf("Failed to parse REDIS_URL: %s", err)
	}
	return redisjobqueue.New(redis.NewClient(opts))
}

// registerWorkers binds every job kind to its handler.
func registerWorkers(queue jobqueue.Service, st *stores, index clickindex.Index, c cache.Cache, live *livestats.Server) {
	// Click documents arrive in batches; a partial bulk failure retries
	// the whole batch, the index dedupes nothing but the click rows in
	// the primary store stay authoritative.
	queue.RegisterBatchHandler(jobqueue.KindClickTracking, func(ctx context.Context, jobs []*jobqueue.Job) error {
		docs := make([]clickindex.Doc, 0, len(jobs))
		for _, job := range jobs {
			var doc clickindex.Doc
			if err := job.DecodePayload(&doc); err != nil {
				sklog.Errorf("Dropping undecodable click job %s: %s", job.ID, err)
				continue
			}
			docs = append(docs, doc)
		}
		if len(docs) == 0 {
			return nil
		}
		n, err := index.TrackClicksBatch(ctx, docs)
		if err != nil {
			return err
		}
		if n < len(docs) {
			return fmt.Errorf("indexed %d of %d click documents", n, len(docs))
		}
		return nil
	})

	queue.RegisterHandler(jobqueue.KindMetadata, metadata.NewHandler(st.linksS, metadata.New()))

	// Outbound email is not wired to a provider; the job carries enough
	// to audit what would have been sent.
	queue.RegisterHandler(jobqueue.KindEmail, func(ctx context.Context, job *jobqueue.Job) error {
		sklog.Infof("Email notification (no provider configured): %s", string(job.Payload))
		return nil
	})

	// Analytics processing warms the admin snapshot so dashboards read
	// from the cache instead of fanning out per request.
	queue.RegisterHandler(jobqueue.KindAnalytics, func(ctx context.Context, job *jobqueue.Job) error {
		snap, err := live.Gather(ctx)
		if err != nil {
			return err
		}
		return cache.Set(ctx, c, "stats:overview", snap, time.Minute)
	})
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*dotenvPath)
	if err != nil {
		sklog.Fatalf("Failed to load configuration: %s", err)
	}
	if cfg.JWTSecret == "" {
		if cfg.IsProduction() {
			sklog.Fatal("JWT_SECRET must be set in production.")
		}
		sklog.Warningf("JWT_SECRET is unset; using an insecure development secret.")
		cfg.JWTSecret = "insecure-development-secret"
	}

	st, err := newStores(ctx, cfg)
	if err != nil {
		sklog.Fatalf("Failed to open the primary store: %s", err)
	}
	c := newCache(ctx, cfg)
	index := newIndex(ctx, cfg)
	queue := newQueue(cfg)

	engine := redirect.New(cfg.SystemHost(), st.domainsS, st.linksS, st.clicksS, c, index, queue, nil)
	authSvc := auth.New(st.users, c, []byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	live := livestats.New(livestats.Sources{
		Queue:  queue,
		Index:  index,
		DB:     st.db,
		Cache:  c,
		Users:  st.users,
		Links:  st.linksS,
		Clicks: st.clicksS,
	})

	registerWorkers(queue, st, index, c, live)
	queue.Start(ctx)
	live.Start(ctx)

	// Periodically kick the analytics aggregation so the cached admin
	// snapshot stays warm.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := queue.Enqueue(ctx, jobqueue.KindAnalytics, struct{}{}); err != nil {
					sklog.Warningf("Skipping analytics tick: %s", err)
				}
			}
		}
	}()

	app := &frontend.App{
		Config:    cfg,
		Auth:      authSvc,
		Users:     st.users,
		Domains:   st.domainsS,
		Links:     st.linksS,
		Clicks:    st.clicksS,
		Cache:     c,
		Index:     index,
		Queue:     queue,
		Engine:    engine,
		Verifier:  dnsverify.New(dnsverify.NewResolver(""), cfg.ServerIP),
		Limiter:   ratelimit.New(c),
		LiveStats: live,
		DBPinger:  st.db,
	}

	go func() {
		sklog.Infof("Metrics on %s/metrics", *promPort)
		if err := http.ListenAndServe(*promPort, promhttp.Handler()); err != nil {
			sklog.Errorf("Metrics server exited: %s", err)
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: app.Router(),
	}
	go func() {
		<-ctx.Done()
		sklog.Infof("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		var errs *multierror.Error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := errs.ErrorOrNil(); err != nil {
			sklog.Errorf("Shutdown finished with errors: %s", err)
		}
	}()

	sklog.Infof("Serving on :%d as %s", cfg.Port, cfg.SystemHost())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sklog.Fatal(err)
	}
}
