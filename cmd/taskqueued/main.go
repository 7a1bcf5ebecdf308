// Command taskqueued wires the taskqueue library against a real MongoDB
// deployment, a Postgres-backed collaborator adapter, and an
// optional Redis-backed ambiguity cache. It runs one or more Watcher
// loops and exposes Prometheus metrics; it publishes no task-producing
// HTTP API of its own (that layer is an external collaborator, spec §1).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetctl/taskqueue/internal/ambiguity"
	"github.com/fleetctl/taskqueue/internal/collaborators"
	"github.com/fleetctl/taskqueue/internal/config"
	"github.com/fleetctl/taskqueue/internal/taskqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("taskqueued: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoClient, err := connectMongo(ctx, cfg)
	if err != nil {
		log.Fatalf("taskqueued: mongo connect: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	coll := mongoClient.Database("taskqueue").Collection("tasks")
	mongoStore := taskqueue.NewMongoStore(coll)

	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		log.Fatalf("taskqueued: ensure indexes: %v", err)
	}
	log.Println("taskqueued: indexes ensured")

	ambigCache := buildAmbiguityCache(ctx, cfg)

	engine := taskqueue.NewEngine(
		mongoStore,
		taskqueue.SystemClock(),
		cfg.CleanFinishedTasksAfter,
		taskqueue.WithAmbiguityCache(ambigCache),
	)

	hooks := buildPlaybookHooks(ctx, cfg, engine)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WatcherCount; i++ {
		w := taskqueue.NewWatcher(mongoStore, taskqueue.SystemClock(), taskqueue.WithPollRate(cfg.WatcherPollRate))
		wg.Add(1)
		go runWatcherLoop(ctx, &wg, i, w, engine, hooks)
	}

	wg.Add(1)
	go sampleTTLBacklog(ctx, &wg, mongoStore)

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Printf("taskqueued: metrics listening on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("taskqueued: metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("taskqueued: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	wg.Wait()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// connectMongo builds the Mongo client per SPEC_FULL §6. Certificate
// verification defaults to enabled even when the URI requests TLS; only
// an explicit TASKQUEUE_DB_TLS_INSECURE_SKIP_VERIFY=true reproduces the
// original's CERT_NONE behavior (spec §9 SSL verification note).
func connectMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	clientOpts := options.Client().
		ApplyURI(cfg.DBURI).
		SetConnectTimeout(cfg.DBConnectTimeout).
		SetSocketTimeout(cfg.DBSocketTimeout).
		SetMaxPoolSize(uint64(cfg.DBPoolSize))

	if strings.Contains(cfg.DBURI, "ssl=true") || strings.Contains(cfg.DBURI, "tls=true") {
		tlsConfig := &tls.Config{InsecureSkipVerify: cfg.DBTLSInsecureSkipVerify}
		if cfg.DBTLSInsecureSkipVerify {
			log.Println("taskqueued: WARNING certificate verification disabled via TASKQUEUE_DB_TLS_INSECURE_SKIP_VERIFY")
		}
		clientOpts = clientOpts.SetTLSConfig(tlsConfig)
	}

	connectCtx := ctx
	if !cfg.DBConnectEager {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.DBConnectTimeout)
		defer cancel()
	}

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

// buildAmbiguityCache returns a Redis-backed cache when configured, else
// an in-memory one scoped to this single process.
func buildAmbiguityCache(ctx context.Context, cfg *config.Config) ambiguity.Cache {
	if cfg.RedisAddr == "" {
		log.Println("taskqueued: no TASKQUEUE_REDIS_ADDR set, using in-memory ambiguity cache")
		return ambiguity.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("taskqueued: redis unavailable (%v), falling back to in-memory ambiguity cache", err)
		return ambiguity.NewMemoryCache()
	}
	log.Printf("taskqueued: using redis at %s for ambiguity cache", cfg.RedisAddr)
	return ambiguity.NewRedisCache(client)
}

// buildPlaybookHooks wires the Postgres collaborator adapters described
// in SPEC_FULL §4.4 when a DSN is configured, else an in-memory fallback
// usable for local/dev runs.
func buildPlaybookHooks(ctx context.Context, cfg *config.Config, engine *taskqueue.Engine) *taskqueue.PlaybookHooks {
	if cfg.PostgresDSN == "" {
		log.Println("taskqueued: no TASKQUEUE_POSTGRES_DSN set, using in-memory collaborator adapters")
		mem := collaborators.NewMemoryCollaborators()
		return taskqueue.NewPlaybookHooks(engine, mem, mem, mem)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("taskqueued: postgres connect: %v", err)
	}
	pc := collaborators.NewPostgresCollaborators(pool)
	return taskqueue.NewPlaybookHooks(engine, pc, pc, pc)
}

// runWatcherLoop drives one Watcher to completion: fetch the next
// eligible task and attempt to claim it in this same goroutine. This
// process doesn't execute playbooks itself (spec §1 non-goal); it only
// demonstrates the start/claim race the watcher's contract promises.
func runWatcherLoop(ctx context.Context, wg *sync.WaitGroup, index int, w *taskqueue.Watcher, engine *taskqueue.Engine, hooks *taskqueue.PlaybookHooks) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		default:
		}

		t, err := w.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("watcher[%d]: aborting: %v", index, err)
			return
		}
		if t == nil {
			return
		}

		started, err := claim(ctx, t, engine, hooks)
		if err != nil {
			log.Printf("watcher[%d]: lost claim race for %s: %v", index, t.String(), err)
			continue
		}
		log.Printf("watcher[%d]: claimed %s (type=%s)", index, started.String(), started.TaskType)
	}
}

// sampleTTLBacklog periodically sets the TTLBacklog gauge from the
// store's count of terminal tasks not yet swept by the TTL index
// (spec §4.5, SPEC_FULL §2 observability). A transient count error is
// logged and skipped rather than aborting the sampler.
func sampleTTLBacklog(ctx context.Context, wg *sync.WaitGroup, store *taskqueue.MongoStore) {
	defer wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CountTTLBacklog(ctx, time.Now().Unix())
			if err != nil {
				log.Printf("taskqueued: ttl backlog sample failed: %v", err)
				continue
			}
			taskqueue.TTLBacklog.Set(float64(n))
		}
	}
}

func claim(ctx context.Context, t *taskqueue.Task, engine *taskqueue.Engine, hooks *taskqueue.PlaybookHooks) (*taskqueue.Task, error) {
	if t.TaskType == taskqueue.TaskTypePlaybook {
		return hooks.Start(ctx, t)
	}
	return engine.Start(ctx, t)
}
