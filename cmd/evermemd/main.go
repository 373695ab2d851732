// Command evermemd wires every EverMem component into a long-running
// process: config load, storage/backend construction, the C4 extraction
// pool and C8 sync reconciler as background goroutines, and the C10 façade
// behind a minimal HTTP health surface (transport framing itself is outside
// the core).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evermem/internal/api"
	"evermem/internal/boundary"
	"evermem/internal/buffer"
	evermemconfig "evermem/internal/config"
	"evermem/internal/embedding"
	"evermem/internal/extract"
	"evermem/internal/index/keyword"
	"evermem/internal/index/vector"
	"evermem/internal/llm"
	"evermem/internal/llm/anthropic"
	"evermem/internal/llm/openai"
	"evermem/internal/observability"
	"evermem/internal/retrieve"
	"evermem/internal/store"
	"evermem/internal/sync"
)

func main() {
	cfgPath := flag.String("config", "evermemd.yaml", "path to config file")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := evermemconfig.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := observability.NewHTTPClient(nil)

	buf := buildBuffer(ctx, cfg.Buffer)
	st := buildStore(ctx, cfg.Store)
	kwIndex := buildKeywordIndex(ctx, cfg.Keyword)
	vecIndex := buildVectorIndex(cfg.Vector)
	embedder := embedding.New(embedding.Config{
		BaseURL: cfg.Embedding.BaseURL, Path: cfg.Embedding.Path, Model: cfg.Embedding.Model,
		APIKey: cfg.Embedding.APIKey, APIHeader: cfg.Embedding.APIHeader, Dimensions: cfg.Embedding.Dimensions,
		QueryPrefix: cfg.Embedding.QueryPrefix, BatchSize: cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency, TimeoutSecs: cfg.Embedding.TimeoutSecs,
	}, httpClient)
	llmProvider := buildLLMProvider(cfg.LLM, httpClient)

	syncQueue := buildSyncQueue(ctx, cfg.Sync)
	syncSvc := sync.New(syncQueue, kwIndex, vecIndex, time.Duration(cfg.Sync.ReconcileIntervalSeconds)*time.Second)
	go syncSvc.Run(ctx)

	det := boundary.New(boundary.Config{
		MaxBuffer: cfg.Buffer.MaxSize, GapHours: int(cfg.Boundary.GapHours), TopicDivergence: cfg.Boundary.TopicDivergence,
		SceneDelimiters: cfg.Boundary.SceneDelimiters, DefaultTimezone: cfg.Boundary.DefaultTimezone,
	})

	worker := extract.NewWorker(llmProvider, embedder, st, syncSvc, extract.Config{
		EmbedBatchSize: cfg.Extraction.EmbedBatchSize, RetryAttempts: cfg.Extraction.RetryAttempts,
		RetryBaseSeconds: cfg.Extraction.RetryBaseSeconds, TimeoutSeconds: cfg.Extraction.TimeoutSeconds,
		ForesightMax: cfg.Extraction.ForesightMax, IncludeForesightInGroups: cfg.Extraction.IncludeForesightInGroups,
	})
	queue := buildExtractionQueue(cfg.Extraction)
	dlq := buildDeadLetter(ctx, cfg.Extraction)
	pool := extract.NewPool(worker, queue, dlq, cfg.Extraction.WorkerConcurrency)
	go pool.Run(ctx)

	retrieveEngine := retrieve.New(st, kwIndex, vecIndex, embedder, buf)
	facade := api.New(buf, det, pool, worker, st, retrieveEngine, cfg.Extraction)

	serve(ctx, cfg.Host, cfg.Port, facade)
}

func buildBuffer(ctx context.Context, cfg evermemconfig.BufferConfig) buffer.Store {
	if cfg.Backend != "redis" {
		return buffer.NewMemoryStore()
	}
	opts, err := redis.ParseURL(cfg.RedisDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: invalid buffer.redis_dsn")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("evermemd: redis buffer unreachable")
	}
	return buffer.NewRedisStore(client)
}

func buildStore(ctx context.Context, cfg evermemconfig.StoreConfig) store.Store {
	if cfg.Backend != "postgres" {
		return store.NewMemoryStore()
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: postgres store connect failed")
	}
	return store.NewPostgresStore(pool)
}

func buildKeywordIndex(ctx context.Context, cfg evermemconfig.KeywordConfig) keyword.Index {
	if cfg.Backend != "postgres" {
		return keyword.NewMemoryIndex()
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: postgres keyword index connect failed")
	}
	return keyword.NewPostgresIndex(pool)
}

func buildSyncQueue(ctx context.Context, cfg evermemconfig.SyncConfig) sync.Queue {
	if cfg.Backend != "postgres" {
		return sync.NewMemoryQueue()
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: postgres sync queue connect failed")
	}
	return sync.NewPostgresQueue(pool)
}

func buildVectorIndex(cfg evermemconfig.VectorConfig) vector.Index {
	if cfg.Backend != "qdrant" {
		return vector.NewMemoryIndex()
	}
	idx, err := vector.NewQdrantIndex(cfg.DSN, cfg.Dimensions, cfg.Metric)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: qdrant vector index connect failed")
	}
	return idx
}

func buildLLMProvider(cfg evermemconfig.LLMConfig, httpClient *http.Client) llm.Provider {
	switch cfg.Provider {
	case "openai":
		return openai.New(cfg.APIKey, "", cfg.Model, httpClient)
	default:
		return anthropic.New(cfg.APIKey, "", cfg.Model, httpClient)
	}
}

func buildExtractionQueue(cfg evermemconfig.ExtractionConfig) extract.Queue {
	if cfg.QueueBackend != "kafka" {
		return extract.NewMemoryQueue(cfg.HardCap)
	}
	return extract.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, "evermemd-extract")
}

func buildDeadLetter(ctx context.Context, cfg evermemconfig.ExtractionConfig) extract.DeadLetter {
	if cfg.DeadLetterBackend != "s3" {
		return extract.NewMemoryDeadLetter()
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("evermemd: aws config load failed")
	}
	client := awss3.NewFromConfig(awsCfg)
	return extract.NewS3DeadLetter(client, cfg.DeadLetterBucket)
}

// serve starts the minimal health-check HTTP surface. Every real operation
// is reached via Facade in-process; request verb/JSON framing for ingest,
// fetch, search, delete and conversation-meta upsert is the outer
// transport's job, not the core's.
func serve(ctx context.Context, host string, port int, _ *api.Facade) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := host
	if port != 0 {
		addr = hostPort(host, port)
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("evermemd: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("evermemd: server failed")
	}
}

func hostPort(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(port)
}
