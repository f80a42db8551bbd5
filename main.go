package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"docsync/server/internal/access"
	"docsync/server/internal/config"
	"docsync/server/internal/gateway"
	"docsync/server/internal/session"
	"docsync/server/internal/store"
)

func main() {
	cfg := config.FromEnv()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx := context.Background()

	var (
		contentStore store.ContentStore
		oracle       access.Oracle
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("database ping failed")
		}
		logger.Info().Msg("connected to postgres")
		contentStore = store.NewPostgresStore(pool)
		oracle = access.NewPostgresOracle(pool)
	} else {
		// Dev mode: a single seeded document, everyone is an editor.
		logger.Warn().Msg("DATABASE_URL not set, running with in-memory store")
		mem := store.NewMemoryStore()
		mem.Put(store.Document{ID: "test-doc", Title: "Test Document"})
		contentStore = mem
		static := access.NewStaticOracle()
		static.DefaultTier = access.TierEditor
		oracle = static
	}

	var audit store.AuditSink = store.NopAuditSink{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Audit must never block editing, so a dead Redis only costs
			// the audit trail.
			logger.Warn().Err(err).Msg("redis unreachable, auditing disabled")
		} else {
			logger.Info().Msg("connected to redis")
			audit = store.NewRedisAuditSink(rdb, logger)
		}
	}

	registry := session.NewRegistry(contentStore, cfg.Debounce, logger)
	gw := gateway.New(registry, oracle, audit, gateway.HeaderAuthenticator{}, logger)

	r := mux.NewRouter()
	r.HandleFunc("/ws", gw.HandleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("docsync server starting")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
