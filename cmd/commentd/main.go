package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/threadline/comment-engine/internal/api"
	"github.com/threadline/comment-engine/internal/audit"
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/config"
	"github.com/threadline/comment-engine/internal/engine"
	"github.com/threadline/comment-engine/internal/identity"
	"github.com/threadline/comment-engine/internal/messaging"
	"github.com/threadline/comment-engine/internal/ratelimit"
)

func main() {
	log.Println("Starting comment engine...")

	listenAddr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	cfgStore, err := config.NewStore(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var health []api.HealthCheck

	// --- Postgres (optional; in-memory store without it) ---
	var store comment.Store
	var auditStore *audit.Store
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		cancel()

		migrationsPath := os.Getenv("MIGRATIONS_PATH")
		if migrationsPath == "" {
			migrationsPath = "./migrations"
		}
		if err := runMigrations(db, migrationsPath); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}

		store = comment.NewPostgresStore(db)
		auditStore = audit.NewStore(db)
		health = append(health, api.HealthCheck{Name: "postgres", Check: db.PingContext})
		defer db.Close()
	} else {
		log.Println("[commentd] POSTGRES_DSN not set, using in-memory comment store")
		store = comment.NewMemoryStore()
	}

	// --- Redis (optional; in-memory limiter and directory without it) ---
	var limiter ratelimit.Limiter
	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewRedisLimiter(rdb)
		health = append(health, api.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		defer rdb.Close()
	} else {
		log.Println("[commentd] REDIS_ADDR not set, using in-memory rate limiter")
		limiter = ratelimit.NewMemoryLimiter()
	}

	// --- NATS (optional; no event publishing without it) ---
	opts := engine.Options{}
	if auditStore != nil {
		opts.Audit = auditStore
		opts.Decisions = auditStore
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "commentd"
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		publisher := messaging.NewPublisher(natsClient)
		opts.Hook = publisher
		opts.Notifier = publisher
		defer natsClient.Close()
	} else {
		log.Println("[commentd] NATS_URL not set, moderation events disabled")
	}

	// Mention resolution reads the identity directory; Redis makes it
	// shared across instances.
	var dir identity.Directory
	var dirWriter identity.Writer
	if rdb != nil {
		redisDir, err := identity.NewRedisDirectory(context.Background(), rdb)
		if err != nil {
			log.Fatalf("failed to load identity directory: %v", err)
		}
		go redisDir.Run(context.Background(), identity.DefaultSyncInterval)
		dir, dirWriter = redisDir, redisDir
	} else {
		memDir := identity.NewMemoryDirectory()
		dir, dirWriter = memDir, memDir
	}

	eng, err := engine.New(cfgStore, store, limiter, dir, opts)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	server := api.NewServer(eng, dirWriter, health)
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("Comment engine running")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  config:      version=%d", cfgStore.Current().Version)
	log.Printf("  postgres:    %v", dsn != "")
	log.Printf("  redis:       %v", os.Getenv("REDIS_ADDR") != "")
	log.Printf("  nats:        %v", os.Getenv("NATS_URL") != "")

	// SIGHUP reloads the config file; new rules apply to subsequent
	// submissions without a restart.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := cfgStore.Reload(); err != nil {
				log.Printf("[commentd] config reload failed: %v", err)
				continue
			}
			log.Printf("[commentd] config reloaded, version=%d", cfgStore.Current().Version)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// runMigrations applies all pending schema migrations before the server
// starts taking traffic.
func runMigrations(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", path), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", err)
	}
	log.Printf("[commentd] migrations applied, version=%d dirty=%v", version, dirty)
	return nil
}
