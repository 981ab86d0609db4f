/**
 * @description
 * This is the main entry point for the credits-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the rule resolver, the message broker, the Redis cache and rate
 * limiter, repositories, the core application service, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/rules, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/ecoquest/credits-service/internal/api"
	"github.com/ecoquest/credits-service/internal/app"
	"github.com/ecoquest/credits-service/internal/config"
	"github.com/ecoquest/credits-service/internal/rules"
	"github.com/ecoquest/credits-service/internal/store"
	"github.com/ecoquest/credits-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting credits-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Load the earn rule table: built-in defaults, optionally overridden by a
	// TOML file so point values change without a deploy.
	resolver := rules.NewResolver()
	if cfg.RulesFile != "" {
		resolver, err = rules.NewResolverFromFile(cfg.RulesFile)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rule table load failed\" file=%s err=%v", cfg.RulesFile, err)
		}
		log.Printf("level=info component=bootstrap msg=\"rule table loaded\" file=%s rules=%d", cfg.RulesFile, len(resolver.Codes()))
	}

	// Initialize the RabbitMQ producer to publish ledger events. The broker
	// being down must not block the ledger; publishing degrades to log lines.
	var producer rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		eventProducer, prodErr := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if prodErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; events disabled\" err=%v", prodErr)
		} else {
			defer eventProducer.Close()
			producer = eventProducer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	creditsService := app.NewService(repository, resolver, producer)
	creditsService.ConfigureStorageRetry(cfg.StorageRetryAttempts, time.Duration(cfg.StorageRetryBackoffMs)*time.Millisecond)

	// Redis backs both the read-through balance cache and the earn rate
	// limiter; either degrades gracefully when Redis is absent.
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; cache and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; cache and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")

				cacheTTL := time.Duration(cfg.BalanceCacheTTLSeconds) * time.Second
				creditsService.SetBalanceCache(app.NewBalanceCache(redisClient, cfg.RedisKeyPrefix+":account", cacheTTL))
				if cfg.EarnRateLimitPerMinute > 0 {
					creditsService.SetEarnRateLimiter(
						app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix+":rate_limit"),
						cfg.EarnRateLimitPerMinute,
					)
				}
			}
		}
	}

	// Initialize the API handlers.
	creditsHandlers := api.NewCreditsHandlers(creditsService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/credits", api.CreditsRoutes(creditsHandlers, cfg.AuthJWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
