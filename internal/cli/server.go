package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"popquiz-service/internal/app"
	"popquiz-service/internal/config"
	"popquiz-service/internal/domain"
	"popquiz-service/internal/infra/memory"
	pgstore "popquiz-service/internal/infra/postgres"
	redicache "popquiz-service/internal/infra/redis"
	transport "popquiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz progression server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var store interface {
		app.Catalog
		app.ResponseStore
		app.ProgressStore
	}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = pgstore.NewStore(pool)
	} else {
		seeded := memory.NewStore()
		seeded.AddQuestions(sampleQuestions()...)
		store = seeded
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.Catalog
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		catalog = redicache.NewCatalogCache(redisClient, store, catalogTTL)
	} else {
		catalog = memory.NewCatalogCache(store, catalogTTL)
	}

	feed := app.NewFeed()
	engine := app.NewEngine(catalog, store, store, feed)
	handler := transport.NewHandler(engine)
	wsHandler := transport.NewWSHandler(engine, feed)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	handler.Register(mux)
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting quiz progression service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestions seeds a demo session when no postgres is configured; the
// real catalog is produced by the question-generation pipeline.
func sampleQuestions() []domain.Question {
	base := time.Now().Add(-time.Minute)
	return []domain.Question{
		{
			ID: "q1", SessionID: "demo",
			Text:    "What is 2 + 2?",
			OptionA: "3", OptionB: "4", OptionC: "5", OptionD: "22",
			CorrectOption: domain.OptionB,
			Explanation:   "Basic arithmetic.",
			TimeLimitSec:  30,
			CreatedAt:     base,
		},
		{
			ID: "q2", SessionID: "demo",
			Text:    "Which planet is closest to the sun?",
			OptionA: "Venus", OptionB: "Mercury", OptionC: "Mars", OptionD: "Earth",
			CorrectOption: domain.OptionB,
			Explanation:   "Mercury orbits closest.",
			TimeLimitSec:  30,
			CreatedAt:     base.Add(time.Second),
		},
		{
			ID: "q3", SessionID: "demo",
			Text:    "What does HTTP stand for?",
			OptionA: "HyperText Transfer Protocol", OptionB: "High Throughput Transfer Process", OptionC: "Hyperlink Text Transport Protocol", OptionD: "Host Transfer Text Protocol",
			CorrectOption: domain.OptionA,
			Explanation:   "HTTP is the HyperText Transfer Protocol.",
			TimeLimitSec:  30,
			CreatedAt:     base.Add(2 * time.Second),
		},
	}
}
