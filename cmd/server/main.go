// Command server runs the paper trading backend: the HTTP and websocket
// API, the market data ingestion client, and the fan-out hub between them.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/papertrade-lab/papertrade/internal/api"
	"github.com/papertrade-lab/papertrade/internal/config"
	"github.com/papertrade-lab/papertrade/internal/hub"
	"github.com/papertrade-lab/papertrade/internal/ingest"
	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/pricestore"
	"github.com/papertrade-lab/papertrade/internal/store/postgres"
	"github.com/papertrade-lab/papertrade/internal/trading"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Missing .env is fine; configuration can come entirely from the
	// environment or the config file.
	_ = godotenv.Load()

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML configuration file",
	}

	cmd := &cli.Command{
		Name:  "server",
		Usage: "Paper trading backend",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the API server, price ingestion and fan-out hub",
				Flags:  []cli.Flag{configFlag},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations and exit",
				Flags:  []cli.Flag{configFlag},
				Action: migrateAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	return postgres.RunMigrations(cfg.Database.DSN, cfg.Database.MigrationsPath)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	log, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if err := postgres.RunMigrations(cfg.Database.DSN, cfg.Database.MigrationsPath); err != nil {
		return err
	}

	db, err := postgres.Connect(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := pricestore.Connect(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	prices := pricestore.NewRedisStore(redisClient)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := trading.NewEngine(postgres.NewStore(db), prices, log)
	repos := postgres.NewRepos(db)
	tokens := api.NewTokenService(cfg.Auth.JWTSecret)

	priceHub := hub.NewHub(prices, log)
	go priceHub.Run(ctx)

	feed := ingest.NewClient(cfg.Feed.URL, cfg.Feed.Key, cfg.Feed.Secret,
		cfg.Feed.Symbols, prices, log)
	go feed.Run(ctx)

	handlers := api.NewHandlers(repos, engine, tokens, log)
	router := api.NewRouter(handlers, hub.ServeWS(priceHub, log), tokens,
		cfg.Server.AllowedOrigins, log)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info("server listening", zap.String("addr", cfg.Server.Addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}
