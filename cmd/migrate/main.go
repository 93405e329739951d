package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"ridedispatch/internal/config"
	"ridedispatch/internal/observability"
	"ridedispatch/internal/repository/postgres"
)

// cli mirrors the DB_* variables read by the server, so one .env serves both.
var cli struct {
	Host     string `name:"host" env:"DB_HOST" default:"localhost"`
	Port     string `name:"port" env:"DB_PORT" default:"5432"`
	User     string `name:"user" env:"DB_USER" default:"postgres"`
	Password string `name:"password" env:"DB_PASSWORD" default:"postgres"`
	DBName   string `name:"dbname" env:"DB_NAME" default:"ride_dispatch"`
	SSLMode  string `name:"sslmode" env:"DB_SSLMODE" default:"disable"`
	LogLevel string `name:"log-level" env:"LOG_LEVEL" default:"info"`

	Up     struct{} `cmd:"" help:"Apply all pending migrations."`
	Down   struct{} `cmd:"" help:"Roll back the latest migration."`
	Status struct{} `cmd:"" help:"Print the status of every migration."`
	Reset  struct{} `cmd:"" help:"Roll back all migrations."`
}

func main() {
	_ = godotenv.Load()

	kctx := kong.Parse(&cli,
		kong.Name("migrate"),
		kong.Description("Manage the ride dispatch database schema."),
	)

	logger := observability.NewLogger(os.Stderr, config.LogConfig{Level: cli.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := config.DatabaseConfig{
		Host:     cli.Host,
		Port:     cli.Port,
		User:     cli.User,
		Password: cli.Password,
		DBName:   cli.DBName,
		SSLMode:  cli.SSLMode,
	}.DSN()

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cmd := postgres.MigrationCommand(kctx.Command())
	if err := postgres.Migrate(ctx, db.DB, cmd); err != nil {
		logger.Error("migration failed", "command", cmd, "error", err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("migration finished", "command", cmd)
}
