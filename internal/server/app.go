// Package server wires the vault server together: PostgreSQL storage with
// migrations, the change broker, S3 presigning and the gRPC endpoint, and
// runs them until the context is cancelled.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/server/broker"
	"github.com/dmitrijs2005/gophvault/internal/server/config"
	"github.com/dmitrijs2005/gophvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophvault/internal/server/services"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/gophvault/internal/server/grpc"
)

type tokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

type App struct {
	config        *config.Config
	logger        logging.Logger
	db            *sql.DB
	broker        *broker.Broker
	userService   *services.UserService
	recordService *services.RecordService
	blobService   *services.BlobService
}

// NewApp opens the database, applies pending migrations and builds the
// services. The caller owns the returned App and must Close it.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSON(os.Stdout, slog.LevelInfo)

	db, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	bs, err := services.NewBlobService(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b := broker.New(c.SubscriberBuffer, logger)

	return &App{
		config:        c,
		logger:        logger,
		db:            db,
		broker:        b,
		userService:   services.NewUserService(db, rm, c),
		recordService: services.NewRecordService(db, rm, b),
		blobService:   bs,
	}, nil
}

func (app *App) Close() error {
	return app.db.Close()
}

// purgeTokens removes expired refresh tokens every interval until ctx is done.
func purgeTokens(ctx context.Context, p tokenPurger, interval time.Duration, logger logging.Logger) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Warn(ctx, "refresh token purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "expired refresh tokens removed", "count", n)
			}
		}
	}
}

// Run serves until ctx is cancelled or a component fails.
func (app *App) Run(ctx context.Context) error {
	app.logger.Info(ctx, "Starting app...")

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger,
		app.userService, app.recordService, app.blobService, app.broker, app.config.SecretKey)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.broker.Run(gctx) })
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error {
		return purgeTokens(gctx, app.userService, app.config.TokenPurgeInterval, app.logger)
	})

	err := g.Wait()
	app.logger.Info(ctx, "App stopped")
	return err
}
