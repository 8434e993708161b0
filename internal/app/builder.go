package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	corechess "github.com/park285/cheese-uci/internal/chess"
	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/config"
	"github.com/park285/cheese-uci/internal/gamestore"
	"github.com/park285/cheese-uci/internal/msgcat"
	"github.com/park285/cheese-uci/internal/server"
	"github.com/park285/cheese-uci/internal/service/game"
)

type Deps struct {
	Engine  *corechess.Engine
	Redis   *redis.Client
	Store   *gamestore.Store
	Archive *gamestore.Archive // nil without DATABASE_URL
	Service *game.Service
	Catalog *msgcat.Catalog
	API     *server.Server
	Hub     *server.ProgressHub

	progressID int
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	rdb, err := gamestore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	d := &Deps{Redis: rdb, Store: gamestore.NewStore(rdb, cfg.GameTTL), Catalog: catalog}

	var archive game.Archive
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		d.Archive, err = gamestore.NewArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("init archive: %w", err)
		}
		archive = d.Archive
	} else {
		logger.Info("archive_disabled")
	}

	d.Engine = corechess.NewEngine(corechess.EngineConfig{
		Session: uci.Config{
			Args:        cfg.EngineArgs,
			InitTimeout: cfg.InitTimeout,
			MoveMargin:  cfg.MoveMargin,
			QuitGrace:   cfg.QuitGrace,
			Logger:      logger.Named("uci"),
		},
		DefaultMoveTime: cfg.MoveTime,
	}, logger.Named("engine"))

	d.Service, err = game.NewService(d.Engine, d.Store, archive, game.Config{
		DefaultEnginePath: cfg.EnginePath,
		MoveTime:          cfg.MoveTime,
	}, logger.Named("game"))
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}

	d.API = server.New(d.Service, d.Engine, catalog, server.Config{
		RequestTimeout: cfg.InitTimeout + cfg.MoveTime + cfg.MoveMargin,
	}, logger.Named("http"))
	d.Hub = server.NewProgressHub(logger.Named("ws"))
	d.progressID = d.Engine.OnProgress(d.Hub.PublishProgress)
	return d, nil
}

// Close quits the engine and releases the stores. The servers are shut
// down by their owner before this runs.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Engine != nil {
		d.Engine.RemoveProgressCallback(d.progressID)
		if err := d.Engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if d.Hub != nil {
		d.Hub.Close()
	}
	if d.Archive != nil {
		if err := d.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
