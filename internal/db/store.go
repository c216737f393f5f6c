package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/turnos/internal/config"
	"github.com/hackgods/turnos/internal/turno"
)

// Store is the repository selected by STORE_DRIVER plus whatever has to be
// released on shutdown.
type Store struct {
	Repo  turno.Repository
	close func()
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStore connects the configured backend and prepares its schema.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*Store, error) {
	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := ConnectPostgres(connCtx, cfg.PostgresDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		if err := MigratePostgres(connCtx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("connected to postgres")
		return &Store{Repo: turno.NewPgRepository(pool), close: pool.Close}, nil

	case config.StoreMongo:
		client, err := ConnectMongo(connCtx, cfg.MongoURI, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		repo := turno.NewMongoRepository(client, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(connCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		log.Info("connected to mongo", zap.String("database", cfg.MongoDatabase))
		return &Store{Repo: repo, close: func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.Warn("disconnect mongo", zap.Error(err))
			}
		}}, nil

	case config.StoreMemory:
		log.Warn("using the in-memory store, nothing survives a restart")
		return &Store{Repo: turno.NewMemoryRepository()}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
