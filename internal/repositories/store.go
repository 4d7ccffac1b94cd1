package repositories

import (
	"context"
	"fmt"

	"codecanvas/internal/config"
	"codecanvas/internal/models"
	"codecanvas/internal/repositories/mongo"
	"codecanvas/internal/repositories/redis"
	"codecanvas/internal/repositories/sqldb"
	"codecanvas/internal/utils"
)

// Store is the durable room document store behind the configured backend.
type Store interface {
	Get(ctx context.Context, roomID string) (*models.RoomDocument, error)
	Upsert(ctx context.Context, doc models.RoomDocument) error
	Create(ctx context.Context, doc models.RoomDocument) error
	ListByCreator(ctx context.Context, creatorID string) ([]models.RoomSummary, error)
	Rename(ctx context.Context, roomID, name string) error
	Delete(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	openSQL   = sqldb.Open
	dialRedis = redis.Dial
	dialMongo = mongo.NewClient
)

// New connects to the backend named by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config, log *utils.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite, config.BackendPostgres:
		driver, dsn := sqldb.DriverSQLite, cfg.SQLitePath
		if cfg.StoreBackend == config.BackendPostgres {
			driver, dsn = sqldb.DriverPostgres, cfg.DatabaseURL
		}
		db, err := openSQL(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", driver, err)
		}
		return &sqldb.RoomRepo{DB: db}, nil

	case config.BackendRedis:
		rdb, err := dialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return redis.NewRoomRepo(rdb), nil

	case config.BackendMongo:
		client, err := dialMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		col, err := client.Collection(cfg.MongoDB, cfg.MongoCollection)
		if err != nil {
			return nil, err
		}
		repo := mongo.NewRoomRepo(col)
		if err := repo.EnsureIndexes(ctx); err != nil {
			log.Warn("failed to ensure room indexes", "collection", cfg.MongoCollection, "error", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.StoreBackend)
}
