package persistence

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies carries connections opened elsewhere in the process. A nil
// field makes the factory open its own connection where it can.
type Dependencies struct {
	DB    *gorm.DB
	Redis *redis.Client
	Mongo *mongo.Client
}

// NewStore creates a Store based on the configuration. Networked backends
// are wrapped with retries.
func NewStore(config StoreConfig, deps Dependencies, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		fs, err := NewFileStore(config)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case StoreTypeRedis:
		if deps.Redis != nil {
			store = NewRedisStoreWithClient(deps.Redis, config.Redis.KeyPrefix)
		} else {
			store, err = NewRedisStore(config)
		}
	case StoreTypeSQL:
		store, err = NewSQLStore(deps.DB, config.SQL.AutoMigrate)
	case StoreTypeMongo:
		if deps.Mongo != nil {
			store = NewMongoStoreWithClient(deps.Mongo, config.Mongo.Database)
		} else {
			store, err = NewMongoStore(config)
		}
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewRetryingStore(store, config.Retry, logger), nil
}

// MustNewStore creates a new Store or panics on error.
//
// WARNING: This function should ONLY be used during application initialization
// (e.g., in main() or init()). For runtime store creation, use NewStore instead.
func MustNewStore(config StoreConfig, deps Dependencies, logger *zap.Logger) Store {
	store, err := NewStore(config, deps, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create registry store: %v", err))
	}
	return store
}
