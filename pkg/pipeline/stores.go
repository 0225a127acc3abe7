package pipeline

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/memstore"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/pebblestore"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/redisstore"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

// StoreFactory returns the store backing the named queue.
type StoreFactory func(queue string) (broker.Store, error)

func MemoryStores() StoreFactory {
	return func(string) (broker.Store, error) {
		return memstore.New(), nil
	}
}

// PebbleStores keeps every queue in one Pebble database, each under its own
// key prefix.
func PebbleStores(db *pebblestore.DB) StoreFactory {
	return func(queue string) (broker.Store, error) {
		return db.Queue(queue), nil
	}
}

func RedisStores(client redis.UniversalClient, prefix string) StoreFactory {
	return func(queue string) (broker.Store, error) {
		return redisstore.New(client, prefix, queue), nil
	}
}

// ValidateBackend reports whether name is a known store backend.
func ValidateBackend(name string) error {
	switch name {
	case BackendMemory, BackendPebble, BackendRedis:
		return nil
	default:
		return fmt.Errorf("%w: unknown queue backend %q", broker.ErrInvalidConfig, name)
	}
}
