package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// StoreCounter increments counters in the document store, each increment in
// its own transaction.
type StoreCounter struct {
	store repository.Store
}

// NewStoreCounter creates a StoreCounter.
func NewStoreCounter(store repository.Store) *StoreCounter {
	return &StoreCounter{store: store}
}

// Next implements Counter.
func (c *StoreCounter) Next(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := c.store.InTransaction(ctx, func(tx repository.Tx) error {
		v, err := tx.Sequences().Next(ctx, scope)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// RedisKeyPrefix namespaces counter keys.
const RedisKeyPrefix = "seq:"

// RedisCounter increments counters with INCR, which creates the key at 1.
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a RedisCounter.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Next implements Counter. Any Redis failure is reported as UNAVAILABLE.
func (c *RedisCounter) Next(ctx context.Context, scope string) (int64, error) {
	v, err := c.client.Incr(ctx, RedisKeyPrefix+scope).Result()
	if err != nil {
		return 0, errors.Unavailable(err, fmt.Sprintf("failed to increment sequence %s", scope))
	}
	return v, nil
}
