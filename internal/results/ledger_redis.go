package results

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"backtestlab/internal/domain"
)

// Compile-time interface check.
var _ Ledger = (*RedisLedger)(nil)

// RedisLedger stores each ledger as a JSON string under <prefix><ref>.
type RedisLedger struct {
	Client *redis.Client
	Prefix string
}

// NewRedisLedger connects to addr.
func NewRedisLedger(addr string) *RedisLedger {
	return &RedisLedger{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: "backtestlab:trades:",
	}
}

// Put stores trades without expiry.
func (l *RedisLedger) Put(ctx context.Context, ref string, trades []domain.Trade) error {
	data, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("encoding trades %s: %w", ref, err)
	}
	return l.Client.Set(ctx, l.Prefix+ref, data, 0).Err()
}

// Get reads the ledger for ref.
func (l *RedisLedger) Get(ctx context.Context, ref string) ([]domain.Trade, bool, error) {
	b, err := l.Client.Get(ctx, l.Prefix+ref).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeTrades(ref, b)
}

// Delete removes the ledger for ref.
func (l *RedisLedger) Delete(ctx context.Context, ref string) error {
	return l.Client.Del(ctx, l.Prefix+ref).Err()
}

// Close closes the client.
func (l *RedisLedger) Close() error {
	return l.Client.Close()
}
