package migration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"example/mixreport-api/app/models"

	"github.com/redis/go-redis/v9"
)

// Slots holds at most one pending result per client slot.
type Slots interface {
	// Put overwrites whatever the slot held.
	Put(ctx context.Context, key string, p models.PendingResult) error
	// Restore puts p back only if the slot is still empty.
	Restore(ctx context.Context, key string, p models.PendingResult) error
	// Take returns and clears the slot in one step.
	Take(ctx context.Context, key string) (models.PendingResult, bool, error)
	Peek(ctx context.Context, key string) (models.PendingResult, bool, error)
}

type MemorySlots struct {
	mu    sync.Mutex
	slots map[string]models.PendingResult
}

func NewMemorySlots() *MemorySlots {
	return &MemorySlots{slots: map[string]models.PendingResult{}}
}

func (m *MemorySlots) Put(_ context.Context, key string, p models.PendingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key] = p
	return nil
}

func (m *MemorySlots) Restore(_ context.Context, key string, p models.PendingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[key]; !ok {
		m.slots[key] = p
	}
	return nil
}

func (m *MemorySlots) Take(_ context.Context, key string) (models.PendingResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.slots[key]
	delete(m.slots, key)
	return p, ok, nil
}

func (m *MemorySlots) Peek(_ context.Context, key string) (models.PendingResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.slots[key]
	return p, ok, nil
}

// RedisSlots keeps slots as JSON strings that expire after ttl.
type RedisSlots struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisSlots(rdb redis.Cmdable, ttl time.Duration) *RedisSlots {
	return &RedisSlots{rdb: rdb, prefix: "migration:slot:", ttl: ttl}
}

func (r *RedisSlots) Put(ctx context.Context, key string, p models.PendingResult) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.prefix+key, raw, r.ttl).Err()
}

func (r *RedisSlots) Restore(ctx context.Context, key string, p models.PendingResult) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.rdb.SetNX(ctx, r.prefix+key, raw, r.ttl).Err()
}

func (r *RedisSlots) Take(ctx context.Context, key string) (models.PendingResult, bool, error) {
	return decode(r.rdb.GetDel(ctx, r.prefix+key).Bytes())
}

func (r *RedisSlots) Peek(ctx context.Context, key string) (models.PendingResult, bool, error) {
	return decode(r.rdb.Get(ctx, r.prefix+key).Bytes())
}

func decode(raw []byte, err error) (models.PendingResult, bool, error) {
	if errors.Is(err, redis.Nil) {
		return models.PendingResult{}, false, nil
	}
	if err != nil {
		return models.PendingResult{}, false, err
	}
	var p models.PendingResult
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.PendingResult{}, false, err
	}
	return p, true, nil
}
