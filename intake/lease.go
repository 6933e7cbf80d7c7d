package intake

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseStore provides at-most-one claim semantics across the worker
// fleet. A lease is held per request id by one owner until released or
// expired.
type LeaseStore interface {
	Acquire(ctx context.Context, requestID, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, requestID, ownerID string) error
}

const leasePrefix = "mech:lease:"

// RedisLeases backs claim leases with the fleet's shared Redis. Acquire
// is SET NX EX; Release deletes only when still owned.
type RedisLeases struct {
	client *redis.Client
}

// NewRedisLeases connects to Redis and verifies the connection.
func NewRedisLeases(addr, password string, db int) (*RedisLeases, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLeases{client: client}, nil
}

func (s *RedisLeases) Acquire(ctx context.Context, requestID, ownerID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, leasePrefix+requestID, ownerID, ttl).Result()
}

// Release drops the lease if this owner still holds it. A lease taken
// over by another worker after expiry is left alone.
func (s *RedisLeases) Release(ctx context.Context, requestID, ownerID string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	return s.client.Eval(ctx, script, []string{leasePrefix + requestID}, ownerID).Err()
}

// Close releases the Redis connection.
func (s *RedisLeases) Close() error { return s.client.Close() }

// MemoryLeases is the single-worker fallback when no Redis is
// configured. Same semantics, process-local only.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryLeases returns an empty in-process lease store.
func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// SetClock overrides the clock. Used in tests.
func (s *MemoryLeases) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryLeases) Acquire(_ context.Context, requestID, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[requestID]; ok && s.now().Before(lease.expires) {
		return lease.owner == ownerID, nil
	}
	s.leases[requestID] = memoryLease{owner: ownerID, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryLeases) Release(_ context.Context, requestID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[requestID]; ok && lease.owner == ownerID {
		delete(s.leases, requestID)
	}
	return nil
}
