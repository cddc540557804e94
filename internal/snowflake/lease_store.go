package snowflake

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the key when it is still ours or has already expired.
var renewScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// RedisLeaseStore keeps node leases as plain Redis keys.
type RedisLeaseStore struct {
	client redis.UniversalClient
}

func NewRedisLeaseStore(client redis.UniversalClient) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, owner, ttl).Result()
}

func (s *RedisLeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	held, err := renewScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if held == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MemoryLeaseStore is an in-process LeaseStore for tests and single-node runs.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryLeaseStore) Renew(_ context.Context, key, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && now.Before(l.expires) && l.owner != owner {
		return ErrLeaseLost
	}
	s.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Owner reports who holds key, if anyone.
func (s *MemoryLeaseStore) Owner(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	if !ok || !s.now().Before(l.expires) {
		return "", false
	}
	return l.owner, true
}
