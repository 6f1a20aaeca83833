// Package lock provides the run lock the scheduler takes around each job
// so that only one courier process runs a given job at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a lease survives a crashed holder.
const DefaultTTL = 15 * time.Minute

// ErrHeld is returned by TryLock when another holder owns the lock.
var ErrHeld = errors.New("lock: held by another process")

// Locker hands out named leases.
type Locker interface {
	TryLock(ctx context.Context, name string) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// --- Redis ---

// releaseScript deletes the key only while it still carries our token, so
// a lease that expired and was re-acquired elsewhere is never released.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOptions configure a Redis locker.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Client    redis.UniversalClient // overrides Addr/Password/DB when set
}

// NewRedis returns a Redis locker. It does not contact the server.
func NewRedis(opts RedisOptions) (*Redis, error) {
	client := opts.Client
	if client == nil {
		if opts.Addr == "" {
			return nil, fmt.Errorf("lock: redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	r := &Redis{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}
	if r.prefix == "" {
		r.prefix = "courier:lock:"
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	return r, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("lock: redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// TryLock sets prefix+name to a fresh token if the key does not exist.
func (r *Redis) TryLock(ctx context.Context, name string) (Lease, error) {
	if name == "" {
		return nil, fmt.Errorf("lock: name is required")
	}
	key := r.prefix + name
	token := uuid.NewString()

	status, err := r.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrHeld
	}
	if err != nil {
		return nil, fmt.Errorf("lock: redis SET NX %s: %w", key, err)
	}
	if status != "OK" {
		return nil, ErrHeld
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string

	mu       sync.Mutex
	released bool
}

func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}

// --- Local ---

// Local is an in-process Locker used when no Redis address is configured.
type Local struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]uint64)}
}

// TryLock takes name if nobody in this process holds it.
func (l *Local) TryLock(_ context.Context, name string) (Lease, error) {
	if name == "" {
		return nil, fmt.Errorf("lock: name is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, ErrHeld
	}
	l.seq++
	l.held[name] = l.seq
	return &localLease{owner: l, name: name, id: l.seq}, nil
}

type localLease struct {
	owner *Local
	name  string
	id    uint64
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.name] == l.id {
		delete(l.owner.held, l.name)
	}
	return nil
}
