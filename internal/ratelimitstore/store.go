// Package ratelimitstore is the only code in this repository allowed to
// read or write shared ratelimit state. It wraps a Redis client, the named
// atomic scripts that mutate that state, and the pub/sub subscription that
// lets waiters learn about a discovery the instant it finishes rather than
// only on their next retry timer.
//
// Grounded on the teacher's client.Client pooled-transport idiom for
// connection-pool sizing and on other_examples/'s sneha4175 ratelimiter and
// alextanhongpin dsync lock for the Lua-script-as-linearization-point and
// token-guarded-unlock patterns.
package ratelimitstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPoolTooSmall is returned by New when the configured pool size leaves no
// room for the dedicated pub/sub connection go-redis reserves outside the
// command pool.
var ErrPoolTooSmall = errors.New("ratelimitstore: pool size must be >= 2")

// Config controls how the store connects to Redis (spec.md §6's REDIS_*
// variables).
type Config struct {
	Addr            string
	Username        string
	Password        string
	PoolSize        int
	SentinelEnabled bool
	SentinelMaster  string
	SentinelAddrs   []string
}

// Store is the scripted state store. All seven keys for one identity are
// hash-tagged so Redis Cluster colocates them (spec.md §4.2).
type Store struct {
	client redisClient

	admitScript        *redis.Script
	unlockGlobalScript *redis.Script
	unlockRouteScript  *redis.Script
	expireCountsScript *redis.Script

	sub       *redis.PubSub
	closeOnce chan struct{}
}

// redisClient is the narrow surface this package needs from *redis.Client
// or *redis.ClusterClient, kept small so tests can substitute a fake.
type redisClient interface {
	redis.Scripter
	Ping(ctx context.Context) *redis.StatusCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// New builds a Store from cfg. Sentinel mode uses go-redis's own
// failover-aware client; otherwise a single-node client is used.
func New(cfg Config) (*Store, error) {
	if cfg.PoolSize != 0 && cfg.PoolSize < 2 {
		return nil, ErrPoolTooSmall
	}
	poolSize := cfg.PoolSize
	if poolSize == 0 {
		poolSize = 64
	}

	var client redisClient
	if cfg.SentinelEnabled {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			PoolSize:      poolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			PoolSize: poolSize,
		})
	}

	return newFromClient(client), nil
}

func newFromClient(client redisClient) *Store {
	s := &Store{
		client:             client,
		admitScript:        redis.NewScript(admitScriptSource),
		unlockGlobalScript: redis.NewScript(unlockGlobalScriptSource),
		unlockRouteScript:  redis.NewScript(unlockRouteScriptSource),
		expireCountsScript: redis.NewScript(expireCountsScriptSource),
		closeOnce:          make(chan struct{}),
	}
	return s
}

// Listen subscribes once to the unlock channel and returns a channel of
// just-unlocked base key names. The caller (internal/discovery) owns
// demultiplexing those keys to per-key waiters; the store's job ends at
// handing back a single ordered stream (spec.md §4.4 step 1).
func (s *Store) Listen(ctx context.Context) (<-chan string, error) {
	s.sub = s.client.Subscribe(ctx, unlockChannel)
	if _, err := s.sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan string, 256)
	msgs := s.sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-s.closeOnce:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-s.closeOnce:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the pub/sub connection and the underlying client.
func (s *Store) Close() error {
	select {
	case <-s.closeOnce:
		return nil
	default:
		close(s.closeOnce)
	}
	if s.sub != nil {
		_ = s.sub.Close()
	}
	return s.client.Close()
}

// Probe measures round-trip latency to the store, for the CLI health check.
func (s *Store) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// NewLockToken returns a fresh 128-bit random lock token (spec.md §3).
func NewLockToken() string {
	return uuid.NewString()
}

// keyLayout produces the persistent key names from spec.md §6, hash-tagged
// per identity so Redis Cluster colocates every key for one caller.
type keyLayout struct {
	identity string
	routeID  string
}

func (k keyLayout) globalLimit() string      { return fmt.Sprintf("global:{%s}", k.identity) }
func (k keyLayout) globalLock() string       { return fmt.Sprintf("global:{%s}:lock", k.identity) }
func (k keyLayout) globalCount(slice string) string {
	return fmt.Sprintf("global:{%s}%s", k.identity, slice)
}
func (k keyLayout) routeLimit() string { return fmt.Sprintf("{%s}-route:%s", k.identity, k.routeID) }
func (k keyLayout) routeCount() string {
	return fmt.Sprintf("{%s}-route:%s:count", k.identity, k.routeID)
}
func (k keyLayout) routeResetAfter() string {
	return fmt.Sprintf("{%s}-route:%s:reset_after", k.identity, k.routeID)
}
func (k keyLayout) routeLock() string {
	return fmt.Sprintf("{%s}-route:%s:lock", k.identity, k.routeID)
}

const unlockChannel = "unlock"
