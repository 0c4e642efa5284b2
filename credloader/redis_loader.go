package credloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowforge/poolctl/logging"
)

// RedisLoader discovers credentials from a Redis hash keyed by
// credential id, grounded on core/discovery.go's FindByCapability
// lookup and core/redis_registry.go's connection setup in
// NewRedisRegistryWithNamespace. The hash is `<namespace>:credentials`,
// field = credential id, value = opaque secret bytes.
type RedisLoader struct {
	client    *redis.Client
	namespace string
	logger    logging.Logger

	mu    sync.RWMutex
	known map[string]Credential
}

// RedisLoaderOptions configures a RedisLoader.
type RedisLoaderOptions struct {
	RedisURL  string
	Namespace string // default "poolctl" if empty
	Logger    logging.Logger
}

// NewRedisLoader connects to Redis and verifies reachability with a
// short-timeout ping (scaled down to one attempt: a background Watch
// loop retries on its own poll cadence instead of blocking
// construction).
func NewRedisLoader(opts RedisLoaderOptions) (*RedisLoader, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "poolctl"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("credloader: invalid redis url: %w", err)
	}
	redisOpt.DialTimeout = 5 * time.Second
	redisOpt.ReadTimeout = 5 * time.Second
	redisOpt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(redisOpt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("credloader: failed to connect to redis: %w", err)
	}

	return &RedisLoader{
		client:    client,
		namespace: namespace,
		logger:    logger,
		known:     make(map[string]Credential),
	}, nil
}

func (l *RedisLoader) hashKey() string {
	return fmt.Sprintf("%s:credentials", l.namespace)
}

// Load performs a full read of the credential hash and updates the
// loader's known set, returning every credential currently present.
func (l *RedisLoader) Load(ctx context.Context) ([]Credential, error) {
	raw, err := l.client.HGetAll(ctx, l.hashKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("credloader: failed to load credentials: %w", err)
	}

	creds := make([]Credential, 0, len(raw))
	known := make(map[string]Credential, len(raw))
	for id, secret := range raw {
		c := Credential{ID: id, Secret: []byte(secret)}
		creds = append(creds, c)
		known[id] = c
	}

	l.mu.Lock()
	l.known = known
	l.mu.Unlock()

	return creds, nil
}

// Watch polls the credential hash every interval and emits a
// ChangeEvent whenever the known set differs from the prior poll. The
// returned channel is closed when ctx is cancelled (spec.md §5
// "every timer must be cancellable on shutdown").
func (l *RedisLoader) Watch(ctx context.Context, interval time.Duration) <-chan ChangeEvent {
	out := make(chan ChangeEvent)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				event, changed, err := l.pollOnce(ctx)
				if err != nil {
					l.logger.Warn("credential poll failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				if !changed {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (l *RedisLoader) pollOnce(ctx context.Context) (ChangeEvent, bool, error) {
	raw, err := l.client.HGetAll(ctx, l.hashKey()).Result()
	if err != nil && err != redis.Nil {
		return ChangeEvent{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var added []Credential
	seen := make(map[string]bool, len(raw))
	for id, secret := range raw {
		seen[id] = true
		if _, ok := l.known[id]; !ok {
			c := Credential{ID: id, Secret: []byte(secret)}
			added = append(added, c)
			l.known[id] = c
		}
	}

	var removed []string
	for id := range l.known {
		if !seen[id] {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(l.known, id)
	}

	if len(added) == 0 && len(removed) == 0 {
		return ChangeEvent{}, false, nil
	}
	return ChangeEvent{Added: added, Removed: removed}, true, nil
}

// Close releases the underlying Redis connection.
func (l *RedisLoader) Close() error {
	return l.client.Close()
}
