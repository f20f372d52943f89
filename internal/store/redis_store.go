package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/devXprite/world-chatapp/pkg/log"
)

// RedisConfig holds Redis connection configuration for the presence store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Connection liveness. The conn key carries HeartbeatTimeout as TTL and
	// is refreshed every HeartbeatInterval; when the TTL runs out the
	// connection is considered gone and its wills are applied.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

// Redis key patterns:
// presence:kv:{key}        STRING<json>     - current value per presence key
// presence:conn:{conn_id}  STRING, TTL      - connection liveness marker
// presence:will:{conn_id}  HASH key->json   - registered last-will writes
// presence:updates         PUBSUB           - fan-out of every Set
const (
	kvPrefix      = "presence:kv:"
	connPrefix    = "presence:conn:"
	willPrefix    = "presence:will:"
	updatesCh     = "presence:updates"
	scanBatchSize = 256
)

func kvKey(key string) string {
	return kvPrefix + key
}

func connKey(connID string) string {
	return connPrefix + connID
}

func willKey(connID string) string {
	return willPrefix + connID
}

// RedisPresenceStore implements PresenceStore on Redis. The last-will
// contract is delegated to keyspace expiry: every client keeps a TTL'd
// connection key alive by heartbeat, and an expired-key watcher (running in
// every connected store) applies the wills of whichever connection died.
type RedisPresenceStore struct {
	client *redis.Client
	cfg    RedisConfig
	connID string

	ctx    context.Context
	cancel context.CancelFunc
	opened bool
}

// NewRedisPresenceStore connects to Redis and verifies the connection.
func NewRedisPresenceStore(cfg RedisConfig) (*RedisPresenceStore, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPresenceStore{
		client: client,
		cfg:    cfg,
		connID: uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// mergeNotifyFlags returns the notify-keyspace-events value extended with
// the flags the expired-key watcher needs, or "" when nothing is missing.
// "A" already covers the expired event class; "E" (keyevent channel) has no
// alias and must be present either way.
func mergeNotifyFlags(current string) string {
	missing := ""
	if !strings.ContainsRune(current, 'E') {
		missing += "E"
	}
	if !strings.ContainsRune(current, 'x') && !strings.ContainsRune(current, 'A') {
		missing += "x"
	}
	if missing == "" {
		return ""
	}
	return current + missing
}

func (s *RedisPresenceStore) Open(ctx context.Context) error {
	if s.opened {
		return nil
	}

	// Expired-key notifications drive will application. Extend the current
	// flags rather than overwrite them; other tenants of a shared instance
	// may depend on theirs. Best effort: a locked-down Redis may refuse
	// CONFIG commands, in which case the operator must enable "Ex"
	// notifications themselves.
	current, err := s.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("could not read keyspace notification config; last-wills depend on notify-keyspace-events=Ex")
	} else if merged := mergeNotifyFlags(current["notify-keyspace-events"]); merged != "" {
		if err := s.client.ConfigSet(ctx, "notify-keyspace-events", merged).Err(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("could not enable keyspace notifications; last-wills depend on notify-keyspace-events=Ex")
		}
	}

	if err := s.client.Set(ctx, connKey(s.connID), "1", s.cfg.HeartbeatTimeout).Err(); err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}

	go s.heartbeat()
	go s.watchExpired()

	s.opened = true
	log.Ctx(ctx).Debug().Str(log.FieldConnID, s.connID).Msg("presence connection opened")
	return nil
}

// heartbeat keeps the connection key alive. If the process dies, the key
// expires and the watcher on a surviving client applies the wills.
func (s *RedisPresenceStore) heartbeat() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.Expire(s.ctx, connKey(s.connID), s.cfg.HeartbeatTimeout).Err(); err != nil && s.ctx.Err() == nil {
				log.L().Warn().Err(err).Str(log.FieldConnID, s.connID).Msg("heartbeat refresh failed")
			}
		}
	}
}

// watchExpired applies the wills of connections whose liveness key expired.
func (s *RedisPresenceStore) watchExpired() {
	channel := fmt.Sprintf("__keyevent@%d__:expired", s.cfg.DB)
	pubsub := s.client.Subscribe(s.ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			expired := msg.Payload
			if !strings.HasPrefix(expired, connPrefix) {
				continue
			}
			deadConn := strings.TrimPrefix(expired, connPrefix)
			if err := s.applyWills(s.ctx, deadConn); err != nil && s.ctx.Err() == nil {
				log.L().Warn().Err(err).Str(log.FieldConnID, deadConn).Msg("failed to apply last-wills")
			}
		}
	}
}

func (s *RedisPresenceStore) applyWills(ctx context.Context, connID string) error {
	wills, err := s.client.HGetAll(ctx, willKey(connID)).Result()
	if err != nil {
		return err
	}
	if len(wills) == 0 {
		return nil
	}

	// Another watcher may be racing this one; DEL first so the wills are
	// applied at most once.
	deleted, err := s.client.Del(ctx, willKey(connID)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return nil
	}

	appliedAt := time.Now().UTC()
	if serverTime, timeErr := s.client.Time(ctx).Result(); timeErr == nil {
		appliedAt = serverTime.UTC()
	}
	for key, value := range wills {
		if err := s.Set(ctx, key, stampUpdatedAt([]byte(value), appliedAt)); err != nil {
			return err
		}
	}
	log.Ctx(ctx).Info().Str(log.FieldConnID, connID).Int(log.FieldCount, len(wills)).Msg("applied last-wills of dead connection")
	return nil
}

func (s *RedisPresenceStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, kvKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set presence key: %w", err)
	}

	payload, err := json.Marshal(KV{Key: key, Value: value})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, updatesCh, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish presence update: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) SetOnDisconnect(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, willKey(s.connID), key, value).Err(); err != nil {
		return fmt.Errorf("failed to register last-will: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) ClearOnDisconnect(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, willKey(s.connID), key).Err(); err != nil {
		return fmt.Errorf("failed to clear last-will: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) SubscribeAll(prefix string, onUpdate func(KV), onErr func(error)) (*Subscription, error) {
	// Subscribe before the initial scan so updates written in between are
	// not lost; they sit in the pubsub buffer until the pump starts.
	pubsub := s.client.Subscribe(s.ctx, updatesCh)
	if _, err := pubsub.Receive(s.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence updates: %w", err)
	}

	current, err := s.snapshot(s.ctx, prefix)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		for _, kv := range current {
			onUpdate(kv)
		}
		s.pump(ctx, pubsub, prefix, onUpdate, onErr)
	}()

	return NewSubscription(func() {
		cancel()
		pubsub.Close()
	}), nil
}

// snapshot collects the current values under prefix, sorted by key.
func (s *RedisPresenceStore) snapshot(ctx context.Context, prefix string) ([]KV, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, kvKey(prefix)+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch presence values: %w", err)
	}

	kvs := make([]KV, 0, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between scan and fetch
		}
		kvs = append(kvs, KV{Key: strings.TrimPrefix(keys[i], kvPrefix), Value: []byte(raw)})
	}
	return kvs, nil
}

func (s *RedisPresenceStore) pump(ctx context.Context, pubsub *redis.PubSub, prefix string, onUpdate func(KV), onErr func(error)) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil && onErr != nil {
					onErr(fmt.Errorf("presence update feed closed"))
				}
				return
			}
			var kv KV
			if err := json.Unmarshal([]byte(msg.Payload), &kv); err != nil {
				log.L().Warn().Err(err).Msg("undecodable presence update payload")
				continue
			}
			if !strings.HasPrefix(kv.Key, prefix) {
				continue
			}
			onUpdate(kv)
		}
	}
}

// Close tears down gracefully: the wills are discarded so the backend never
// applies them for a clean shutdown.
func (s *RedisPresenceStore) Close(ctx context.Context) error {
	s.cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, willKey(s.connID))
	pipe.Del(ctx, connKey(s.connID))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldConnID, s.connID).Msg("failed to deregister presence connection")
	}

	return s.client.Close()
}
