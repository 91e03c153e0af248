package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateChanged is returned when a watched record was modified by another
// client between read and write.
var ErrStateChanged = errors.New("record changed concurrently")

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// WrapClient adopts an already configured client
func WrapClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Storage provides high-level storage operations
type Storage struct {
	redis *RedisClient
}

func NewStorage(redis *RedisClient) *Storage {
	return &Storage{redis: redis}
}

// Key layout
const (
	planListKey     = "plans:list"
	templateListKey = "apikey_templates:list"
	orderListKey    = "orders:list"
	apiKeyListKey   = "apikeys:list"
	apiKeyHashMap   = "apikey:hash_map"
	redeemPrefix    = "redeem:code:"
	clientUserGlob  = "client_user:*"
)

func planKey(id string) string             { return "plan:" + id }
func templateKey(id string) string         { return "apikey_template:" + id }
func templatePlanKey(planID string) string { return "apikey_template:plan:" + planID }
func orderKey(id string) string            { return "order:" + id }
func userOrdersKey(userID string) string   { return "user_orders:" + userID }
func redeemKey(code string) string         { return redeemPrefix + code }
func userRedeemsKey(userID string) string  { return "user:redeems:" + userID }
func apiKeyKey(id string) string           { return "apikey:" + id }
func sessionKey(id string) string          { return "session:" + id }
func clientUserKey(id string) string       { return "client_user:" + id }
func clientUsernameKey(name string) string { return "client_username:" + name }
func clientEmailKey(email string) string   { return "client_email:" + email }
func clientSessionKey(token string) string { return "client_session:" + token }
func clientUserSessionsKey(id string) string { return "client_user_sessions:" + id }

func pendingOrderKey(userID, planID string) string {
	return fmt.Sprintf("order:pending:%s:%s", userID, planID)
}

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1]
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// watch runs fn under WATCH on keys and maps an aborted EXEC to ErrStateChanged
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	err := s.redis.client.Watch(ctx, fn, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrStateChanged
	}
	return err
}

// getHashes fetches many hashes in one pipeline, skipping missing ones
func (s *Storage) getHashes(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return []map[string]string{}, nil
	}

	pipe := s.redis.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	result := make([]map[string]string, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		result = append(result, data)
	}
	return result, nil
}

// getHash returns nil when the hash does not exist
func (s *Storage) getHash(ctx context.Context, key string) (map[string]string, error) {
	data, err := s.redis.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// scanKeys walks the keyspace for pattern with SCAN
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.redis.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
