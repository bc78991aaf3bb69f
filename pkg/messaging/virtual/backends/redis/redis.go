// Package redis is a virtual-transport backend over Redis: each logical
// queue is a LIST for FIFO storage, with a HASH + sorted SET pair tracking
// in-flight (unacked) entries for atomic, scripted visibility restoration —
// the same compare-and-swap-via-Lua pattern this module's distributed lock
// adapter uses for lock release/extend.
package redis

import (
	"context"
	"fmt"

	"github.com/fenwick-systems/vtransport/pkg/errors"
	"github.com/fenwick-systems/vtransport/pkg/messaging/virtual"
	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection parameters.
type Config struct {
	Addr      string `env:"VT_REDIS_ADDR" env-default:"localhost:6379"`
	Password  string `env:"VT_REDIS_PASSWORD"`
	DB        int    `env:"VT_REDIS_DB" env-default:"0"`
	KeyPrefix string `env:"VT_REDIS_KEY_PREFIX" env-default:"vtransport"`
}

// Backend implements virtual.Backend and virtual.FanoutPublisher over Redis.
type Backend struct {
	client    *goredis.Client
	keyPrefix string

	restoreScript *goredis.Script
}

// restoreUnacked atomically moves a single unacked entry (tracked in a hash
// keyed by delivery tag) back onto its queue list, provided the entry is
// still present (i.e. hasn't already been acked concurrently). This is the
// engine's scripted-transaction requirement for restoration concurrency:
// watch, then remove-and-repush in one step, abandoning silently if the
// watch fails (KEYS[1] absent under ARGV[1]).
const restoreUnackedScript = `
local payload = redis.call('HGET', KEYS[1], ARGV[1])
if not payload then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], payload)
return 1
`

// New connects to Redis and verifies reachability.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "vtransport"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis transport backend")
	}
	return &Backend{
		client:        client,
		keyPrefix:     cfg.KeyPrefix,
		restoreScript: goredis.NewScript(restoreUnackedScript),
	}, nil
}

func (b *Backend) queueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", b.keyPrefix, queue)
}

func (b *Backend) unackedHashKey(queue string) string {
	return fmt.Sprintf("%s:unacked:%s", b.keyPrefix, queue)
}

func (b *Backend) deadlineZsetKey(queue string) string {
	return fmt.Sprintf("%s:deadlines:%s", b.keyPrefix, queue)
}

func (b *Backend) fanoutSetKey(exchange string) string {
	return fmt.Sprintf("%s:fanout:%s", b.keyPrefix, exchange)
}

func (b *Backend) Put(ctx context.Context, queue string, payload []byte, _ int) error {
	if err := b.client.RPush(ctx, b.queueKey(queue), payload).Err(); err != nil {
		return errors.Wrap(err, "redis RPUSH failed for queue "+queue)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, queue string) ([]byte, error) {
	v, err := b.client.LPop(ctx, b.queueKey(queue)).Bytes()
	if err == goredis.Nil {
		return nil, virtual.ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis LPOP failed for queue "+queue)
	}
	return v, nil
}

func (b *Backend) Size(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis LLEN failed for queue "+queue)
	}
	return int(n), nil
}

func (b *Backend) Purge(ctx context.Context, queue string) (int, error) {
	n, err := b.Size(ctx, queue)
	if err != nil {
		return 0, err
	}
	if err := b.client.Del(ctx, b.queueKey(queue)).Err(); err != nil {
		return 0, errors.Wrap(err, "redis DEL failed for queue "+queue)
	}
	return n, nil
}

func (b *Backend) Delete(ctx context.Context, queue string) error {
	return b.client.Del(ctx, b.queueKey(queue), b.unackedHashKey(queue), b.deadlineZsetKey(queue)).Err()
}

func (b *Backend) HasQueue(ctx context.Context, queue string) (bool, error) {
	n, err := b.client.Exists(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis EXISTS failed for queue "+queue)
	}
	return n > 0, nil
}

// PutFanout broadcasts to every queue registered in the exchange's fanout
// set, implementing virtual.FanoutPublisher so the core skips its own
// per-queue Put loop for fanout exchanges backed by Redis.
func (b *Backend) PutFanout(ctx context.Context, exchange string, payload []byte, _ string) error {
	queues, err := b.client.SMembers(ctx, b.fanoutSetKey(exchange)).Result()
	if err != nil {
		return errors.Wrap(err, "redis SMEMBERS failed for fanout set "+exchange)
	}
	for _, q := range queues {
		if err := b.Put(ctx, q, payload, 0); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFanoutQueue adds queue to exchange's fanout membership set. Called
// by virtual.Channel.QueueBind when the bound exchange is a fanout
// exchange and this backend implements FanoutPublisher.
func (b *Backend) RegisterFanoutQueue(ctx context.Context, exchange, queue string) error {
	return b.client.SAdd(ctx, b.fanoutSetKey(exchange), queue).Err()
}

// TrackUnacked records a delivered-but-not-yet-acked entry for scripted
// restoration: the serialized payload under its delivery tag, and the
// tag scored by its visibility deadline (unix seconds) in a sorted set.
func (b *Backend) TrackUnacked(ctx context.Context, queue, tag string, payload []byte, deadlineUnix float64) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.unackedHashKey(queue), tag, payload)
	pipe.ZAdd(ctx, b.deadlineZsetKey(queue), goredis.Z{Score: deadlineUnix, Member: tag})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "redis TxPipeline failed tracking unacked entry")
	}
	return nil
}

// AckUnacked removes a tag from tracking without requeuing (basic_ack path).
func (b *Backend) AckUnacked(ctx context.Context, queue, tag string) error {
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.unackedHashKey(queue), tag)
	pipe.ZRem(ctx, b.deadlineZsetKey(queue), tag)
	_, err := pipe.Exec(ctx)
	return err
}

// RestoreExpired finds every tag whose deadline has elapsed and atomically
// restores it to the queue via restoreUnackedScript, abandoning silently
// per-tag on a lost race with a concurrent ack.
func (b *Backend) RestoreExpired(ctx context.Context, queue string, nowUnix float64) ([]string, error) {
	tags, err := b.client.ZRangeByScore(ctx, b.deadlineZsetKey(queue), &goredis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", nowUnix),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis ZRANGEBYSCORE failed for queue "+queue)
	}

	var restored []string
	for _, tag := range tags {
		res, err := b.restoreScript.Run(ctx, b.client,
			[]string{b.unackedHashKey(queue), b.deadlineZsetKey(queue), b.queueKey(queue)},
			tag,
		).Int()
		if err != nil {
			return restored, errors.Wrap(err, "redis restore script failed for tag "+tag)
		}
		if res == 1 {
			restored = append(restored, tag)
		}
	}
	return restored, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}
