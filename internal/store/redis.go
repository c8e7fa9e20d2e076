package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
)

const (
	keyPendingPrefix = "clearnet:pending:" // list per chain
	keyNoncePrefix   = "clearnet:nonce:"   // session:nonce
	keyVolumePrefix  = "clearnet:volume:"  // session
	keyExecPrefix    = "clearnet:exec:"    // intent id -> hash chain->ts
	keyPolicyPrefix  = "clearnet:policy:"  // session
	keyPlanPrefix    = "clearnet:plan:"    // batch id
	keyBatchSeq      = "clearnet:batchseq"
)

// acceptScript performs the nonce check-and-mark and volume
// check-and-increment as one atomic server-side operation.
var acceptScript = redis.NewScript(`
local nonceKey = KEYS[1]
local volKey = KEYS[2]
local amount = tonumber(ARGV[1])
local maxVol = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if redis.call('EXISTS', nonceKey) == 1 then
  return 'nonce_used'
end
local vol = tonumber(redis.call('GET', volKey) or '0')
if vol + amount > maxVol then
  return 'volume_exceeded'
end
redis.call('SET', nonceKey, '1', 'EX', ttl)
redis.call('INCRBY', volKey, amount)
return 'ok'
`)

// mergeSeqScript moves the batch sequence forward, never backward.
var mergeSeqScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if floor > cur then
  redis.call('SET', KEYS[1], floor)
end
return redis.call('GET', KEYS[1])
`)

// Redis is the production Store and PolicyStore backend.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a redis-backed store.
func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisWithClient wraps an existing client (tests, custom options).
func NewRedisWithClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) EnqueueIntent(ctx context.Context, chain string, it *intent.TradeIntent) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	return r.rdb.RPush(ctx, keyPendingPrefix+chain, payload).Err()
}

func (r *Redis) DrainPending(ctx context.Context, chain string, max int) ([]*intent.TradeIntent, error) {
	if max <= 0 {
		max = 10000
	}
	raw, err := r.rdb.LPopCount(ctx, keyPendingPrefix+chain, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending: %w", err)
	}
	return decodeIntents(raw)
}

func (r *Redis) SnapshotPending(ctx context.Context, chain string) ([]*intent.TradeIntent, error) {
	raw, err := r.rdb.LRange(ctx, keyPendingPrefix+chain, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot pending: %w", err)
	}
	return decodeIntents(raw)
}

func (r *Redis) Requeue(ctx context.Context, chain string, intents []*intent.TradeIntent) error {
	if len(intents) == 0 {
		return nil
	}
	// LPush reverses, so push back-to-front to preserve original order.
	pipe := r.rdb.TxPipeline()
	for i := len(intents) - 1; i >= 0; i-- {
		payload, err := json.Marshal(intents[i])
		if err != nil {
			return fmt.Errorf("failed to marshal intent: %w", err)
		}
		pipe.LPush(ctx, keyPendingPrefix+chain, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) MigratePending(ctx context.Context, from, to string, exclude map[uuid.UUID]bool) (int, error) {
	raw, err := r.rdb.LRange(ctx, keyPendingPrefix+from, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read source queue: %w", err)
	}
	intents, err := decodeIntents(raw)
	if err != nil {
		return 0, err
	}

	pipe := r.rdb.TxPipeline()
	moved := 0
	for _, it := range intents {
		if exclude[it.ID] {
			continue
		}
		payload, err := json.Marshal(it)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal intent: %w", err)
		}
		pipe.RPush(ctx, keyPendingPrefix+to, payload)
		moved++
	}
	pipe.Del(ctx, keyPendingPrefix+from)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to migrate pending: %w", err)
	}
	return moved, nil
}

func (r *Redis) SweepExpired(ctx context.Context, chain string, now time.Time) (int, error) {
	raw, err := r.rdb.LRange(ctx, keyPendingPrefix+chain, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	intents, err := decodeIntents(raw)
	if err != nil {
		return 0, err
	}
	swept := 0
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keyPendingPrefix+chain)
	for _, it := range intents {
		if it.Expired(now) {
			swept++
			continue
		}
		payload, _ := json.Marshal(it)
		pipe.RPush(ctx, keyPendingPrefix+chain, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return swept, nil
}

func (r *Redis) PendingCount(ctx context.Context, chain string) (int, error) {
	n, err := r.rdb.LLen(ctx, keyPendingPrefix+chain).Result()
	return int(n), err
}

func (r *Redis) AcceptIntent(ctx context.Context, sessionKey string, nonce uint64, amount, maxVolume int64) (bool, intent.Reason, error) {
	nonceKey := keyNoncePrefix + sessionKey + ":" + strconv.FormatUint(nonce, 10)
	volKey := keyVolumePrefix + sessionKey
	ttl := int64(ExecutionRetention / time.Second)

	res, err := acceptScript.Run(ctx, r.rdb, []string{nonceKey, volKey}, amount, maxVolume, ttl).Text()
	if err != nil {
		return false, intent.ReasonNone, fmt.Errorf("accept script failed: %w", err)
	}
	switch res {
	case "ok":
		return true, intent.ReasonNone, nil
	case "nonce_used":
		return false, intent.ReasonNonceUsed, nil
	case "volume_exceeded":
		return false, intent.ReasonVolumeExceeded, nil
	default:
		return false, intent.ReasonNone, fmt.Errorf("unexpected accept result %q", res)
	}
}

func (r *Redis) NonceUsed(ctx context.Context, sessionKey string, nonce uint64) (bool, error) {
	key := keyNoncePrefix + sessionKey + ":" + strconv.FormatUint(nonce, 10)
	n, err := r.rdb.Exists(ctx, key).Result()
	return n == 1, err
}

func (r *Redis) MarkNonceUsed(ctx context.Context, sessionKey string, nonce uint64) error {
	key := keyNoncePrefix + sessionKey + ":" + strconv.FormatUint(nonce, 10)
	return r.rdb.Set(ctx, key, "1", ExecutionRetention).Err()
}

func (r *Redis) SessionVolume(ctx context.Context, sessionKey string) (int64, error) {
	v, err := r.rdb.Get(ctx, keyVolumePrefix+sessionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *Redis) MarkExecuted(ctx context.Context, id uuid.UUID, chain string) error {
	key := keyExecPrefix + id.String()
	pipe := r.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, chain, time.Now().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, ExecutionRetention)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ExecutedOn(ctx context.Context, id uuid.UUID, chain string) (bool, error) {
	return r.rdb.HExists(ctx, keyExecPrefix+id.String(), chain).Result()
}

func (r *Redis) Executions(ctx context.Context, since time.Time) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	iter := r.rdb.Scan(ctx, 0, keyExecPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := uuid.Parse(key[len(keyExecPrefix):])
		if err != nil {
			continue
		}
		chains, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		for chain, ts := range chains {
			at, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil || at.Before(since) {
				continue
			}
			out = append(out, ExecutionRecord{IntentID: id, Chain: chain, RecordedAt: at})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Redis) NextBatchID(ctx context.Context) (uint64, error) {
	v, err := r.rdb.Incr(ctx, keyBatchSeq).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch id: %w", err)
	}
	return uint64(v), nil
}

func (r *Redis) MergeBatchIDFloor(ctx context.Context, floor uint64) error {
	return mergeSeqScript.Run(ctx, r.rdb, []string{keyBatchSeq}, floor).Err()
}

func (r *Redis) CurrentBatchID(ctx context.Context) (uint64, error) {
	v, err := r.rdb.Get(ctx, keyBatchSeq).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *Redis) SavePlan(ctx context.Context, p *netting.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	return r.rdb.Set(ctx, keyPlanPrefix+strconv.FormatUint(p.BatchID, 10), payload, 0).Err()
}

func (r *Redis) GetPlan(ctx context.Context, batchID uint64) (*netting.Plan, error) {
	raw, err := r.rdb.Get(ctx, keyPlanPrefix+strconv.FormatUint(batchID, 10)).Bytes()
	if err == redis.Nil {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	var p netting.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &p, nil
}

func (r *Redis) MarkSettled(ctx context.Context, batchID uint64, txRef string) error {
	p, err := r.GetPlan(ctx, batchID)
	if err != nil {
		return err
	}
	now := time.Now()
	p.Settled = true
	p.TxRef = txRef
	p.SettledAt = &now
	return r.SavePlan(ctx, p)
}

func (r *Redis) PutPolicy(ctx context.Context, p *intent.SessionKeyPolicy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	return r.rdb.Set(ctx, keyPolicyPrefix+p.SessionKey, payload, 0).Err()
}

func (r *Redis) GetPolicy(ctx context.Context, sessionKey string) (*intent.SessionKeyPolicy, error) {
	raw, err := r.rdb.Get(ctx, keyPolicyPrefix+sessionKey).Bytes()
	if err == redis.Nil {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	var p intent.SessionKeyPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	return &p, nil
}

func decodeIntents(raw []string) ([]*intent.TradeIntent, error) {
	out := make([]*intent.TradeIntent, 0, len(raw))
	for _, item := range raw {
		var it intent.TradeIntent
		if err := json.Unmarshal([]byte(item), &it); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending intent: %w", err)
		}
		out = append(out, &it)
	}
	return out, nil
}
