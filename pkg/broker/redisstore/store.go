// Package redisstore keeps queues in Redis so several processes can share them.
//
// Each queue uses a sorted set of message ids scored by visibility deadline
// (milliseconds since epoch) and one hash per message. Keys carry the queue
// name as a hash tag so a queue's keys land in the same cluster slot:
//
//	{prefix}:{queue}:vis          ZSET id -> visibleAtMs
//	{prefix}:{queue}:m:{id}       HASH body, attrs, enq, count, vis
//
// Claims run as a Lua script, which makes them atomic across processes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

const DefaultKeyPrefix = "eda"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// claimScript returns a flat list of 7-tuples:
// status ("c" claimed, "x" exhausted), id, body, attrs, enq, count, vis.
var claimScript = redis.NewScript(`
local vis = KEYS[1]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local deadline = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
local maxDeliveries = tonumber(ARGV[5])

local ids = redis.call('ZRANGEBYSCORE', vis, '-inf', now, 'LIMIT', 0, max * 4)
local out = {}
local claimed = 0
for _, id in ipairs(ids) do
  if claimed >= max then break end
  local key = prefix .. id
  local f = redis.call('HMGET', key, 'body', 'attrs', 'enq', 'count', 'vis')
  if not f[3] then
    redis.call('ZREM', vis, id)
  else
    local count = tonumber(f[4]) or 0
    if maxDeliveries > 0 and count >= maxDeliveries then
      redis.call('DEL', key)
      redis.call('ZREM', vis, id)
      for _, v in ipairs({'x', id, f[1] or '', f[2] or '', f[3], tostring(count), f[5] or '0'}) do
        table.insert(out, v)
      end
    else
      count = count + 1
      redis.call('HSET', key, 'count', count, 'vis', deadline)
      redis.call('ZADD', vis, deadline, id)
      claimed = claimed + 1
      for _, v in ipairs({'c', id, f[1] or '', f[2] or '', f[3], tostring(count), tostring(deadline)}) do
        table.insert(out, v)
      end
    end
  end
end
return out
`)

// removeScript and releaseScript take the receipt's delivery count in
// ARGV[2]; zero skips the check.
var removeScript = redis.NewScript(`
local delivery = tonumber(ARGV[2])
if delivery > 0 and tonumber(redis.call('HGET', KEYS[2], 'count')) ~= delivery then
  return {}
end
local f = redis.call('HGETALL', KEYS[2])
if #f > 0 then
  redis.call('DEL', KEYS[2])
  redis.call('ZREM', KEYS[1], ARGV[1])
end
return f
`)

var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return 0 end
local delivery = tonumber(ARGV[2])
if delivery > 0 and tonumber(redis.call('HGET', KEYS[2], 'count')) ~= delivery then
  return 0
end
redis.call('HSET', KEYS[2], 'vis', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var _ broker.Store = (*Store)(nil)

// Store is a broker.Store for one queue.
type Store struct {
	client redis.UniversalClient
	base   string
}

// New returns the store for queue. An empty prefix uses DefaultKeyPrefix.
func New(client redis.UniversalClient, prefix, queue string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		base:   prefix + ":{" + queue + "}",
	}
}

func (s *Store) visKey() string {
	return s.base + ":vis"
}

func (s *Store) msgPrefix() string {
	return s.base + ":m:"
}

func (s *Store) msgKey(id string) string {
	return s.msgPrefix() + id
}

func (s *Store) Put(ctx context.Context, msg broker.Message) error {
	attrs, err := encodeAttrs(msg.Attributes)
	if err != nil {
		return err
	}
	vis := msg.VisibleAt.UnixMilli()
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := s.msgKey(msg.ID)
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"body", msg.Body,
			"attrs", attrs,
			"enq", msg.EnqueuedAt.UnixMilli(),
			"count", msg.DeliveryCount,
			"vis", vis,
		)
		p.ZAdd(ctx, s.visKey(), redis.Z{Score: float64(vis), Member: msg.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, req broker.ClaimRequest) (broker.ClaimResult, error) {
	raw, err := claimScript.Run(ctx, s.client,
		[]string{s.visKey()},
		s.msgPrefix(),
		req.Now.UnixMilli(),
		req.Now.Add(req.Visibility).UnixMilli(),
		req.Max,
		req.MaxDeliveries,
	).StringSlice()
	if err != nil {
		return broker.ClaimResult{}, fmt.Errorf("redis claim: %w", err)
	}
	if len(raw)%7 != 0 {
		return broker.ClaimResult{}, fmt.Errorf("redis claim: malformed reply of %d fields", len(raw))
	}

	var res broker.ClaimResult
	for i := 0; i < len(raw); i += 7 {
		m, err := decodeFields(raw[i+1], map[string]string{
			"body":  raw[i+2],
			"attrs": raw[i+3],
			"enq":   raw[i+4],
			"count": raw[i+5],
			"vis":   raw[i+6],
		})
		if err != nil {
			return broker.ClaimResult{}, err
		}
		if raw[i] == "x" {
			res.Exhausted = append(res.Exhausted, m)
		} else {
			res.Claimed = append(res.Claimed, m)
		}
	}
	return res, nil
}

func (s *Store) Get(ctx context.Context, id string) (broker.Message, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.msgKey(id)).Result()
	if err != nil {
		return broker.Message{}, false, fmt.Errorf("redis get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return broker.Message{}, false, nil
	}
	m, err := decodeFields(id, fields)
	return m, err == nil, err
}

func (s *Store) Remove(ctx context.Context, r broker.Receipt) (broker.Message, bool, error) {
	id := r.ID
	flat, err := removeScript.Run(ctx, s.client, []string{s.visKey(), s.msgKey(id)}, id, r.Delivery).StringSlice()
	if err != nil {
		return broker.Message{}, false, fmt.Errorf("redis remove %s: %w", id, err)
	}
	if len(flat) == 0 {
		return broker.Message{}, false, nil
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	m, err := decodeFields(id, fields)
	return m, err == nil, err
}

func (s *Store) Release(ctx context.Context, r broker.Receipt, now time.Time) (bool, error) {
	keys := []string{s.visKey(), s.msgKey(r.ID)}
	n, err := releaseScript.Run(ctx, s.client, keys, r.ID, r.Delivery, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", r.ID, err)
	}
	return n == 1, nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (broker.Stats, error) {
	var available, total *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		available = p.ZCount(ctx, s.visKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		total = p.ZCard(ctx, s.visKey())
		return nil
	})
	if err != nil {
		return broker.Stats{}, fmt.Errorf("redis stats: %w", err)
	}
	a := int(available.Val())
	return broker.Stats{Available: a, InFlight: int(total.Val()) - a}, nil
}

// Close is a no-op; the client is shared between queues and closed by its owner.
func (s *Store) Close() error {
	return nil
}

func encodeAttrs(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}

func decodeFields(id string, f map[string]string) (broker.Message, error) {
	m := broker.Message{ID: id, Body: []byte(f["body"])}
	if a := f["attrs"]; a != "" {
		if err := json.Unmarshal([]byte(a), &m.Attributes); err != nil {
			return broker.Message{}, fmt.Errorf("decode attributes of %s: %w", id, err)
		}
	}
	var errs []error
	enq, err := strconv.ParseInt(f["enq"], 10, 64)
	errs = append(errs, err)
	count, err := strconv.Atoi(f["count"])
	errs = append(errs, err)
	vis, err := strconv.ParseInt(f["vis"], 10, 64)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return broker.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	m.EnqueuedAt = time.UnixMilli(enq)
	m.DeliveryCount = count
	m.VisibleAt = time.UnixMilli(vis)
	return m, nil
}
