/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package marker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blnkfinance/settlement/model"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "settlement:marker:"
	pendingKey = "settlement:markers:settled"
)

// claimScript takes the key when it is free or its claim lease has passed, and hands over a
// settled marker whose acknowledgement lease has passed. It returns the outcome followed by the
// body, run id and lease of the marker now stored.
//
// KEYS[1] marker key. ARGV: body, now ms, run id, lease expiry ms, lease ttl ms.
var claimScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'state', 'lease')
local state = current[1]
local lease = tonumber(current[2] or '0')
local now = tonumber(ARGV[2])
if state then
	if state == 'settled' and lease <= now then
		redis.call('HSET', KEYS[1], 'run_id', ARGV[3], 'lease', ARGV[4])
		return {'resumed', redis.call('HGET', KEYS[1], 'body'), ARGV[3], ARGV[4]}
	end
	if state ~= 'claimed' or lease > now then
		local held = redis.call('HMGET', KEYS[1], 'body', 'run_id', 'lease')
		return {'held', held[1], held[2], held[3]}
	end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'claimed', 'run_id', ARGV[3], 'lease', ARGV[4], 'body', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {'claimed'}
`)

// releaseScript deletes the key only while it is still a claim owned by ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'claimed' and redis.call('HGET', KEYS[1], 'run_id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// settleScript writes a settled or disputed marker unless the key holds a marker that ARGV[2]
// does not own. It returns 0 when the write was refused.
//
// KEYS[1] marker key, KEYS[2] pending index. ARGV: state, run id, lease ms, body, index score.
var settleScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'state', 'run_id')
if current[1] then
	if current[2] ~= ARGV[2] or (current[1] ~= 'claimed' and current[1] ~= 'settled') then
		return 0
	end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'run_id', ARGV[2], 'lease', ARGV[3], 'body', ARGV[4])
if ARGV[1] == 'settled' then
	redis.call('ZADD', KEYS[2], ARGV[5], KEYS[1])
else
	redis.call('ZREM', KEYS[2], KEYS[1])
end
return 1
`)

// RedisStore keeps markers as Redis hashes. Settled markers are also indexed in a sorted set
// scored by update time so the recovery processor can find acknowledgements that never happened.
type RedisStore struct {
	client redis.UniversalClient
	now    Clock
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return NewRedisStoreWithClock(client, time.Now)
}

func NewRedisStoreWithClock(client redis.UniversalClient, now Clock) *RedisStore {
	return &RedisStore{client: client, now: now}
}

func markerKey(merchantID, entryID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, merchantID, entryID)
}

func decodeMarker(body string) (model.Marker, error) {
	var m model.Marker
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return model.Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}

// decodeFields rebuilds a marker from its hash. The run_id and lease fields change on resumption
// without the body being rewritten, so they win over the body.
func decodeFields(body, runID, lease interface{}) (model.Marker, error) {
	raw, ok := body.(string)
	if !ok {
		return model.Marker{}, model.ErrMarkerNotFound
	}
	m, err := decodeMarker(raw)
	if err != nil {
		return model.Marker{}, err
	}
	if id, ok := runID.(string); ok && id != "" {
		m.RunID = id
	}
	if l, ok := lease.(string); ok {
		ms, err := strconv.ParseInt(l, 10, 64)
		if err != nil {
			return model.Marker{}, fmt.Errorf("decode marker lease: %w", err)
		}
		if ms > 0 {
			m.LeaseExpiresAt = time.UnixMilli(ms).UTC()
		}
	}
	return m, nil
}

func (s *RedisStore) Claim(ctx context.Context, merchantID, entryID, runID string, lease time.Duration) (model.Marker, bool, error) {
	now := s.now()
	m := claimed(merchantID, entryID, runID, lease, now)
	body, err := json.Marshal(m)
	if err != nil {
		return model.Marker{}, false, err
	}

	res, err := claimScript.Run(ctx, s.client, []string{markerKey(merchantID, entryID)},
		string(body),
		now.UnixMilli(),
		runID,
		m.LeaseExpiresAt.UnixMilli(),
		lease.Milliseconds(),
	).Slice()
	if err != nil {
		return model.Marker{}, false, err
	}

	switch res[0] {
	case "claimed":
		return m, true, nil
	case "resumed":
		existing, err := decodeFields(res[1], runID, nil)
		if err != nil {
			return model.Marker{}, false, err
		}
		return resumed(existing, runID, lease, now), true, nil
	default:
		if len(res) < 4 {
			return model.Marker{}, false, fmt.Errorf("unexpected claim reply %v", res)
		}
		existing, err := decodeFields(res[1], res[2], res[3])
		if err != nil {
			return model.Marker{}, false, err
		}
		return existing, false, nil
	}
}

func (s *RedisStore) Settle(ctx context.Context, m model.Marker) error {
	m.State = settleState(m)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	written, err := settleScript.Run(ctx, s.client, []string{markerKey(m.MerchantID, m.EntryID), pendingKey},
		string(m.State),
		m.RunID,
		leaseMillis(m.LeaseExpiresAt),
		string(body),
		m.UpdatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		return model.ErrMarkerNotOwned
	}
	return nil
}

func leaseMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *RedisStore) Release(ctx context.Context, merchantID, entryID, runID string) error {
	return releaseScript.Run(ctx, s.client, []string{markerKey(merchantID, entryID)}, runID).Err()
}

func (s *RedisStore) Clear(ctx context.Context, merchantID, entryID string, retention time.Duration) error {
	now := s.now()
	current, err := s.Get(ctx, merchantID, entryID)
	if errors.Is(err, model.ErrMarkerNotFound) {
		current = model.Marker{MerchantID: merchantID, EntryID: entryID}
	} else if err != nil {
		return err
	}

	tombstone := acknowledged(current, now)
	body, err := json.Marshal(tombstone)
	if err != nil {
		return err
	}

	key := markerKey(merchantID, entryID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "state", string(model.MarkerAcknowledged), "run_id", tombstone.RunID, "lease", "0", "body", string(body))
		pipe.PExpire(ctx, key, retention)
		pipe.ZRem(ctx, pendingKey, key)
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, merchantID, entryID string) (model.Marker, error) {
	return s.get(ctx, markerKey(merchantID, entryID))
}

func (s *RedisStore) get(ctx context.Context, key string) (model.Marker, error) {
	fields, err := s.client.HMGet(ctx, key, "body", "run_id", "lease").Result()
	if err != nil {
		return model.Marker{}, err
	}
	return decodeFields(fields[0], fields[1], fields[2])
}

func (s *RedisStore) ListSettled(ctx context.Context, olderThan time.Time, limit int) ([]model.Marker, error) {
	var count int64
	if limit > 0 {
		count = int64(limit)
	}
	keys, err := s.client.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, err
	}

	markers := make([]model.Marker, 0, len(keys))
	for _, key := range keys {
		m, err := s.get(ctx, key)
		if errors.Is(err, model.ErrMarkerNotFound) {
			// index entry outlived its marker
			s.client.ZRem(ctx, pendingKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.State == model.MarkerSettled {
			markers = append(markers, m)
		}
	}
	return markers, nil
}
