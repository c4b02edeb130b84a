package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every cached key has a generation counter bumped on invalidation. A reader
// that misses records the generation before reading the primary and only
// fills the cache if it is unchanged, so a slow reader can never put back a
// value older than the latest write.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentKey(inst.ID))
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, id, price, at); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentKey(id))
	return nil
}

func (s *CachedStore) SetInstrumentActive(ctx context.Context, id string, active bool, at time.Time) error {
	if err := s.primary.SetInstrumentActive(ctx, id, active, at); err != nil {
		return err
	}
	s.invalidate(ctx, instrumentKey(id))
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, b *Batch) ([]model.Event, error) {
	events, err := s.primary.Commit(ctx, b)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, u := range b.Users {
		keys = append(keys, userKey(u.ID))
	}
	for _, p := range b.Terminated {
		keys = append(keys, positionKey(p.ID))
	}
	if b.Volume != nil {
		keys = append(keys, instrumentKey(b.Volume.InstrumentID))
	}
	s.invalidate(ctx, keys...)
	return events, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	if s.lookup(ctx, instrumentKey(id), &inst) {
		return &inst, nil
	}

	gen := s.generation(ctx, instrumentKey(id))
	got, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, instrumentKey(id), gen, got)
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.lookup(ctx, userKey(id), &u) {
		return &u, nil
	}

	gen := s.generation(ctx, userKey(id))
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, userKey(id), gen, got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id int64) (*model.Position, error) {
	var p model.Position
	if s.lookup(ctx, positionKey(id), &p) {
		return &p, nil
	}

	gen := s.generation(ctx, positionKey(id))
	got, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, positionKey(id), gen, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) NextPositionID(ctx context.Context) (int64, error) {
	return s.primary.NextPositionID(ctx)
}

func (s *CachedStore) ListActivePositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListActivePositions(ctx, userID)
}

func (s *CachedStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, afterSeq, limit)
}

func (s *CachedStore) Treasury(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.Treasury(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// fillScript sets KEYS[1] only while the generation in KEYS[2] still
// equals ARGV[2].
var fillScript = `
local gen = redis.call('GET', KEYS[2]) or '0'
if gen == ARGV[2] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
end
return 0
`

func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func (s *CachedStore) fill(ctx context.Context, key, gen string, v any) {
	if s.ttl <= 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Eval(ctx, fillScript, []string{key, genKey(key)}, data, gen, s.ttl.Milliseconds()).Err(); err != nil {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
			pipe.PExpire(ctx, genKey(k), s.ttl+time.Hour)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Error("cache invalidation failed", "keys", keys, "err", err)
	}
}

func genKey(key string) string { return "gen:" + key }

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func userKey(id string) string       { return fmt.Sprintf("user:%s", id) }
func positionKey(id int64) string    { return fmt.Sprintf("position:%d", id) }
