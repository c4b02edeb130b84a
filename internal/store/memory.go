package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	users       map[string]*model.User
	positions   map[int64]*model.Position
	events      []model.Event
	treasury    decimal.Decimal
	lastID      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		users:       make(map[string]*model.User),
		positions:   make(map[int64]*model.Position),
	}
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	copy := *inst
	s.instruments[inst.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, id string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	inst.CurrentPrice = price
	inst.UpdatedAt = at
	return nil
}

func (s *MemoryStore) SetInstrumentActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	inst.Active = active
	inst.UpdatedAt = at
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrAlreadyExists)
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) NextPositionID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	return s.lastID, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id int64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Active() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Commit validates the whole batch before touching any state, so a failed
// batch leaves the store exactly as it was.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range b.Users {
		stored, ok := s.users[u.ID]
		if !ok {
			return nil, fmt.Errorf("user %s: %w", u.ID, model.ErrNotFound)
		}
		if stored.Version != u.Version {
			return nil, fmt.Errorf("user %s at version %d, have %d: %w",
				u.ID, stored.Version, u.Version, model.ErrConflict)
		}
	}
	for _, p := range b.Opened {
		if _, ok := s.positions[p.ID]; ok {
			return nil, fmt.Errorf("position %d: %w", p.ID, model.ErrAlreadyExists)
		}
	}
	for _, p := range b.Terminated {
		stored, ok := s.positions[p.ID]
		if !ok {
			return nil, fmt.Errorf("position %d: %w", p.ID, model.ErrNotFound)
		}
		if !stored.Active() {
			return nil, fmt.Errorf("position %d is %s: %w", p.ID, stored.Status, model.ErrPositionNotActive)
		}
	}
	var inst *model.Instrument
	if b.Volume != nil {
		var ok bool
		if inst, ok = s.instruments[b.Volume.InstrumentID]; !ok {
			return nil, fmt.Errorf("instrument %s: %w", b.Volume.InstrumentID, model.ErrNotFound)
		}
	}

	// Everything checked; apply.
	for _, u := range b.Users {
		copy := u
		copy.Version++
		s.users[u.ID] = &copy
	}
	for _, p := range b.Opened {
		copy := p
		s.positions[p.ID] = &copy
	}
	for _, p := range b.Terminated {
		copy := p
		s.positions[p.ID] = &copy
	}
	if inst != nil {
		day := Day(b.Volume.Day)
		if !inst.VolumeDay.Equal(day) {
			inst.DailyVolume = decimal.Zero
			inst.VolumeDay = day
		}
		inst.DailyVolume = inst.DailyVolume.Add(b.Volume.Amount)
	}
	s.treasury = s.treasury.Add(b.Treasury)

	out := make([]model.Event, len(b.Events))
	for i, ev := range b.Events {
		ev.Seq = uint64(len(s.events)) + 1
		s.events = append(s.events, ev)
		out[i] = ev
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, afterSeq uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if afterSeq >= uint64(len(s.events)) {
		return []model.Event{}, nil
	}
	// Seq n lives at index n-1.
	rest := s.events[afterSeq:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]model.Event, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *MemoryStore) Treasury(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.treasury, nil
}
