package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.CreateInstrument(ctx, &model.Instrument{
		ID: "BTC-USD", Name: "Bitcoin", CurrentPrice: decimal.NewFromInt(45000),
		MaxLeverage: 50, MaintenanceMarginBps: 500, Active: true, UpdatedAt: t0,
	}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	if err := ms.CreateUser(ctx, &model.User{
		ID: "alice", Level: 1, Balance: decimal.NewFromInt(10000), MaxLeverageAllowed: 10, CreatedAt: t0,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return ms
}

func openPosition(id int64) model.Position {
	return model.Position{
		ID: id, UserID: "alice", InstrumentID: "BTC-USD", Direction: model.Long,
		Leverage: 10, Collateral: decimal.NewFromInt(1000), EntryPrice: decimal.NewFromInt(45000),
		LiquidationPrice: decimal.NewFromInt(40725), Status: model.StatusOpen, CreatedAt: t0,
	}
}

func TestMemoryStore_DuplicateCreate(t *testing.T) {
	ms := seed(t)
	err := ms.CreateUser(context.Background(), &model.User{ID: "alice"})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("duplicate should classify as validation error, got %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	u, _ := ms.GetUser(ctx, "alice")
	u.Balance = decimal.Zero

	again, _ := ms.GetUser(ctx, "alice")
	if !again.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("mutating a returned user changed the store: balance %s", again.Balance)
	}
}

func TestMemoryStore_CommitBumpsVersion(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	u, _ := ms.GetUser(ctx, "alice")
	u.Balance = decimal.NewFromInt(9000)
	events, err := ms.Commit(ctx, &store.Batch{
		Users:  []model.User{*u},
		Opened: []model.Position{openPosition(1)},
		Events: []model.Event{{ID: "e1", Type: model.EventPositionOpened, UserID: "alice"}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Fatalf("expected one event with seq 1, got %+v", events)
	}

	got, _ := ms.GetUser(ctx, "alice")
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if !got.Balance.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("expected balance 9000, got %s", got.Balance)
	}
}

func TestMemoryStore_StaleVersionRollsBackWholeBatch(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	stale, _ := ms.GetUser(ctx, "alice")

	fresh := *stale
	fresh.Balance = decimal.NewFromInt(5000)
	if _, err := ms.Commit(ctx, &store.Batch{Users: []model.User{fresh}}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	stale.Balance = decimal.NewFromInt(1)
	_, err := ms.Commit(ctx, &store.Batch{
		Users:    []model.User{*stale},
		Opened:   []model.Position{openPosition(7)},
		Treasury: decimal.NewFromInt(3),
		Volume:   &store.VolumeDelta{InstrumentID: "BTC-USD", Day: t0, Amount: decimal.NewFromInt(10000)},
		Events:   []model.Event{{ID: "e1", Type: model.EventPositionOpened, UserID: "alice"}},
	})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "alice")
	if !u.Balance.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("balance changed by failed batch: %s", u.Balance)
	}
	if _, err := ms.GetPosition(ctx, 7); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("position written by failed batch: %v", err)
	}
	if tr, _ := ms.Treasury(ctx); !tr.IsZero() {
		t.Errorf("treasury changed by failed batch: %s", tr)
	}
	inst, _ := ms.GetInstrument(ctx, "BTC-USD")
	if !inst.DailyVolume.IsZero() {
		t.Errorf("volume changed by failed batch: %s", inst.DailyVolume)
	}
	if evs, _ := ms.ListEvents(ctx, 0, 0); len(evs) != 0 {
		t.Errorf("events appended by failed batch: %d", len(evs))
	}
}

func TestMemoryStore_TerminateRequiresOpen(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	if _, err := ms.Commit(ctx, &store.Batch{Opened: []model.Position{openPosition(1)}}); err != nil {
		t.Fatalf("open: %v", err)
	}

	closed := openPosition(1)
	closed.Status = model.StatusClosed
	if _, err := ms.Commit(ctx, &store.Batch{Terminated: []model.Position{closed}}); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := ms.Commit(ctx, &store.Batch{Terminated: []model.Position{closed}})
	if !errors.Is(err, model.ErrPositionNotActive) {
		t.Fatalf("expected ErrPositionNotActive on second close, got %v", err)
	}
	if !errors.Is(err, model.ErrState) {
		t.Errorf("expected a state error, got %v", err)
	}
}

func TestMemoryStore_ListActivePositions(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	var opened []model.Position
	for _, id := range []int64{3, 1, 2} {
		opened = append(opened, openPosition(id))
	}
	if _, err := ms.Commit(ctx, &store.Batch{Opened: opened}); err != nil {
		t.Fatalf("open: %v", err)
	}
	closed := openPosition(2)
	closed.Status = model.StatusLiquidated
	if _, err := ms.Commit(ctx, &store.Batch{Terminated: []model.Position{closed}}); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	active, err := ms.ListActivePositions(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != 1 || active[1].ID != 3 {
		t.Fatalf("expected positions [1 3], got %+v", active)
	}
	if others, _ := ms.ListActivePositions(ctx, "bob"); len(others) != 0 {
		t.Errorf("expected no positions for bob, got %d", len(others))
	}
}

func TestMemoryStore_VolumeRollsOverByDay(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	add := func(at time.Time, amount int64) {
		t.Helper()
		_, err := ms.Commit(ctx, &store.Batch{
			Volume: &store.VolumeDelta{InstrumentID: "BTC-USD", Day: at, Amount: decimal.NewFromInt(amount)},
		})
		if err != nil {
			t.Fatalf("add volume: %v", err)
		}
	}

	add(t0, 100)
	add(t0.Add(6*time.Hour), 50)
	inst, _ := ms.GetInstrument(ctx, "BTC-USD")
	if !inst.DailyVolume.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected same-day volume 150, got %s", inst.DailyVolume)
	}

	add(t0.Add(24*time.Hour), 70)
	inst, _ = ms.GetInstrument(ctx, "BTC-USD")
	if !inst.DailyVolume.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected volume to restart at 70 on a new day, got %s", inst.DailyVolume)
	}
	if !inst.VolumeDay.Equal(store.Day(t0.Add(24 * time.Hour))) {
		t.Errorf("unexpected volume day %s", inst.VolumeDay)
	}
}

func TestMemoryStore_ListEventsAfter(t *testing.T) {
	ms := seed(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ms.Commit(ctx, &store.Batch{
			Events: []model.Event{{Type: model.EventXPAwarded, UserID: "alice"}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	evs, _ := ms.ListEvents(ctx, 2, 2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("expected seqs [3 4], got %+v", evs)
	}
	if evs, _ := ms.ListEvents(ctx, 5, 10); len(evs) != 0 {
		t.Errorf("expected nothing after the last seq, got %d", len(evs))
	}
}

func TestMemoryStore_NextPositionIDIncreases(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 10; i++ {
		id, err := ms.NextPositionID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}
