// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Reads return copies. All trade state changes go through Commit, which
// applies a Batch entirely or not at all.
type Store interface {
	// --- Instruments ---

	// CreateInstrument persists a new instrument.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by id.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns all instruments ordered by id.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentPrice sets the current price.
	UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error

	// SetInstrumentActive enables or disables trading.
	SetInstrumentActive(ctx context.Context, id string, active bool, at time.Time) error

	// --- Users ---

	// CreateUser persists a newly registered user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Positions ---

	// NextPositionID allocates a fresh, strictly increasing position id.
	// Ids of batches that fail to commit are not reused.
	NextPositionID(ctx context.Context) (int64, error)

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id int64) (*model.Position, error)

	// ListActivePositions returns a user's open positions in id order.
	ListActivePositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Atomic writes and the event log ---

	// Commit applies a batch atomically and returns its events with
	// sequence numbers assigned.
	Commit(ctx context.Context, b *Batch) ([]model.Event, error)

	// ListEvents returns committed events with Seq > afterSeq in order.
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]model.Event, error)

	// Treasury returns the accumulated fees and liquidation remainders.
	Treasury(ctx context.Context) (decimal.Decimal, error)
}

// Batch is one indivisible unit of ledger writes.
type Batch struct {
	// Users are full records to write. Each must carry the Version it was
	// read at; the store bumps it, and fails with model.ErrConflict if the
	// stored version moved in the meantime.
	Users []model.User

	// Opened positions are inserted.
	Opened []model.Position

	// Terminated positions move from open to closed or liquidated. The
	// stored row must still be open.
	Terminated []model.Position

	// Volume, when set, is added to an instrument's rolling daily volume.
	Volume *VolumeDelta

	// Treasury is added to the treasury balance.
	Treasury decimal.Decimal

	// Events are appended to the event log in order.
	Events []model.Event
}

// VolumeDelta adds traded notional to an instrument's daily volume. The
// volume restarts from zero when Day differs from the stored day.
type VolumeDelta struct {
	InstrumentID string
	Day          time.Time
	Amount       decimal.Decimal
}

// DefaultEventLimit caps ListEvents when the caller passes limit <= 0.
const DefaultEventLimit = 500

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
