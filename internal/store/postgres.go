package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const instrumentColumns = `id, name, current_price::TEXT, max_leverage, maintenance_margin_bps,
	active, daily_volume::TEXT, volume_day, updated_at`

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, name, current_price, max_leverage, maintenance_margin_bps,
		                          active, daily_volume, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.Name, inst.CurrentPrice.String(), inst.MaxLeverage, inst.MaintenanceMarginBps,
		inst.Active, inst.DailyVolume.String(), inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create instrument %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, notFound(err, "instrument "+id)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instrumentColumns+` FROM instruments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET current_price = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, price.String(), at,
	)
	if err != nil {
		return fmt.Errorf("update price %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetInstrumentActive(ctx context.Context, id string, active bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("set active %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, model.ErrNotFound)
	}
	return nil
}

const userColumns = `id, total_xp, level, streak_days, last_activity, achievement_mask,
	balance::TEXT, total_trades, profitable_trades, max_leverage_allowed, version, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, total_xp, level, streak_days, last_activity, achievement_mask, balance,
		                    total_trades, profitable_trades, max_leverage_allowed, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, clampInt64(u.TotalXP), clampInt64(u.Level), clampInt64(u.StreakDays), nullTime(u.LastActivity),
		int64(u.Achievements), u.Balance.String(), clampInt64(u.TotalTrades), clampInt64(u.ProfitableTrades),
		u.MaxLeverageAllowed, u.Version, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.ID, model.ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return u, nil
}

func (s *PostgresStore) NextPositionID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('position_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("next position id: %w", err)
	}
	return id, nil
}

const positionColumns = `id, user_id, instrument_id, direction, leverage, collateral::TEXT,
	entry_price::TEXT, liquidation_price::TEXT, status, exit_price::TEXT, realized_pnl::TEXT,
	closed_by, created_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id int64) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("position %d", id))
	}
	return p, nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND status = 'open' ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Commit applies the batch in one transaction. User rows are guarded by
// their version and terminated positions by status = 'open', so a
// concurrent writer on another instance makes the whole batch roll back.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) ([]model.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, u := range b.Users {
		tag, err := tx.Exec(ctx,
			`UPDATE users
			 SET total_xp = $2, level = $3, streak_days = $4, last_activity = $5, achievement_mask = $6,
			     balance = $7::NUMERIC, total_trades = $8, profitable_trades = $9,
			     max_leverage_allowed = $10, updated_at = $11, version = version + 1
			 WHERE id = $1 AND version = $12`,
			u.ID, clampInt64(u.TotalXP), clampInt64(u.Level), clampInt64(u.StreakDays), nullTime(u.LastActivity),
			int64(u.Achievements), u.Balance.String(), clampInt64(u.TotalTrades), clampInt64(u.ProfitableTrades),
			u.MaxLeverageAllowed, u.UpdatedAt, u.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("update user %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("user %s version %d: %w", u.ID, u.Version, model.ErrConflict)
		}
	}

	for _, p := range b.Opened {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (id, user_id, instrument_id, direction, leverage, collateral,
			                        entry_price, liquidation_price, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
			p.ID, p.UserID, p.InstrumentID, string(p.Direction), p.Leverage, p.Collateral.String(),
			p.EntryPrice.String(), p.LiquidationPrice.String(), string(p.Status), p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert position %d: %w", p.ID, err)
		}
	}

	for _, p := range b.Terminated {
		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET status = $2, exit_price = $3::NUMERIC, realized_pnl = $4::NUMERIC, closed_by = $5, updated_at = $6
			 WHERE id = $1 AND status = 'open'`,
			p.ID, string(p.Status), p.ExitPrice.String(), p.RealizedPnL.String(), p.ClosedBy, p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("terminate position %d: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("position %d: %w", p.ID, model.ErrPositionNotActive)
		}
	}

	if v := b.Volume; v != nil {
		_, err := tx.Exec(ctx,
			`UPDATE instruments
			 SET daily_volume = CASE WHEN volume_day = $3 THEN daily_volume + $2::NUMERIC ELSE $2::NUMERIC END,
			     volume_day = $3
			 WHERE id = $1`,
			v.InstrumentID, v.Amount.String(), Day(v.Day),
		)
		if err != nil {
			return nil, fmt.Errorf("add volume %s: %w", v.InstrumentID, err)
		}
	}

	if !b.Treasury.IsZero() {
		if _, err := tx.Exec(ctx,
			`UPDATE treasury SET balance = balance + $1::NUMERIC WHERE id`, b.Treasury.String()); err != nil {
			return nil, fmt.Errorf("credit treasury: %w", err)
		}
	}

	out, err := appendEvents(ctx, tx, b.Events)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// eventLockKey is the advisory lock that orders event appends.
const eventLockKey int64 = 0x706f736576 // "posev"

type txQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// appendEvents inserts events while holding a transaction-scoped advisory
// lock, released at commit or rollback. Event appends therefore commit in seq
// order and a reader paging by seq never skips a row that commits later.
func appendEvents(ctx context.Context, tx txQuerier, events []model.Event) ([]model.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventLockKey); err != nil {
		return nil, fmt.Errorf("lock event log: %w", err)
	}

	out := make([]model.Event, len(events))
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		var seq int64
		err = tx.QueryRow(ctx,
			`INSERT INTO events (id, type, user_id, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
			ev.ID, string(ev.Type), ev.UserID, payload, ev.Timestamp,
		).Scan(&seq)
		if err != nil {
			return nil, fmt.Errorf("append event %s: %w", ev.Type, err)
		}
		ev.Seq = uint64(seq)
		out[i] = ev
	}
	return out, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, payload FROM events WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		ev.Seq = uint64(seq)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Treasury(ctx context.Context) (decimal.Decimal, error) {
	var balance string
	if err := s.pool.QueryRow(ctx, `SELECT balance::TEXT FROM treasury WHERE id`).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("treasury: %w", err)
	}
	return decimal.NewFromString(balance)
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	var price, volume string
	var day *time.Time

	if err := row.Scan(&inst.ID, &inst.Name, &price, &inst.MaxLeverage, &inst.MaintenanceMarginBps,
		&inst.Active, &volume, &day, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.CurrentPrice, _ = decimal.NewFromString(price)
	inst.DailyVolume, _ = decimal.NewFromString(volume)
	if day != nil {
		inst.VolumeDay = Day(*day)
	}
	return &inst, nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var totalXP, level, streak, mask, trades, profitable int64
	var last *time.Time
	var balance string

	if err := row.Scan(&u.ID, &totalXP, &level, &streak, &last, &mask, &balance,
		&trades, &profitable, &u.MaxLeverageAllowed, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.TotalXP = uint64(totalXP)
	u.Level = uint64(level)
	u.StreakDays = uint64(streak)
	u.Achievements = model.AchievementSet(mask)
	u.TotalTrades = uint64(trades)
	u.ProfitableTrades = uint64(profitable)
	u.Balance, _ = decimal.NewFromString(balance)
	if last != nil {
		u.LastActivity = last.UTC()
	}
	return &u, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var direction, status string
	var collateral, entry, liq string
	var exit, pnl, closedBy *string

	if err := row.Scan(&p.ID, &p.UserID, &p.InstrumentID, &direction, &p.Leverage, &collateral,
		&entry, &liq, &status, &exit, &pnl, &closedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Direction = model.Direction(direction)
	p.Status = model.PositionStatus(status)
	p.Collateral, _ = decimal.NewFromString(collateral)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.LiquidationPrice, _ = decimal.NewFromString(liq)
	if exit != nil {
		p.ExitPrice, _ = decimal.NewFromString(*exit)
	}
	if pnl != nil {
		p.RealizedPnL, _ = decimal.NewFromString(*pnl)
	}
	if closedBy != nil {
		p.ClosedBy = *closedBy
	}
	return &p, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// clampInt64 stores counters in BIGINT columns without wrapping negative.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
