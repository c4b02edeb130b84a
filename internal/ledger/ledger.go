// Package ledger owns positions and user balances. Every mutating operation
// follows the same shape: lock the users involved, read everything it needs,
// compute the new records on copies, then hand one store.Batch to Commit.
// A failure at any step leaves no trace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/eventlog"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/progression"
	"github.com/atmx/position-engine/internal/registry"
	"github.com/atmx/position-engine/internal/risk"
	"github.com/atmx/position-engine/internal/store"
)

// MaxUserIDLength bounds user and liquidator ids.
const MaxUserIDLength = 64

// Config holds the economic parameters of the ledger.
type Config struct {
	StartingBalance      decimal.Decimal
	FeeRateBps           int64
	LiquidationRewardBps int64
	SystemMaxLeverage    int64
}

// DefaultConfig returns the standard fee, reward and leverage settings with
// no starting balance.
func DefaultConfig() Config {
	return Config{
		StartingBalance:      decimal.Zero,
		FeeRateBps:           risk.FeeRateBps,
		LiquidationRewardBps: risk.LiquidationRewardBps,
		SystemMaxLeverage:    risk.SystemMaxLeverage,
	}
}

// Ledger is the position state machine: open, close, liquidate.
type Ledger struct {
	store    store.Store
	registry *registry.Registry
	progress *progression.Engine
	limiter  *risk.ExposureLimiter
	events   *eventlog.Publisher
	cfg      Config
	locks    *userLocks
	paused   atomic.Bool
	now      func() time.Time
}

// New creates a ledger. limiter and events may be nil.
func New(st store.Store, reg *registry.Registry, limiter *risk.ExposureLimiter, events *eventlog.Publisher, cfg Config) *Ledger {
	if cfg.SystemMaxLeverage < 1 || cfg.SystemMaxLeverage > risk.SystemMaxLeverage {
		cfg.SystemMaxLeverage = risk.SystemMaxLeverage
	}
	return &Ledger{
		store:    st,
		registry: reg,
		progress: progression.NewEngine(cfg.SystemMaxLeverage),
		limiter:  limiter,
		events:   events,
		cfg:      cfg,
		locks:    newUserLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the ledger's time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// --- Users ---

// Register creates a level-1 user with the configured starting balance.
func (l *Ledger) Register(ctx context.Context, userID string) (*model.User, error) {
	if err := l.checkRunning(); err != nil {
		return nil, err
	}
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	now := l.now()
	u := &model.User{
		ID:                 userID,
		Level:              1,
		Balance:            l.cfg.StartingBalance,
		MaxLeverageAllowed: risk.MaxLeverageForLevel(1, l.cfg.SystemMaxLeverage),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := l.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user registered", "user_id", userID, "balance", u.Balance.String())
	return u, nil
}

// GetUser returns a user record.
func (l *Ledger) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return l.store.GetUser(ctx, userID)
}

// --- Positions ---

// OpenRequest is the input to Open.
type OpenRequest struct {
	UserID       string
	InstrumentID string
	IsLong       bool
	Leverage     int64
	Collateral   decimal.Decimal
}

// Open locks collateral from the user's balance into a new position at the
// instrument's current price.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (pos *model.Position, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("open", start, category(err)) }()

	if err := l.checkRunning(); err != nil {
		return nil, err
	}
	if err := risk.ValidateAmount(req.Collateral); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(req.UserID)
	defer unlock()

	// Read.
	user, err := l.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	inst, err := l.registry.Get(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}

	// Compute.
	if err := risk.ValidateLeverage(user.MaxLeverageAllowed, inst.MaxLeverage, l.cfg.SystemMaxLeverage, req.Leverage); err != nil {
		return nil, err
	}
	if user.Balance.LessThan(req.Collateral) {
		return nil, fmt.Errorf("%w: balance %s, collateral %s",
			model.ErrInsufficientBalance, user.Balance, req.Collateral)
	}

	entry := inst.CurrentPrice
	liq, err := risk.LiquidationPrice(entry, req.IsLong, req.Leverage, inst.MaintenanceMarginBps)
	if err != nil {
		return nil, err
	}
	notional, err := risk.Mul(req.Collateral, decimal.NewFromInt(req.Leverage))
	if err != nil {
		return nil, err
	}

	if l.limiter != nil {
		active, err := l.store.ListActivePositions(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if err := l.limiter.CheckLimit(req.InstrumentID, notional, risk.Exposures(active)); err != nil {
			metrics.ExposureLimitRejections.Inc()
			return nil, err
		}
	}

	id, err := l.store.NextPositionID(ctx)
	if err != nil {
		return nil, err
	}

	now := l.now()
	u := *user
	u.Balance = u.Balance.Sub(req.Collateral)
	u.TotalTrades++
	award := l.progress.Award(&u, model.ActivityOpen, now)
	u.UpdatedAt = now

	pos = &model.Position{
		ID:               id,
		UserID:           req.UserID,
		InstrumentID:     req.InstrumentID,
		Direction:        model.DirectionOf(req.IsLong),
		Leverage:         req.Leverage,
		Collateral:       req.Collateral,
		EntryPrice:       entry,
		LiquidationPrice: liq,
		Status:           model.StatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	opened := l.event(model.EventPositionOpened, pos, now)
	opened.Collateral = model.Dec(pos.Collateral)
	opened.EntryPrice = model.Dec(entry)
	opened.LiquidationPrice = model.Dec(liq)
	opened.Balance = model.Dec(u.Balance)
	opened.XP = award.XP
	opened.TotalXP = award.TotalXP

	// Write.
	committed, err := l.commit(ctx, &store.Batch{
		Users:  []model.User{u},
		Opened: []model.Position{*pos},
		Volume: &store.VolumeDelta{InstrumentID: inst.ID, Day: now, Amount: notional},
		Events: append([]model.Event{opened}, progressEvents(u.ID, award, now)...),
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Direction)).Inc()
	observeAward(award)
	slog.Info("position opened",
		"position_id", pos.ID,
		"user_id", pos.UserID,
		"instrument", pos.InstrumentID,
		"direction", string(pos.Direction),
		"leverage", pos.Leverage,
		"collateral", pos.Collateral.String(),
		"entry_price", entry.String(),
		"liquidation_price", liq.String(),
		"xp", award.XP,
		"seq", committed[0].Seq,
	)
	return pos, nil
}

// CloseResult is the outcome of Close.
type CloseResult struct {
	Position model.Position  `json:"position"`
	NetPnL   decimal.Decimal `json:"net_pnl"` // signed, after fee
	IsProfit bool            `json:"is_profit"`
	Fee      decimal.Decimal `json:"fee"`
	Payout   decimal.Decimal `json:"payout"`
	Balance  decimal.Decimal `json:"balance"`
	XP       uint64          `json:"xp_awarded"`
}

// Close settles a position at the current price and returns collateral plus
// net PnL to its owner.
func (l *Ledger) Close(ctx context.Context, userID string, positionID int64) (res *CloseResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("close", start, category(err)) }()

	if err := l.checkRunning(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	// Read.
	p, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: position %d is not owned by %s", model.ErrOwnership, positionID, userID)
	}
	if !p.Active() {
		return nil, fmt.Errorf("%w: position %d is %s", model.ErrPositionNotActive, positionID, p.Status)
	}
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	exit, err := l.registry.Price(ctx, p.InstrumentID)
	if err != nil {
		return nil, err
	}

	// Compute.
	s, err := risk.Settle(p, exit, l.cfg.FeeRateBps)
	if err != nil {
		return nil, err
	}
	notional, err := risk.Mul(p.Collateral, decimal.NewFromInt(p.Leverage))
	if err != nil {
		return nil, err
	}

	now := l.now()
	u := *user
	if u.Balance, err = risk.Add(u.Balance, s.Payout); err != nil {
		return nil, err
	}
	activity := model.ActivityClose
	if s.IsProfit() {
		u.ProfitableTrades++
		activity = model.ActivityProfit
	}
	award := l.progress.Award(&u, activity, now)
	u.UpdatedAt = now

	closed := *p
	closed.Status = model.StatusClosed
	closed.ExitPrice = exit
	closed.RealizedPnL = s.NetPnL
	closed.ClosedBy = userID
	closed.UpdatedAt = now

	ev := l.event(model.EventPositionClosed, &closed, now)
	ev.Collateral = model.Dec(p.Collateral)
	ev.EntryPrice = model.Dec(p.EntryPrice)
	ev.ExitPrice = model.Dec(exit)
	ev.PnL = model.Dec(s.NetMagnitude())
	ev.IsProfit = s.IsProfit()
	ev.Fee = model.Dec(s.FeeCharged)
	ev.Balance = model.Dec(u.Balance)
	ev.XP = award.XP
	ev.TotalXP = award.TotalXP

	// Write.
	if _, err := l.commit(ctx, &store.Batch{
		Users:      []model.User{u},
		Terminated: []model.Position{closed},
		Volume:     &store.VolumeDelta{InstrumentID: p.InstrumentID, Day: now, Amount: notional},
		Treasury:   s.FeeCharged,
		Events:     append([]model.Event{ev}, progressEvents(u.ID, award, now)...),
	}); err != nil {
		return nil, err
	}

	outcome := "loss"
	if s.IsProfit() {
		outcome = "profit"
	}
	metrics.PositionsClosed.WithLabelValues(outcome).Inc()
	observeAward(award)
	slog.Info("position closed",
		"position_id", p.ID,
		"user_id", userID,
		"exit_price", exit.String(),
		"net_pnl", s.NetPnL.String(),
		"fee", s.FeeCharged.String(),
		"is_profit", s.IsProfit(),
	)

	return &CloseResult{
		Position: closed,
		NetPnL:   s.NetPnL,
		IsProfit: s.IsProfit(),
		Fee:      s.FeeCharged,
		Payout:   s.Payout,
		Balance:  u.Balance,
		XP:       award.XP,
	}, nil
}

// ListActive returns a user's open positions in id order.
func (l *Ledger) ListActive(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	positions, err := l.store.ListActivePositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// PositionView is an open position marked to the current price.
type PositionView struct {
	model.Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // signed, before fee
	Liquidatable  bool            `json:"liquidatable"`
}

// Portfolio summarizes a user's balance and open positions.
type Portfolio struct {
	UserID          string                     `json:"user_id"`
	Balance         decimal.Decimal            `json:"balance"`
	Positions       []PositionView             `json:"positions"`
	TotalCollateral decimal.Decimal            `json:"total_collateral"`
	TotalPnL        decimal.Decimal            `json:"total_unrealized_pnl"`
	TotalExposure   decimal.Decimal            `json:"total_exposure"`
	ExposureByAsset map[string]decimal.Decimal `json:"exposure_by_asset"`
}

// Portfolio marks every open position of a user to market.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := l.store.ListActivePositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	pf := &Portfolio{
		UserID:          userID,
		Balance:         user.Balance,
		Positions:       make([]PositionView, 0, len(positions)),
		ExposureByAsset: make(map[string]decimal.Decimal),
	}
	prices := make(map[string]decimal.Decimal)
	for i := range positions {
		p := &positions[i]
		price, ok := prices[p.InstrumentID]
		if !ok {
			if price, err = l.registry.Price(ctx, p.InstrumentID); err != nil {
				return nil, err
			}
			prices[p.InstrumentID] = price
		}
		pnl, profit, err := risk.PnL(p, price)
		if err != nil {
			return nil, err
		}
		if !profit {
			pnl = pnl.Neg()
		}

		pf.Positions = append(pf.Positions, PositionView{
			Position:      *p,
			CurrentPrice:  price,
			UnrealizedPnL: pnl,
			Liquidatable:  risk.IsLiquidatable(p, price),
		})
		pf.TotalCollateral = pf.TotalCollateral.Add(p.Collateral)
		pf.TotalPnL = pf.TotalPnL.Add(pnl)
		pf.TotalExposure = pf.TotalExposure.Add(p.Size())
		asset := risk.BaseAsset(p.InstrumentID)
		pf.ExposureByAsset[asset] = pf.ExposureByAsset[asset].Add(p.Size())
	}
	return pf, nil
}

// GetPosition returns a position, open or historical.
func (l *Ledger) GetPosition(ctx context.Context, positionID int64) (*model.Position, error) {
	return l.store.GetPosition(ctx, positionID)
}

// LiquidationResult is the outcome of Liquidate.
type LiquidationResult struct {
	Position   model.Position  `json:"position"`
	Reward     decimal.Decimal `json:"reward"`
	Treasury   decimal.Decimal `json:"treasury_share"`
	Liquidator string          `json:"liquidator"`
}

// Liquidate force-closes a position whose liquidation price has been
// crossed. The liquidator receives LiquidationRewardBps of the collateral;
// the rest goes to the treasury and the owner gets nothing back.
func (l *Ledger) Liquidate(ctx context.Context, positionID int64, liquidator string) (res *LiquidationResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("liquidate", start, category(err)) }()

	if err := l.checkRunning(); err != nil {
		return nil, err
	}
	if err := validateUserID(liquidator); err != nil {
		return nil, err
	}

	// The owner is needed to pick the locks; re-read under them.
	p, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(p.UserID, liquidator)
	defer unlock()

	if p, err = l.store.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, fmt.Errorf("%w: position %d is %s", model.ErrPositionNotActive, positionID, p.Status)
	}
	price, err := l.registry.Price(ctx, p.InstrumentID)
	if err != nil {
		return nil, err
	}
	if !risk.IsLiquidatable(p, price) {
		return nil, fmt.Errorf("%w: position %d at %s, liquidation price %s",
			model.ErrNotLiquidatable, positionID, price, p.LiquidationPrice)
	}
	keeper, err := l.store.GetUser(ctx, liquidator)
	if err != nil {
		return nil, err
	}

	reward, err := risk.BpsOf(p.Collateral, l.cfg.LiquidationRewardBps)
	if err != nil {
		return nil, err
	}
	remainder, err := risk.Sub(p.Collateral, reward)
	if err != nil {
		return nil, err
	}

	now := l.now()
	k := *keeper
	if k.Balance, err = risk.Add(k.Balance, reward); err != nil {
		return nil, err
	}
	k.UpdatedAt = now

	liquidated := *p
	liquidated.Status = model.StatusLiquidated
	liquidated.ExitPrice = price
	liquidated.RealizedPnL = p.Collateral.Neg()
	liquidated.ClosedBy = liquidator
	liquidated.UpdatedAt = now

	ev := l.event(model.EventPositionLiquidated, &liquidated, now)
	ev.Collateral = model.Dec(p.Collateral)
	ev.EntryPrice = model.Dec(p.EntryPrice)
	ev.LiquidationPrice = model.Dec(p.LiquidationPrice)
	ev.ExitPrice = model.Dec(price)
	ev.PnL = model.Dec(p.Collateral)
	ev.Liquidator = liquidator
	ev.Reward = model.Dec(reward)
	ev.Balance = model.Dec(k.Balance)

	if _, err := l.commit(ctx, &store.Batch{
		Users:      []model.User{k},
		Terminated: []model.Position{liquidated},
		Treasury:   remainder,
		Events:     []model.Event{ev},
	}); err != nil {
		return nil, err
	}

	metrics.Liquidations.Inc()
	slog.Info("position liquidated",
		"position_id", p.ID,
		"user_id", p.UserID,
		"liquidator", liquidator,
		"price", price.String(),
		"reward", reward.String(),
	)

	return &LiquidationResult{
		Position:   liquidated,
		Reward:     reward,
		Treasury:   remainder,
		Liquidator: liquidator,
	}, nil
}

// --- Progression ---

// RecordActivity awards XP for an activity that is not a trade. Only LIVE
// is accepted; trade activities are awarded by Open and Close.
func (l *Ledger) RecordActivity(ctx context.Context, userID string, activity model.Activity) (award progression.Award, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("activity", start, category(err)) }()

	if err := l.checkRunning(); err != nil {
		return progression.Award{}, err
	}
	parsed, ok := model.ParseActivity(string(activity))
	if !ok {
		return progression.Award{}, fmt.Errorf("%w: unknown activity %q", model.ErrValidation, activity)
	}
	if parsed != model.ActivityLive {
		return progression.Award{}, fmt.Errorf("%w: %s is awarded by trading", model.ErrValidation, parsed)
	}
	activity = parsed

	unlock := l.locks.Lock(userID)
	defer unlock()

	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return progression.Award{}, err
	}

	now := l.now()
	u := *user
	award = l.progress.Award(&u, activity, now)
	u.UpdatedAt = now

	if _, err := l.commit(ctx, &store.Batch{
		Users:  []model.User{u},
		Events: progressEvents(u.ID, award, now),
	}); err != nil {
		return progression.Award{}, err
	}

	observeAward(award)
	slog.Info("activity recorded", "user_id", userID, "activity", string(activity), "xp", award.XP)
	return award, nil
}

// --- Administration ---

// Pause blocks every mutating operation until Unpause. Reads keep working.
func (l *Ledger) Pause(caller string) error {
	if err := l.registry.Authorize(caller); err != nil {
		return err
	}
	if l.paused.CompareAndSwap(false, true) {
		slog.Warn("ledger paused", "operator", caller)
	}
	return nil
}

// Unpause resumes mutating operations.
func (l *Ledger) Unpause(caller string) error {
	if err := l.registry.Authorize(caller); err != nil {
		return err
	}
	if l.paused.CompareAndSwap(true, false) {
		slog.Warn("ledger unpaused", "operator", caller)
	}
	return nil
}

// Paused reports whether mutating operations are blocked.
func (l *Ledger) Paused() bool {
	return l.paused.Load()
}

// Treasury returns the accumulated fees and liquidation remainders.
func (l *Ledger) Treasury(ctx context.Context, caller string) (decimal.Decimal, error) {
	if err := l.registry.Authorize(caller); err != nil {
		return decimal.Zero, err
	}
	return l.store.Treasury(ctx)
}

// Events returns committed events after the given sequence number.
func (l *Ledger) Events(ctx context.Context, afterSeq uint64, limit int) ([]model.Event, error) {
	return l.store.ListEvents(ctx, afterSeq, limit)
}

// --- helpers ---

func (l *Ledger) checkRunning() error {
	if l.paused.Load() {
		return model.ErrPaused
	}
	return nil
}

func (l *Ledger) commit(ctx context.Context, b *store.Batch) ([]model.Event, error) {
	committed, err := l.store.Commit(ctx, b)
	if err != nil {
		return nil, err
	}
	l.events.Publish(ctx, committed)
	return committed, nil
}

func (l *Ledger) event(t model.EventType, p *model.Position, now time.Time) model.Event {
	return model.Event{
		ID:           uuid.NewString(),
		Type:         t,
		UserID:       p.UserID,
		PositionID:   p.ID,
		InstrumentID: p.InstrumentID,
		Timestamp:    now,
		Direction:    p.Direction,
		Leverage:     p.Leverage,
	}
}

// progressEvents expands an award into XPAwarded, LevelUp and one
// AchievementUnlocked per grant, in that order.
func progressEvents(userID string, a progression.Award, now time.Time) []model.Event {
	base := model.Event{UserID: userID, Timestamp: now}

	xp := base
	xp.ID = uuid.NewString()
	xp.Type = model.EventXPAwarded
	xp.Activity = a.Activity
	xp.XP = a.XP
	xp.TotalXP = a.TotalXP - a.AchievementXP()
	xp.Streak = a.Streak
	out := []model.Event{xp}

	if a.LeveledUp() {
		lvl := base
		lvl.ID = uuid.NewString()
		lvl.Type = model.EventLevelUp
		lvl.Level = a.Level
		lvl.MaxLeverage = a.MaxLeverage
		out = append(out, lvl)
	}

	running := xp.TotalXP
	for _, un := range a.Unlocked {
		running += un.Reward
		ach := base
		ach.ID = uuid.NewString()
		ach.Type = model.EventAchievementUnlocked
		ach.Achievement = un.Achievement.String()
		ach.XP = un.Reward
		ach.TotalXP = running
		out = append(out, ach)
	}
	return out
}

func observeAward(a progression.Award) {
	metrics.XPAwarded.WithLabelValues(string(a.Activity)).Add(float64(a.XP + a.AchievementXP()))
	if a.LeveledUp() {
		metrics.LevelUps.Inc()
	}
	for _, un := range a.Unlocked {
		metrics.AchievementsUnlocked.WithLabelValues(un.Achievement.String()).Inc()
	}
}

func validateUserID(id string) error {
	if id == "" || len(id) > MaxUserIDLength {
		return fmt.Errorf("%w: user id must be 1..%d bytes", model.ErrValidation, MaxUserIDLength)
	}
	return nil
}

// category names the error class for metrics labels.
func category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrOwnership):
		return "ownership"
	case errors.Is(err, model.ErrState):
		return "state"
	case errors.Is(err, model.ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, model.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, model.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, model.ErrPaused):
		return "paused"
	default:
		return "internal"
	}
}
