// Package registry is the catalogue of tradable instruments. It owns
// instrument metadata and accepts price updates from authorized operators;
// the ledger reads instruments and prices through it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/risk"
	"github.com/atmx/position-engine/internal/store"
)

// Spec describes an instrument to list.
type Spec struct {
	ID                   string          `json:"id" yaml:"id"`
	Name                 string          `json:"name" yaml:"name"`
	Price                decimal.Decimal `json:"price" yaml:"price"`
	MaxLeverage          int64           `json:"max_leverage" yaml:"max_leverage"`
	MaintenanceMarginBps int64           `json:"maintenance_margin_bps" yaml:"maintenance_margin_bps"`
}

// Registry validates and stores instruments. Mutations require an operator.
type Registry struct {
	store     store.Store
	operators map[string]bool
	now       func() time.Time
}

// New creates a registry over st. operators lists the caller ids allowed to
// add instruments, set prices and toggle trading.
func New(st store.Store, operators []string) *Registry {
	ops := make(map[string]bool, len(operators))
	for _, op := range operators {
		if op != "" {
			ops[op] = true
		}
	}
	return &Registry{
		store:     st,
		operators: ops,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authorize fails with ErrUnauthorized unless caller is an operator.
func (r *Registry) Authorize(caller string) error {
	if !r.operators[caller] {
		return fmt.Errorf("%w: %q is not an operator", model.ErrUnauthorized, caller)
	}
	return nil
}

// Get returns an instrument that is open for new positions.
func (r *Registry) Get(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentInactive, id)
	}
	return inst, nil
}

// Lookup returns an instrument whether or not it is active. Existing
// positions can still be closed or liquidated on a halted instrument.
func (r *Registry) Lookup(ctx context.Context, id string) (*model.Instrument, error) {
	return r.store.GetInstrument(ctx, id)
}

// Price returns the current price of an instrument.
func (r *Registry) Price(ctx context.Context, id string) (decimal.Decimal, error) {
	inst, err := r.Lookup(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return inst.CurrentPrice, nil
}

// List returns all instruments ordered by id.
func (r *Registry) List(ctx context.Context) ([]model.Instrument, error) {
	return r.store.ListInstruments(ctx)
}

// Add lists a new active instrument.
func (r *Registry) Add(ctx context.Context, caller string, spec Spec) (*model.Instrument, error) {
	if err := r.Authorize(caller); err != nil {
		return nil, err
	}
	inst, err := r.build(spec)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateInstrument(ctx, inst); err != nil {
		return nil, err
	}

	slog.Info("instrument added",
		"id", inst.ID,
		"price", inst.CurrentPrice.String(),
		"max_leverage", inst.MaxLeverage,
		"maintenance_margin_bps", inst.MaintenanceMarginBps,
		"operator", caller,
	)
	return inst, nil
}

// SetPrice records a new price for an instrument.
func (r *Registry) SetPrice(ctx context.Context, caller, id string, price decimal.Decimal) error {
	if err := r.Authorize(caller); err != nil {
		return err
	}
	if err := risk.ValidateAmount(price); err != nil {
		return err
	}
	if err := r.store.UpdateInstrumentPrice(ctx, id, price, r.now()); err != nil {
		return err
	}
	slog.Debug("price updated", "instrument", id, "price", price.String())
	return nil
}

// SetActive opens or halts an instrument for new positions.
func (r *Registry) SetActive(ctx context.Context, caller, id string, active bool) error {
	if err := r.Authorize(caller); err != nil {
		return err
	}
	if err := r.store.SetInstrumentActive(ctx, id, active, r.now()); err != nil {
		return err
	}
	slog.Info("instrument trading toggled", "instrument", id, "active", active, "operator", caller)
	return nil
}

// Bootstrap lists the configured instruments at start-up. Instruments that
// already exist are left untouched so restarts keep live prices.
func (r *Registry) Bootstrap(ctx context.Context, specs []Spec) error {
	for _, spec := range specs {
		inst, err := r.build(spec)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", spec.ID, err)
		}
		err = r.store.CreateInstrument(ctx, inst)
		if errors.Is(err, model.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", spec.ID, err)
		}
		slog.Info("instrument bootstrapped", "id", inst.ID, "price", inst.CurrentPrice.String())
	}
	return nil
}

func (r *Registry) build(spec Spec) (*model.Instrument, error) {
	if _, err := ParseSymbol(spec.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInstrument, err)
	}
	if err := risk.ValidateAmount(spec.Price); err != nil {
		return nil, err
	}
	if spec.MaxLeverage < 1 || spec.MaxLeverage > risk.SystemMaxLeverage {
		return nil, fmt.Errorf("%w: max leverage %d outside 1..%d",
			model.ErrInvalidLeverage, spec.MaxLeverage, risk.SystemMaxLeverage)
	}
	if spec.MaintenanceMarginBps < 0 || spec.MaintenanceMarginBps >= risk.BpsDenominator {
		return nil, fmt.Errorf("%w: maintenance margin %d bps outside 0..%d",
			model.ErrInvalidInstrument, spec.MaintenanceMarginBps, risk.BpsDenominator-1)
	}

	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &model.Instrument{
		ID:                   spec.ID,
		Name:                 name,
		CurrentPrice:         spec.Price,
		MaxLeverage:          spec.MaxLeverage,
		MaintenanceMarginBps: spec.MaintenanceMarginBps,
		Active:               true,
		UpdatedAt:            r.now(),
	}, nil
}
