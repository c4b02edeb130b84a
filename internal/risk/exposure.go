package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// ExposureLimiter enforces notional limits on a user's open positions.
//
// Instruments that share a base asset (BTC-USD, BTC-EUR, BTC-USD-PERP) move
// together, so their exposure is also capped in aggregate. A zero limit
// disables that check.
type ExposureLimiter struct {
	// MaxPerInstrument is the maximum open notional in any single instrument.
	MaxPerInstrument decimal.Decimal

	// MaxCorrelated is the maximum open notional summed over all instruments
	// with the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-instrument and
// correlated notional limits.
func NewExposureLimiter(maxPerInstrument, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxCorrelated:    maxCorrelated,
	}
}

// CheckLimit validates that adding notional to target keeps the user within
// limits. existing maps instrument id to the user's current open notional.
func (l *ExposureLimiter) CheckLimit(target string, notional decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	newInTarget := existing[target].Add(notional)
	if l.MaxPerInstrument.IsPositive() && newInTarget.GreaterThan(l.MaxPerInstrument) {
		return fmt.Errorf("%w: %s notional %s above %s",
			model.ErrExposureLimit, target, newInTarget, l.MaxPerInstrument)
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	base := BaseAsset(target)
	total := newInTarget
	for id, exposure := range existing {
		if id == target {
			continue // counted in newInTarget
		}
		if BaseAsset(id) == base {
			total = total.Add(exposure)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: %s correlated notional %s above %s",
			model.ErrExposureLimit, base, total, l.MaxCorrelated)
	}
	return nil
}

// Exposures sums the open notional of positions per instrument.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for i := range positions {
		p := &positions[i]
		if !p.Active() {
			continue
		}
		out[p.InstrumentID] = out[p.InstrumentID].Add(p.Size())
	}
	return out
}

// BaseAsset returns the leading component of an instrument id.
func BaseAsset(instrumentID string) string {
	base, _, _ := strings.Cut(instrumentID, "-")
	return base
}
