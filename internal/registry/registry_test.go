package registry_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/registry"
	"github.com/atmx/position-engine/internal/store"
)

const operator = "ops"

func btc() registry.Spec {
	return registry.Spec{
		ID:                   "BTC-USD",
		Name:                 "Bitcoin",
		Price:                decimal.NewFromInt(45000),
		MaxLeverage:          50,
		MaintenanceMarginBps: 500,
	}
}

func newRegistry(t *testing.T) (*registry.Registry, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return registry.New(ms, []string{operator}), ms
}

func TestAdd(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	inst, err := reg.Add(ctx, operator, btc())
	require.NoError(t, err)
	assert.True(t, inst.Active)

	got, err := reg.Get(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin", got.Name)
	assert.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(45000)))
}

func TestAdd_RequiresOperator(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Add(context.Background(), "mallory", btc())
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestAdd_Validation(t *testing.T) {
	tests := map[string]func(*registry.Spec){
		"bad symbol":        func(s *registry.Spec) { s.ID = "bitcoin" },
		"zero price":        func(s *registry.Spec) { s.Price = decimal.Zero },
		"fractional price":  func(s *registry.Spec) { s.Price = decimal.RequireFromString("1.5") },
		"zero leverage":     func(s *registry.Spec) { s.MaxLeverage = 0 },
		"leverage too high": func(s *registry.Spec) { s.MaxLeverage = 101 },
		"negative margin":   func(s *registry.Spec) { s.MaintenanceMarginBps = -1 },
		"full margin":       func(s *registry.Spec) { s.MaintenanceMarginBps = 10000 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			reg, _ := newRegistry(t)
			spec := btc()
			mutate(&spec)
			_, err := reg.Add(context.Background(), operator, spec)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestAdd_Duplicate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, err := reg.Add(ctx, operator, btc())
	require.NoError(t, err)

	_, err = reg.Add(ctx, operator, btc())
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestGet_NotFound(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Get(context.Background(), "DOGE-USD")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetActive_GetRejectsLookupAllows(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, err := reg.Add(ctx, operator, btc())
	require.NoError(t, err)

	require.NoError(t, reg.SetActive(ctx, operator, "BTC-USD", false))

	_, err = reg.Get(ctx, "BTC-USD")
	assert.ErrorIs(t, err, model.ErrInstrumentInactive)

	inst, err := reg.Lookup(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.False(t, inst.Active)
}

func TestSetPrice(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, err := reg.Add(ctx, operator, btc())
	require.NoError(t, err)

	require.NoError(t, reg.SetPrice(ctx, operator, "BTC-USD", decimal.NewFromInt(46000)))
	price, err := reg.Price(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(46000)))

	assert.ErrorIs(t, reg.SetPrice(ctx, "mallory", "BTC-USD", decimal.NewFromInt(1)), model.ErrUnauthorized)
	assert.ErrorIs(t, reg.SetPrice(ctx, operator, "BTC-USD", decimal.Zero), model.ErrInvalidAmount)
	assert.ErrorIs(t, reg.SetPrice(ctx, operator, "ETH-USD", decimal.NewFromInt(1)), model.ErrNotFound)

	price, _ = reg.Price(ctx, "BTC-USD")
	assert.True(t, price.Equal(decimal.NewFromInt(46000)), "rejected updates must not change the price")
}

func TestBootstrap_Idempotent(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	specs := []registry.Spec{btc(), {ID: "ETH-USD", Price: decimal.NewFromInt(3000), MaxLeverage: 20}}

	require.NoError(t, reg.Bootstrap(ctx, specs))
	require.NoError(t, reg.SetPrice(ctx, operator, "BTC-USD", decimal.NewFromInt(47000)))
	require.NoError(t, reg.Bootstrap(ctx, specs))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ETH-USD", list[1].Name, "name defaults to the id")
	assert.True(t, list[0].CurrentPrice.Equal(decimal.NewFromInt(47000)), "restart keeps live price")
}

func TestBootstrap_RejectsInvalid(t *testing.T) {
	reg, _ := newRegistry(t)
	err := reg.Bootstrap(context.Background(), []registry.Spec{{ID: "nope", Price: decimal.NewFromInt(1), MaxLeverage: 1}})
	assert.ErrorIs(t, err, model.ErrInvalidInstrument)
}
