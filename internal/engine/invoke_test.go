package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"algo-trader-go/internal/types"
	"algo-trader-go/strategy"
)

func TestInvokeReturnsIntents(t *testing.T) {
	fn := func(c types.Candle, st strategy.State) ([]types.Intent, error) {
		return []types.Intent{{Symbol: c.Symbol, Side: types.SideSell, Quantity: decimal.NewFromInt(2)}}, nil
	}
	out, err := invoke(time.Second, fn, types.Candle{Symbol: "INFY"}, strategy.State{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.SideSell, out[0].Side)
}

func TestInvokePassesStrategyError(t *testing.T) {
	want := errors.New("bad config")
	fn := func(types.Candle, strategy.State) ([]types.Intent, error) { return nil, want }
	_, err := invoke(0, fn, types.Candle{}, strategy.State{})
	assert.ErrorIs(t, err, want)
}

func TestInvokeRecoversPanic(t *testing.T) {
	fn := func(types.Candle, strategy.State) ([]types.Intent, error) {
		var m map[string]int
		m["x"]++
		return nil, nil
	}
	_, err := invoke(time.Second, fn, types.Candle{}, strategy.State{})
	assert.ErrorIs(t, err, ErrStrategyPanic)
}

func TestInvokeTimesOut(t *testing.T) {
	fn := func(types.Candle, strategy.State) ([]types.Intent, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}
	start := time.Now()
	_, err := invoke(10*time.Millisecond, fn, types.Candle{}, strategy.State{})
	assert.ErrorIs(t, err, ErrStrategyTimeout)
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}
