package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

func TestSimplex_DeterministicForSeed(t *testing.T) {
	a, err := NewSimplex(SimplexOpts{Seed: 42})
	require.NoError(t, err)
	b, err := NewSimplex(SimplexOpts{Seed: 42})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sa, err := a.Snapshot(context.Background())
		require.NoError(t, err)
		sb, err := b.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, sa.Prices, sb.Prices, "step %d", i)
	}
}

func TestSimplex_StaysWithinAmplitude(t *testing.T) {
	goods := []GoodSpec{{Name: "wheat", Base: 100, Amplitude: 0.2, Demand: 10, Supply: 10}}
	s, err := NewSimplex(SimplexOpts{Seed: 7, Goods: goods})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		snap, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		p := snap.Prices["wheat"]
		assert.GreaterOrEqual(t, p, 80.0)
		assert.LessOrEqual(t, p, 120.0)
		assert.GreaterOrEqual(t, snap.Demand["wheat"], 5.0)
		assert.LessOrEqual(t, snap.Supply["wheat"], 15.0)
	}
}

func TestSimplex_ShockAppliesOnce(t *testing.T) {
	goods := []GoodSpec{{Name: "salt", Base: 10, Amplitude: 0}}
	s, err := NewSimplex(SimplexOpts{Seed: 1, Goods: goods})
	require.NoError(t, err)

	s.Shock("salt", 2)
	first, _ := s.Snapshot(context.Background())
	second, _ := s.Snapshot(context.Background())
	assert.Equal(t, 20.0, first.Prices["salt"])
	assert.Equal(t, 10.0, second.Prices["salt"])
	assert.Equal(t, []string{"salt"}, s.Goods())
}

func TestSimplex_ValidatesGoods(t *testing.T) {
	tests := []struct {
		name  string
		goods []GoodSpec
	}{
		{"missing name", []GoodSpec{{Base: 1}}},
		{"duplicate", []GoodSpec{{Name: "a", Base: 1}, {Name: "a", Base: 2}}},
		{"non-positive base", []GoodSpec{{Name: "a"}}},
		{"amplitude too large", []GoodSpec{{Name: "a", Base: 1, Amplitude: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimplex(SimplexOpts{Goods: tt.goods})
			assert.Error(t, err)
		})
	}
}

func TestSimplex_HonorsCancelledContext(t *testing.T) {
	s, err := NewSimplex(SimplexOpts{Seed: 3})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScripted_RepeatsLast(t *testing.T) {
	s := Prices(
		map[string]float64{"wheat": 100},
		map[string]float64{"wheat": 160},
	)
	var got []float64
	for i := 0; i < 4; i++ {
		snap, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		got = append(got, snap.Prices["wheat"])
	}
	assert.Equal(t, []float64{100, 160, 160, 160}, got)

	_, err := NewScripted().Snapshot(context.Background())
	assert.Error(t, err)
}

func TestScripted_DrivesManipulationAlert(t *testing.T) {
	provider := Prices(
		map[string]float64{"wheat": 100},
		map[string]float64{"wheat": 100},
		map[string]float64{"wheat": 100},
		map[string]float64{"wheat": 100},
		map[string]float64{"wheat": 160},
	)
	o := orchestrator.New(orchestrator.Options{Provider: provider})
	o.Register("a", "", nil)

	var last orchestrator.CycleResult
	for i := 0; i < 5; i++ {
		last = o.Coordinate(context.Background())
	}
	var kinds []orchestrator.AnomalyKind
	for _, a := range last.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, orchestrator.AnomalyPriceManipulation)
}

func TestSimplex_MarketIndicatorsReachOrchestrator(t *testing.T) {
	s, err := NewSimplex(SimplexOpts{Seed: 11})
	require.NoError(t, err)

	phases := make(map[orchestrator.CyclePhase]bool)
	for i := 0; i < 400; i++ {
		snap, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		assert.True(t, snap.CyclePhase.Valid(), "step %d phase %q", i, snap.CyclePhase)
		assert.GreaterOrEqual(t, snap.Liquidity, 0.4)
		assert.LessOrEqual(t, snap.Liquidity, 1.0)
		assert.GreaterOrEqual(t, snap.SystemicRisk, 0.1)
		assert.LessOrEqual(t, snap.SystemicRisk, 0.5)
		phases[snap.CyclePhase] = true
	}
	assert.Greater(t, len(phases), 1, "phase never changed")

	feedA, err := NewSimplex(SimplexOpts{Seed: 5})
	require.NoError(t, err)
	feedB, err := NewSimplex(SimplexOpts{Seed: 5})
	require.NoError(t, err)
	want, err := feedB.Snapshot(context.Background())
	require.NoError(t, err)

	o := orchestrator.New(orchestrator.Options{Provider: feedA})
	o.Coordinate(context.Background())
	m := o.Market()
	assert.Equal(t, want.CyclePhase, m.CyclePhase)
	assert.Equal(t, want.Liquidity, m.Liquidity)
	assert.Equal(t, want.SystemicRisk, m.SystemicRisk)
}
