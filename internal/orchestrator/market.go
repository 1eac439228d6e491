package orchestrator

import (
	"context"
	"math"
	"sort"
	"time"
)

// CyclePhase is the position of the market in its business cycle.
type CyclePhase string

const (
	PhaseExpansion   CyclePhase = "expansion"
	PhasePeak        CyclePhase = "peak"
	PhaseContraction CyclePhase = "contraction"
	PhaseTrough      CyclePhase = "trough"
)

// Valid reports whether p is a known phase.
func (p CyclePhase) Valid() bool {
	switch p {
	case PhaseExpansion, PhasePeak, PhaseContraction, PhaseTrough:
		return true
	}
	return false
}

// Snapshot is one observation of the market pulled from a Provider.
// CyclePhase, Liquidity and SystemicRisk are optional; zero values are
// replaced by derived defaults.
type Snapshot struct {
	At           time.Time
	Prices       map[string]float64
	Demand       map[string]float64
	Supply       map[string]float64
	CyclePhase   CyclePhase
	Liquidity    float64
	SystemicRisk float64
}

// Provider supplies market snapshots. It is called once per cycle.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Snapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

// GoodState is the derived view of one good.
type GoodState struct {
	Good       string  `json:"good"`
	Price      float64 `json:"price"`
	Demand     float64 `json:"demand"`
	Supply     float64 `json:"supply"`
	Trend      float64 `json:"trend"`
	Volatility float64 `json:"volatility"`
	Points     int     `json:"points"`
}

// MarketState is the immutable market view published after each refresh.
type MarketState struct {
	At           time.Time            `json:"at"`
	Cycle        uint64               `json:"cycle"`
	History      int                  `json:"history"`
	Goods        map[string]GoodState `json:"goods"`
	CyclePhase   CyclePhase           `json:"cycle_phase"`
	Liquidity    float64              `json:"liquidity"`
	SystemicRisk float64              `json:"systemic_risk"`
}

// Good returns the state of one good.
func (m *MarketState) Good(name string) (GoodState, bool) {
	if m == nil {
		return GoodState{}, false
	}
	g, ok := m.Goods[name]
	return g, ok
}

// GoodNames returns the tracked goods in sorted order.
func (m *MarketState) GoodNames() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Goods))
	for g := range m.Goods {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// MeanVolatility averages volatility over goods with at least two points.
func (m *MarketState) MeanVolatility() (float64, bool) {
	if m == nil {
		return 0, false
	}
	var sum float64
	var n int
	for _, g := range m.Goods {
		if g.Points < 2 {
			continue
		}
		sum += g.Volatility
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

const (
	trendWindow = 5

	minLiquidity     = 0.1
	baseRisk         = 0.1
	thinMarketRisk   = 0.2
	thinMarketAgents = 10
	maxVolatileRisk  = 0.5
)

// deriveState computes per-good trend and volatility over the most recent
// snapshots, then fills the market-wide indicators. active is the number
// of active agents.
func deriveState(history []Snapshot, cycle uint64, active int) *MarketState {
	st := &MarketState{
		Cycle:      cycle,
		History:    len(history),
		Goods:      make(map[string]GoodState),
		CyclePhase: PhaseExpansion,
		Liquidity:  1,
	}
	if len(history) == 0 {
		st.SystemicRisk = systemicRisk(st, active)
		return st
	}
	last := history[len(history)-1]
	st.At = last.At
	for good, price := range last.Prices {
		series := priceSeries(history, good, trendWindow)
		st.Goods[good] = GoodState{
			Good:       good,
			Price:      price,
			Demand:     last.Demand[good],
			Supply:     last.Supply[good],
			Trend:      slope(series),
			Volatility: volatility(series),
			Points:     len(series),
		}
	}
	if last.CyclePhase.Valid() {
		st.CyclePhase = last.CyclePhase
	}
	if last.Liquidity > 0 && !math.IsNaN(last.Liquidity) {
		st.Liquidity = math.Min(math.Max(last.Liquidity, minLiquidity), 1)
	}
	if last.SystemicRisk > 0 && !math.IsNaN(last.SystemicRisk) {
		st.SystemicRisk = math.Min(last.SystemicRisk, 1)
	} else {
		st.SystemicRisk = systemicRisk(st, active)
	}
	return st
}

// systemicRisk starts from a base level, adds a premium for thin markets and
// adds mean volatility once the history is deep enough to trust it.
func systemicRisk(st *MarketState, active int) float64 {
	risk := baseRisk
	if active < thinMarketAgents {
		risk += thinMarketRisk
	}
	if st.History > trendWindow {
		if v, ok := st.MeanVolatility(); ok {
			risk += math.Min(v, maxVolatileRisk)
		}
	}
	return math.Min(risk, 1)
}

// priceSeries returns up to window most recent prices of good, oldest first.
func priceSeries(history []Snapshot, good string, window int) []float64 {
	start := max(len(history)-window, 0)
	var out []float64
	for _, s := range history[start:] {
		if p, ok := s.Prices[good]; ok {
			out = append(out, p)
		}
	}
	return out
}

// slope is the least-squares slope of ys against their index.
func slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// volatility is the coefficient of variation (population std over mean).
func volatility(ys []float64) float64 {
	m, sd := meanStd(ys)
	if len(ys) < 2 || m == 0 {
		return 0
	}
	return sd / math.Abs(m)
}

func meanStd(ys []float64) (mean, std float64) {
	if len(ys) == 0 {
		return 0, 0
	}
	for _, y := range ys {
		mean += y
	}
	mean /= float64(len(ys))
	var ss float64
	for _, y := range ys {
		ss += (y - mean) * (y - mean)
	}
	return mean, math.Sqrt(ss / float64(len(ys)))
}
