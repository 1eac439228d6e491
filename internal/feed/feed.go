// Package feed supplies market snapshots to the orchestrator: a coherent
// noise-driven synthetic market for simulations and a scripted replay for
// tests and demos.
package feed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

// GoodSpec describes one synthetic good.
type GoodSpec struct {
	Name      string  `yaml:"name"`
	Base      float64 `yaml:"base"`      // mean price
	Amplitude float64 `yaml:"amplitude"` // relative swing, 0.2 = ±20%
	Demand    float64 `yaml:"demand"`    // mean demand
	Supply    float64 `yaml:"supply"`    // mean supply
}

// DefaultGoods is the market used when no goods are configured.
func DefaultGoods() []GoodSpec {
	return []GoodSpec{
		{Name: "wheat", Base: 100, Amplitude: 0.15, Demand: 50, Supply: 55},
		{Name: "salt", Base: 12, Amplitude: 0.05, Demand: 30, Supply: 40},
		{Name: "iron", Base: 250, Amplitude: 0.25, Demand: 20, Supply: 18},
	}
}

// SimplexOpts configures a Simplex feed.
type SimplexOpts struct {
	Seed    int64 // 0 picks a random seed
	Goods   []GoodSpec
	Step    float64 // noise-space advance per snapshot (default 0.05)
	Octaves int     // fractal layers (default 3)
	Now     func() time.Time
}

// Simplex generates smooth, correlated price, demand and supply series from
// OpenSimplex noise. Each good and each series samples its own row of the
// noise field, so the same seed always replays the same market.
type Simplex struct {
	noise   opensimplex.Noise
	goods   []GoodSpec
	step    float64
	octaves int
	now     func() time.Time

	mu     sync.Mutex
	t      float64
	shocks map[string]float64
}

// NewSimplex creates a noise-driven feed.
func NewSimplex(opts SimplexOpts) (*Simplex, error) {
	if opts.Seed == 0 {
		opts.Seed = rand.Int63()
	}
	if len(opts.Goods) == 0 {
		opts.Goods = DefaultGoods()
	}
	if opts.Step <= 0 {
		opts.Step = 0.05
	}
	if opts.Octaves <= 0 {
		opts.Octaves = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	seen := make(map[string]bool, len(opts.Goods))
	for _, g := range opts.Goods {
		if g.Name == "" {
			return nil, fmt.Errorf("feed: good without name")
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("feed: duplicate good %q", g.Name)
		}
		if g.Base <= 0 {
			return nil, fmt.Errorf("feed: good %q: base price must be positive", g.Name)
		}
		if g.Amplitude < 0 || g.Amplitude >= 1 {
			return nil, fmt.Errorf("feed: good %q: amplitude must be in [0,1)", g.Name)
		}
		seen[g.Name] = true
	}
	return &Simplex{
		noise:   opensimplex.NewNormalized(opts.Seed),
		goods:   append([]GoodSpec(nil), opts.Goods...),
		step:    opts.Step,
		octaves: opts.Octaves,
		now:     opts.Now,
		shocks:  make(map[string]float64),
	}, nil
}

// Snapshot implements orchestrator.Provider. Every call advances the feed
// by one step.
func (s *Simplex) Snapshot(ctx context.Context) (orchestrator.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.Snapshot{}, err
	}
	s.mu.Lock()
	t := s.t
	s.t += s.step
	shocks := s.shocks
	s.shocks = make(map[string]float64)
	s.mu.Unlock()

	snap := orchestrator.Snapshot{
		At:           s.now(),
		Prices:       make(map[string]float64, len(s.goods)),
		Demand:       make(map[string]float64, len(s.goods)),
		Supply:       make(map[string]float64, len(s.goods)),
		CyclePhase:   s.phase(t),
		Liquidity:    round(0.4 + 0.6*s.octave(t, liquidityRow)),
		SystemicRisk: round(0.1 + 0.4*s.octave(t, riskRow)),
	}
	for i, g := range s.goods {
		row := float64(i) * 10
		price := g.Base * (1 + g.Amplitude*(2*s.octave(t, row)-1))
		if f, ok := shocks[g.Name]; ok {
			price *= f
		}
		snap.Prices[g.Name] = round(price)
		snap.Demand[g.Name] = round(g.Demand * (0.5 + s.octave(t, row+3)))
		snap.Supply[g.Name] = round(g.Supply * (0.5 + s.octave(t, row+6)))
	}
	return snap, nil
}

// Noise rows reserved for the market-wide series. Goods use rows 0, 10, 20...
const (
	cycleRow     = -10
	liquidityRow = -20
	riskRow      = -30
)

// phase reads the business cycle off a slow noise row: its level says
// whether the market is above or below trend and its direction says
// whether it is heading up or down.
func (s *Simplex) phase(t float64) orchestrator.CyclePhase {
	level := s.octave(t/4, cycleRow)
	rising := level >= s.octave((t-s.step)/4, cycleRow)
	switch {
	case rising && level < 0.5:
		return orchestrator.PhaseExpansion
	case rising:
		return orchestrator.PhasePeak
	case level >= 0.5:
		return orchestrator.PhaseContraction
	default:
		return orchestrator.PhaseTrough
	}
}

// Shock multiplies the next price of good by factor. Simulations use it to
// stage sudden jumps.
func (s *Simplex) Shock(good string, factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shocks[good] = factor
}

// Goods returns the configured good names in order.
func (s *Simplex) Goods() []string {
	out := make([]string, len(s.goods))
	for i, g := range s.goods {
		out[i] = g.Name
	}
	return out
}

// octave layers the noise field at doubling frequencies; the result stays
// in [0,1].
func (s *Simplex) octave(x, y float64) float64 {
	total, amplitude, maxVal, freq := 0.0, 1.0, 0.0, 1.0
	for i := 0; i < s.octaves; i++ {
		total += s.noise.Eval2(x*freq, y*freq) * amplitude
		maxVal += amplitude
		amplitude *= 0.5
		freq *= 2
	}
	return total / maxVal
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}

// Scripted replays a fixed list of snapshots, repeating the last one once
// the script is exhausted.
type Scripted struct {
	mu    sync.Mutex
	snaps []orchestrator.Snapshot
	next  int
}

// NewScripted creates a replay feed.
func NewScripted(snaps ...orchestrator.Snapshot) *Scripted {
	return &Scripted{snaps: snaps}
}

// Prices is a shorthand building a script from per-step price maps.
func Prices(steps ...map[string]float64) *Scripted {
	snaps := make([]orchestrator.Snapshot, len(steps))
	for i, p := range steps {
		snaps[i] = orchestrator.Snapshot{Prices: p}
	}
	return NewScripted(snaps...)
}

// Snapshot implements orchestrator.Provider.
func (s *Scripted) Snapshot(ctx context.Context) (orchestrator.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return orchestrator.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return orchestrator.Snapshot{}, fmt.Errorf("feed: empty script")
	}
	i := min(s.next, len(s.snaps)-1)
	s.next++
	return s.snaps[i], nil
}
