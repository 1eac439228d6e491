package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// ErrNotAttached is returned when the driver is used before Attach.
var ErrNotAttached = errors.New("sim: driver not attached to an orchestrator")

// AgentSpec describes one simulated agent.
type AgentSpec struct {
	ID           string
	Role         protocol.Role
	Capabilities []string
}

// Shocker stages a one-off price jump. feed.Simplex implements it.
type Shocker interface {
	Shock(good string, factor float64)
}

// DriverOpts configures a Driver. Chances are per agent per tick; a
// negative chance disables the action.
type DriverOpts struct {
	Agents   []AgentSpec
	Goods    []string
	Seed     int64
	Interval time.Duration

	NegotiateChance    float64
	SignalChance       float64
	ProposalChance     float64
	CoordinationChance float64
	ShockChance        float64
	ShockFactor        float64

	Shocker Shocker
	Logger  *slog.Logger
}

func (o *DriverOpts) applyDefaults() {
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.NegotiateChance == 0 {
		o.NegotiateChance = 0.3
	}
	if o.SignalChance == 0 {
		o.SignalChance = 0.2
	}
	if o.ProposalChance == 0 {
		o.ProposalChance = 0.1
	}
	if o.CoordinationChance == 0 {
		o.CoordinationChance = 0.05
	}
	if o.ShockChance == 0 {
		o.ShockChance = 0.01
	}
	if o.ShockFactor == 0 {
		o.ShockFactor = 1.6
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// DefaultAgents is the population used when none is configured.
func DefaultAgents() []AgentSpec {
	return []AgentSpec{
		{ID: "consumer-1", Role: protocol.RoleConsumer, Capabilities: []string{"buy"}},
		{ID: "consumer-2", Role: protocol.RoleConsumer, Capabilities: []string{"buy"}},
		{ID: "consumer-3", Role: protocol.RoleConsumer, Capabilities: []string{"buy"}},
		{ID: "consumer-4", Role: protocol.RoleConsumer, Capabilities: []string{"buy"}},
		{ID: "firm-1", Role: protocol.RoleFirm, Capabilities: []string{"sell", "signal"}},
		{ID: "firm-2", Role: protocol.RoleFirm, Capabilities: []string{"sell", "signal"}},
	}
}

// DriverStats counts what the driver has asked agents to do.
type DriverStats struct {
	Ticks         uint64 `json:"ticks"`
	Negotiations  uint64 `json:"negotiations"`
	Refused       uint64 `json:"refused"`
	Signals       uint64 `json:"signals"`
	Proposals     uint64 `json:"proposals"`
	Coordinations uint64 `json:"coordinations"`
	Shocks        uint64 `json:"shocks"`
}

// Driver plays the agents of a demo market. Each tick every agent rolls
// for the actions its role can take.
type Driver struct {
	opts DriverOpts
	log  *slog.Logger
	orch atomic.Pointer[orchestrator.Orchestrator]

	mu        sync.Mutex
	rng       *rand.Rand
	consumers []string
	firms     []string
	stats     DriverStats
}

// NewDriver creates a driver. Install EndpointFor on the orchestrator
// options before creating the orchestrator, then call Attach.
func NewDriver(opts DriverOpts) *Driver {
	opts.applyDefaults()
	return &Driver{
		opts: opts,
		log:  opts.Logger,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// EndpointFor equips every endpoint with a Policy and an Evaluator. Its
// signature matches orchestrator.Options.EndpointFor.
func (d *Driver) EndpointFor(id string, role protocol.Role, base endpoint.Options) endpoint.Options {
	base.PricePolicy = NewPolicy(role, func(peer string) float64 {
		return d.reputation(id, peer)
	})
	base.AllianceEvaluator = NewEvaluator()
	return base
}

func (d *Driver) reputation(self, peer string) float64 {
	o := d.orch.Load()
	if o == nil {
		return 0.5
	}
	ep, ok := o.Endpoint(self)
	if !ok {
		return 0.5
	}
	return ep.Reputation(peer)
}

// Attach registers the configured agents on o. Agents already registered
// are adopted as they are.
func (d *Driver) Attach(o *orchestrator.Orchestrator) error {
	if len(d.opts.Agents) == 0 {
		d.opts.Agents = DefaultAgents()
	}
	d.orch.Store(o)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers, d.firms = nil, nil
	for _, a := range d.opts.Agents {
		if !o.Register(a.ID, a.Role, a.Capabilities) {
			if _, ok := o.Registration(a.ID); !ok {
				return fmt.Errorf("sim: register %q: rejected", a.ID)
			}
		}
		switch a.Role {
		case protocol.RoleConsumer:
			d.consumers = append(d.consumers, a.ID)
		case protocol.RoleFirm:
			d.firms = append(d.firms, a.ID)
		}
	}
	d.log.Info("sim: agents attached", "consumers", len(d.consumers), "firms", len(d.firms))
	return nil
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if d.orch.Load() == nil {
		return ErrNotAttached
	}
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Tick(); err != nil {
				d.log.Warn("sim: tick", "error", err)
			}
		}
	}
}

// Tick performs one round of agent actions.
func (d *Driver) Tick() error {
	o := d.orch.Load()
	if o == nil {
		return ErrNotAttached
	}
	market := o.Market()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Ticks++
	goods := d.goods(market)
	if len(goods) == 0 {
		return nil
	}

	for _, id := range d.consumers {
		ep, ok := d.active(o, id)
		if !ok {
			continue
		}
		if len(d.firms) > 0 && d.roll(d.opts.NegotiateChance) {
			d.negotiate(ep, d.pick(d.firms), d.pick(goods), market)
		}
		if len(d.consumers) > 1 && d.roll(d.opts.CoordinationChance) {
			d.coordinate(ep, d.pick(goods), market)
		}
	}
	for _, id := range d.firms {
		ep, ok := d.active(o, id)
		if !ok {
			continue
		}
		if d.roll(d.opts.SignalChance) {
			d.signal(ep, d.pick(goods), market)
		}
		if len(d.consumers) > 0 && d.roll(d.opts.ProposalChance) {
			d.propose(ep, d.pick(d.consumers), d.pick(goods), market)
		}
	}
	if d.opts.Shocker != nil && d.roll(d.opts.ShockChance) {
		good := d.pick(goods)
		d.opts.Shocker.Shock(good, d.opts.ShockFactor)
		d.stats.Shocks++
		d.log.Info("sim: price shock staged", "good", good, "factor", d.opts.ShockFactor)
	}
	return nil
}

// Stats returns a copy of the driver counters.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Driver) active(o *orchestrator.Orchestrator, id string) (*endpoint.Endpoint, bool) {
	reg, ok := o.Registration(id)
	if !ok || !reg.Active {
		return nil, false
	}
	return o.Endpoint(id)
}

func (d *Driver) goods(market *orchestrator.MarketState) []string {
	if len(d.opts.Goods) > 0 {
		return d.opts.Goods
	}
	return market.GoodNames()
}

func (d *Driver) roll(chance float64) bool { return d.rng.Float64() < chance }

func (d *Driver) pick(ids []string) string { return ids[d.rng.Intn(len(ids))] }

// reference is the last observed price of good, or 100 before the first
// snapshot.
func reference(market *orchestrator.MarketState, good string) float64 {
	if g, ok := market.Good(good); ok && g.Price > 0 {
		return g.Price
	}
	return 100
}

func (d *Driver) negotiate(ep *endpoint.Endpoint, firm, good string, market *orchestrator.MarketState) {
	price := reference(market, good)
	qty := float64(1 + d.rng.Intn(20))
	_, err := ep.Negotiate(firm, good, qty, round2(price*0.85), round2(price*0.8), round2(price*1.1))
	if err != nil {
		d.stats.Refused++
		d.log.Debug("sim: negotiation refused", "agent", ep.ID(), "error", err)
		return
	}
	d.stats.Negotiations++
}

func (d *Driver) coordinate(ep *endpoint.Endpoint, good string, market *orchestrator.MarketState) {
	members := []string{ep.ID()}
	for _, id := range d.consumers {
		if id != ep.ID() && len(members) < 4 {
			members = append(members, id)
		}
	}
	payload := protocol.Payload{
		protocol.KeyGood:          good,
		protocol.KeyQuantity:      float64(10 * len(members)),
		protocol.KeyProposedPrice: round2(reference(market, good) * 0.9),
		protocol.KeyMembers:       members,
	}
	for _, to := range members[1:] {
		ep.Send(to, protocol.KindBuyCoordination, payload.Clone(), endpoint.SendOpts{RequiresReply: true})
	}
	d.stats.Coordinations++
}

func (d *Driver) signal(ep *endpoint.Endpoint, good string, market *orchestrator.MarketState) {
	kind := protocol.SignalOpportunity
	if g, ok := market.Good(good); ok {
		switch {
		case g.Trend > 0:
			kind = protocol.SignalHighPrice
		case g.Demand > 0 && g.Demand < g.Supply:
			kind = protocol.SignalLowDemand
		}
	}
	data := map[string]any{
		protocol.DataObservations:    1 + d.rng.Intn(5),
		protocol.DataMultipleSources: d.rng.Intn(2) == 0,
	}
	ep.BroadcastSignal(kind, good, round2(0.4+0.6*d.rng.Float64()), data, protocol.ScopeSector)
	d.stats.Signals++
}

func (d *Driver) propose(ep *endpoint.Endpoint, consumer, good string, market *orchestrator.MarketState) {
	price := round2(reference(market, good) * (0.9 + 0.2*d.rng.Float64()))
	ep.Send(consumer, protocol.KindPriceProposal, protocol.Payload{
		protocol.KeyGood:          good,
		protocol.KeyProposedPrice: price,
	}, endpoint.SendOpts{RequiresReply: true})
	d.stats.Proposals++
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
