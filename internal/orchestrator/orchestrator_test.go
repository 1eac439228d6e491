package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

func processAll(o *Orchestrator) int {
	n := 0
	for _, reg := range o.Registrations() {
		ep, _ := o.Endpoint(reg.AgentID)
		n += ep.ProcessPending()
	}
	return n
}

func mustEndpoint(t *testing.T, o *Orchestrator, id string) *endpoint.Endpoint {
	t.Helper()
	ep, ok := o.Endpoint(id)
	require.True(t, ok, "endpoint %s", id)
	return ep
}

func countNotices(ep *endpoint.Endpoint, kind protocol.Kind, topic string) int {
	n := 0
	for _, notice := range ep.Notices() {
		if notice.Kind == kind && notice.Topic == topic {
			n++
		}
	}
	return n
}

type fakeJournal struct {
	mu        sync.Mutex
	messages  []RoutedMessage
	anomalies []Anomaly
	cycles    []CycleResult
	agents    []protocol.Registration
}

func (j *fakeJournal) RecordMessages(_ context.Context, msgs []RoutedMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.messages = append(j.messages, msgs...)
	return nil
}

func (j *fakeJournal) RecordAnomaly(_ context.Context, a Anomaly) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.anomalies = append(j.anomalies, a)
	return nil
}

func (j *fakeJournal) RecordCycle(_ context.Context, r CycleResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cycles = append(j.cycles, r)
	return nil
}

func (j *fakeJournal) RecordAgent(_ context.Context, reg protocol.Registration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.agents = append(j.agents, reg)
	return nil
}

func TestRegister_Idempotent(t *testing.T) {
	o := New(Options{})
	assert.True(t, o.Register("a", protocol.RoleConsumer, []string{"buy"}))
	first := mustEndpoint(t, o, "a")

	assert.False(t, o.Register("a", protocol.RoleFirm, nil))
	assert.Same(t, first, mustEndpoint(t, o, "a"))
	require.Len(t, o.Registrations(), 1)
	assert.Equal(t, protocol.RoleConsumer, o.Registrations()[0].Role)

	assert.False(t, o.Register("", protocol.RoleFirm, nil))
	assert.False(t, o.Register(protocol.SystemSender, protocol.RoleFirm, nil))
}

func TestDeregister_MarksInactiveAndDropsTraffic(t *testing.T) {
	j := &fakeJournal{}
	o := New(Options{Journal: j})
	o.Register("a", protocol.RoleConsumer, nil)
	o.Register("b", protocol.RoleFirm, nil)

	a := mustEndpoint(t, o, "a")
	b := mustEndpoint(t, o, "b")
	b.Receive(protocol.NewMessage(time.Now(), "a", "b", protocol.KindKnowledgeShare, nil, 0))

	assert.True(t, o.Deregister("b"))
	assert.False(t, o.Deregister("b"))
	assert.False(t, o.Deregister("zz"))
	assert.Equal(t, 0, b.Stats().InboundDepth, "queued traffic discarded")

	reg, ok := o.Registration("b")
	require.True(t, ok)
	assert.False(t, reg.Active)
	assert.False(t, o.Register("b", protocol.RoleFirm, nil), "inactive ids stay taken")

	a.Send("b", protocol.KindMarketInfo, protocol.Payload{"x": 1}, endpoint.SendOpts{})
	a.Send("ghost", protocol.KindMarketInfo, nil, endpoint.SendOpts{})
	res := o.Coordinate(context.Background())
	assert.Equal(t, 0, res.Routed)
	assert.Equal(t, 2, res.Dropped)

	st := o.Stats()
	assert.Equal(t, 2, st.TotalAgents)
	assert.Equal(t, 1, st.ActiveAgents)
	assert.Equal(t, map[string]int{"consumer": 1}, st.AgentsByRole)

	require.Len(t, j.agents, 3)
	assert.False(t, j.agents[2].Active)
	require.Len(t, j.messages, 2)
	assert.Equal(t, OutcomeDropped, j.messages[0].Outcome)
}

func TestCoordinate_PropagatesTrustedSignalOnce(t *testing.T) {
	o := New(Options{})
	ids := []string{"x", "b", "c", "d", "e"}
	for _, id := range ids {
		require.True(t, o.Register(id, protocol.RoleOther, nil))
	}
	x := mustEndpoint(t, o, "x")
	x.BroadcastSignal(protocol.SignalHighPrice, "wheat", 0.8, map[string]any{
		protocol.DataObservations:    4,
		protocol.DataMultipleSources: true,
	}, protocol.ScopeLocal)
	require.InDelta(t, 0.9, x.EmittedSignals()[0].Confidence, 1e-9)

	res := o.Coordinate(context.Background())
	assert.Equal(t, 4, res.Routed)
	assert.Equal(t, 1, res.SignalsPropagated)
	processAll(o)

	for _, id := range ids[1:] {
		ep := mustEndpoint(t, o, id)
		hist := ep.SignalHistory()
		require.Len(t, hist, 1, "agent %s", id)
		assert.InDelta(t, 0.9*ep.Reputation("x"), hist[0].Confidence, 1e-9)
		assert.Equal(t, protocol.ScopeGlobal, hist[0].Scope, "agent %s", id)
	}
	assert.Empty(t, x.SignalHistory())

	res = o.Coordinate(context.Background())
	assert.Equal(t, 0, res.SignalsPropagated, "each signal propagated once")
}

func TestCoordinate_WeakSignalsNotPropagated(t *testing.T) {
	o := New(Options{})
	o.Register("x", protocol.RoleOther, nil)
	o.Register("y", protocol.RoleOther, nil)
	mustEndpoint(t, o, "x").BroadcastSignal(protocol.SignalLowDemand, "corn", 0.9, nil, protocol.ScopeLocal)

	res := o.Coordinate(context.Background())
	assert.Equal(t, 0, res.SignalsPropagated, "confidence 0.5 is below the bar")
}

func TestCoordinate_PriceJumpRaisesCriticalAlert(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 160}
	var cycle int
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		p := prices[min(cycle, len(prices)-1)]
		cycle++
		return Snapshot{Prices: map[string]float64{"wheat": p, "salt": 10}}, nil
	})
	var alerted []Anomaly
	o := New(Options{Provider: provider, OnAnomaly: func(a Anomaly) { alerted = append(alerted, a) }})
	for _, id := range []string{"a", "b", "c"} {
		o.Register(id, protocol.RoleOther, nil)
	}

	for i := 0; i < 4; i++ {
		res := o.Coordinate(context.Background())
		for _, a := range res.Anomalies {
			require.NotEqual(t, AnomalyPriceManipulation, a.Kind, "cycle %d", i+1)
		}
	}
	res := o.Coordinate(context.Background())

	var found *Anomaly
	for i := range res.Anomalies {
		if res.Anomalies[i].Kind == AnomalyPriceManipulation {
			found = &res.Anomalies[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, SeverityCritical, found.Severity)
	assert.Equal(t, []string{"wheat"}, found.Goods)

	processAll(o)
	for _, id := range []string{"a", "b", "c"} {
		ep := mustEndpoint(t, o, id)
		assert.Equal(t, 1, countNotices(ep, protocol.KindRiskAlert, protocol.TopicPriceManipulation), "agent %s", id)
	}
	assert.NotEmpty(t, alerted)

	g, ok := o.Market().Good("wheat")
	require.True(t, ok)
	assert.Equal(t, 160.0, g.Price)
	assert.Equal(t, 5, g.Points)
	assert.Greater(t, g.Trend, 0.0)
	assert.Greater(t, g.Volatility, 0.0)

	// The jump is still inside the window; it is not flagged again.
	res = o.Coordinate(context.Background())
	for _, a := range res.Anomalies {
		assert.NotEqual(t, AnomalyPriceManipulation, a.Kind)
	}
}

func TestCoordinate_MediatesLongNegotiationsOncePerRound(t *testing.T) {
	o := New(Options{
		EndpointFor: func(id string, _ protocol.Role, base endpoint.Options) endpoint.Options {
			price := 80.0
			if id == "b" {
				price = 120
			}
			base.PricePolicy = fixedPolicy{price: price}
			return base
		},
	})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)
	a := mustEndpoint(t, o, "a")
	id, err := a.Negotiate("b", "wheat", 1, 80, 80, 120)
	require.NoError(t, err)

	mediations := 0
	for i := 0; i < 40; i++ {
		res := o.Coordinate(context.Background())
		mediations += res.Mediations
		processAll(o)
	}

	n, _ := a.Negotiation(id)
	assert.Equal(t, protocol.NegotiationCancelled, n.State)
	assert.Equal(t, 4, mediations, "rounds 6 through 9")
	assert.Equal(t, 100.0, n.SuggestedPrice)
	assert.Equal(t, 9, n.MediatedRound)

	mirror, _ := mustEndpoint(t, o, "b").Negotiation(id)
	assert.Equal(t, 100.0, mirror.SuggestedPrice)
}

func TestCoordinate_SuggestsNegotiationsBetweenFirmsAndConsumers(t *testing.T) {
	prices := map[string]float64{
		"barley": 10, "corn": 20, "iron": 30, "oats": 40,
		"rice": 50, "salt": 60, "wheat": 70,
	}
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		return Snapshot{Prices: prices}, nil
	})
	o := New(Options{Provider: provider})
	o.Register("f1", protocol.RoleFirm, nil)
	o.Register("f2", protocol.RoleFirm, nil)
	o.Register("c1", protocol.RoleConsumer, nil)
	o.Register("r1", protocol.RoleOther, nil)

	res := o.Coordinate(context.Background())
	assert.Equal(t, 5, res.Suggestions, "capped per cycle")
	assert.Equal(t, uint64(2), mustEndpoint(t, o, "f1").Stats().Sent)
	assert.Equal(t, uint64(3), mustEndpoint(t, o, "f2").Stats().Sent)

	o.Coordinate(context.Background())
	processAll(o)

	got := make(map[string]endpoint.Notice)
	for _, n := range mustEndpoint(t, o, "c1").Notices() {
		if n.Kind == protocol.KindPriceProposal {
			got[n.Payload.String(protocol.KeyGood)] = n
		}
	}
	require.Len(t, got, 5)
	for _, good := range []string{"barley", "corn", "iron", "oats", "rice"} {
		n, ok := got[good]
		require.True(t, ok, good)
		price, _ := n.Payload.Float(protocol.KeyProposedPrice)
		assert.Equal(t, prices[good], price, good)
		qty, _ := n.Payload.Int(protocol.KeyQuantity)
		assert.Equal(t, 1, qty)
		assert.Equal(t, SuggestionOrigin, n.Payload.String(protocol.KeyOrigin))
	}
	assert.Equal(t, "f2", got["barley"].From, "cycle 1 starts the rotation at the second firm")
	assert.Equal(t, "f1", got["corn"].From)
	for _, n := range mustEndpoint(t, o, "r1").Notices() {
		assert.NotEqual(t, protocol.KindPriceProposal, n.Kind, "only consumers are offered goods")
	}
}

func TestCoordinate_SuggestionsNeedBothSides(t *testing.T) {
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		return Snapshot{Prices: map[string]float64{"wheat": 100}}, nil
	})

	o := New(Options{Provider: provider})
	o.Register("f1", protocol.RoleFirm, nil)
	o.Register("f2", protocol.RoleFirm, nil)
	assert.Equal(t, 0, o.Coordinate(context.Background()).Suggestions)

	o = New(Options{Provider: provider, SuggestionLimit: -1})
	o.Register("f1", protocol.RoleFirm, nil)
	o.Register("c1", protocol.RoleConsumer, nil)
	assert.Equal(t, 0, o.Coordinate(context.Background()).Suggestions, "disabled")

	o = New(Options{})
	o.Register("f1", protocol.RoleFirm, nil)
	o.Register("c1", protocol.RoleConsumer, nil)
	assert.Equal(t, 0, o.Coordinate(context.Background()).Suggestions, "no priced goods")
}

type fixedPolicy struct{ price float64 }

func (p fixedPolicy) OpeningPrice(protocol.Negotiation) float64 { return p.price }
func (p fixedPolicy) Respond(protocol.Negotiation, float64) endpoint.Decision {
	return endpoint.Decision{Action: endpoint.ActionCounter, Price: p.price}
}
func (p fixedPolicy) EvaluateProposal(string, protocol.Payload) endpoint.Decision {
	return endpoint.Decision{Action: endpoint.ActionReject}
}
func (p fixedPolicy) Coordinate(string, protocol.Payload) (bool, map[string]any) {
	return false, nil
}

func TestCoordinate_PromotesAlliancesAmongIdleAgents(t *testing.T) {
	accept := endpoint.AllianceEvaluatorFunc(func(endpoint.AllianceRequest) endpoint.AllianceDecision {
		return endpoint.AllianceDecision{Accept: true}
	})
	o := New(Options{
		Endpoint: endpoint.Options{AllianceEvaluator: accept},
	})
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		o.Register(id, protocol.RoleConsumer, nil)
	}
	o.Register("f1", protocol.RoleFirm, nil)
	o.Register("f2", protocol.RoleFirm, nil)

	res := o.Coordinate(context.Background())
	assert.Equal(t, 2, res.AllianceSuggestions)

	for i := 0; i < 4; i++ {
		processAll(o)
		res = o.Coordinate(context.Background())
		assert.Equal(t, 0, res.AllianceSuggestions, "suggested agents cool down; c4 alone is not enough")
	}
	processAll(o)

	for _, id := range []string{"c1", "c2", "c3", "f1", "f2"} {
		assert.Equal(t, 1, mustEndpoint(t, o, id).ActiveAlliances(), "agent %s", id)
	}
	assert.Equal(t, 0, mustEndpoint(t, o, "c4").ActiveAlliances())

	leader := mustEndpoint(t, o, "c1").Alliances()
	require.Len(t, leader, 1)
	assert.Equal(t, protocol.AllianceJointPurchase, leader[0].Kind)
	assert.Equal(t, 15*24*time.Hour, leader[0].Duration)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, leader[0].Confirmed)

	firm := mustEndpoint(t, o, "f1").Alliances()
	require.Len(t, firm, 1)
	assert.Equal(t, protocol.AlliancePriceDefense, firm[0].Kind)
}

func TestCoordinate_EfficiencyComponents(t *testing.T) {
	o := New(Options{})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)
	o.Register("idle", protocol.RoleOther, nil)

	_, err := mustEndpoint(t, o, "a").Negotiate("b", "wheat", 1, 100, 80, 120)
	require.NoError(t, err)

	res := o.Coordinate(context.Background())
	assert.InDelta(t, 2.0/3.0, res.Efficiency.Participation, 1e-9)
	assert.Equal(t, 0.5, res.Efficiency.PriceStability, "not enough history")
	assert.Equal(t, 0.0, res.Efficiency.Transactions, "one active owned negotiation")
	assert.InDelta(t, 0.3*2.0/3.0+0.2, res.Efficiency.Score, 1e-9)

	for i := 0; i < 10; i++ {
		processAll(o)
		res = o.Coordinate(context.Background())
	}
	assert.Equal(t, 1.0, res.Efficiency.Transactions)
	assert.Equal(t, 1.0, o.Stats().LastEfficiency.Transactions)
}

func TestCoordinate_LowEfficiencyNudgesEveryone(t *testing.T) {
	o := New(Options{EfficiencyFloor: 0.9})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)

	res := o.Coordinate(context.Background())
	require.NotEmpty(t, res.Anomalies)
	assert.Equal(t, AnomalyLowEfficiency, res.Anomalies[0].Kind)
	processAll(o)
	assert.Equal(t, 1, countNotices(mustEndpoint(t, o, "b"), protocol.KindMarketInfo, protocol.TopicParticipationIncentive))
}

func TestCoordinate_NoticesDoNotCountAsParticipation(t *testing.T) {
	o := New(Options{EfficiencyFloor: 0.9})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)

	res := o.Coordinate(context.Background())
	assert.Equal(t, 0.0, res.Efficiency.Participation)
	b := mustEndpoint(t, o, "b")
	require.Greater(t, b.Stats().Received, uint64(0), "incentive notice delivered")
	assert.Equal(t, uint64(0), b.Stats().PeerReceived)

	res = o.Coordinate(context.Background())
	assert.Equal(t, 0.0, res.Efficiency.Participation, "a notice is not activity")

	mustEndpoint(t, o, "a").Send("b", protocol.KindKnowledgeShare, nil, endpoint.SendOpts{})
	res = o.Coordinate(context.Background())
	assert.Equal(t, 1.0, res.Efficiency.Participation)
	assert.Equal(t, uint64(1), b.Stats().PeerReceived)
}

func TestCoordinate_ConcentrationTriggersDiversification(t *testing.T) {
	o := New(Options{})
	o.Register("loud", protocol.RoleOther, nil)
	o.Register("quiet", protocol.RoleOther, nil)
	loud := mustEndpoint(t, o, "loud")
	for i := 0; i < 25; i++ {
		loud.Send("quiet", protocol.KindKnowledgeShare, protocol.Payload{"i": i}, endpoint.SendOpts{})
	}

	res := o.Coordinate(context.Background())
	var kinds []AnomalyKind
	for _, a := range res.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, AnomalyConcentration)
	processAll(o)
	assert.Equal(t, 1, countNotices(loud, protocol.KindMarketInfo, protocol.TopicDiversification))
}

func TestCoordinate_AsymmetryTriggersTransparency(t *testing.T) {
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		return Snapshot{
			Prices:     map[string]float64{"wheat": 100, "salt": 12},
			CyclePhase: PhasePeak,
			Liquidity:  0.6,
		}, nil
	})
	o := New(Options{Provider: provider})
	o.Register("hub", protocol.RoleOther, nil)
	for i := 0; i < 9; i++ {
		o.Register(fmt.Sprintf("p%d", i), protocol.RoleOther, nil)
	}
	hub := mustEndpoint(t, o, "hub")
	for i := 0; i < 9; i++ {
		hub.Send(fmt.Sprintf("p%d", i), protocol.KindMarketInfo, nil, endpoint.SendOpts{})
	}

	res := o.Coordinate(context.Background())
	var asym *Anomaly
	for i := range res.Anomalies {
		if res.Anomalies[i].Kind == AnomalyAsymmetry {
			asym = &res.Anomalies[i]
		}
	}
	require.NotNil(t, asym)
	assert.InDelta(t, 2.4/1.9, asym.Value, 1e-9)

	processAll(o)
	var notice *endpoint.Notice
	for _, n := range mustEndpoint(t, o, "p3").Notices() {
		if n.Topic == protocol.TopicTransparency {
			notice = &n
		}
	}
	require.NotNil(t, notice)
	assert.Equal(t, protocol.SystemSender, notice.From)
	market := notice.Payload.Map(protocol.KeyMarket)
	require.NotNil(t, market)
	assert.Equal(t, map[string]float64{"wheat": 100, "salt": 12}, market["prices"])
	assert.Equal(t, map[string]float64{"wheat": 0, "salt": 0}, market["trends"])
	assert.Equal(t, map[string]float64{"wheat": 0, "salt": 0}, market["volatility"])
	assert.Equal(t, uint64(1), market["cycle"])
	assert.Equal(t, string(PhasePeak), market["cycle_phase"])
	assert.Equal(t, 0.6, market["liquidity"])
	assert.InDelta(t, 0.1, market["systemic_risk"], 1e-9, "ten agents, shallow history")
}

func TestCoordinate_PublishesMarketIndicators(t *testing.T) {
	step := 0
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		step++
		price := 90.0
		if step%2 == 0 {
			price = 110
		}
		snap := Snapshot{Prices: map[string]float64{"wheat": price}}
		if step == 7 {
			snap.CyclePhase = PhaseTrough
			snap.Liquidity = 5
			snap.SystemicRisk = 0.42
		}
		return snap, nil
	})
	o := New(Options{Provider: provider})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)

	m := o.Market()
	assert.Equal(t, PhaseExpansion, m.CyclePhase)
	assert.Equal(t, 1.0, m.Liquidity)

	for i := 0; i < 5; i++ {
		o.Coordinate(context.Background())
	}
	m = o.Market()
	assert.Equal(t, PhaseExpansion, m.CyclePhase)
	assert.Equal(t, 1.0, m.Liquidity)
	assert.InDelta(t, 0.3, m.SystemicRisk, 1e-9, "thin market, history too short for volatility")

	o.Coordinate(context.Background())
	m = o.Market()
	want := 0.3 + volatility([]float64{110, 90, 110, 90, 110})
	assert.InDelta(t, want, m.SystemicRisk, 1e-9)

	o.Coordinate(context.Background())
	m = o.Market()
	assert.Equal(t, PhaseTrough, m.CyclePhase)
	assert.Equal(t, 1.0, m.Liquidity, "clamped")
	assert.Equal(t, 0.42, m.SystemicRisk)
}

func TestCoordinate_RouteBudgetDefersRemainder(t *testing.T) {
	o := New(Options{RouteBatch: 5})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)
	a := mustEndpoint(t, o, "a")
	for i := 0; i < 8; i++ {
		a.Send("b", protocol.KindKnowledgeShare, nil, endpoint.SendOpts{})
	}

	res := o.Coordinate(context.Background())
	assert.Equal(t, 5, res.Routed)
	assert.Equal(t, 3, res.Deferred)

	res = o.Coordinate(context.Background())
	assert.Equal(t, 3, res.Routed)
	assert.Equal(t, 8, mustEndpoint(t, o, "b").Stats().InboundDepth)
}

func TestCoordinate_StepFailureDoesNotStopCycle(t *testing.T) {
	calls := 0
	provider := ProviderFunc(func(context.Context) (Snapshot, error) {
		calls++
		if calls == 1 {
			panic("feed exploded")
		}
		return Snapshot{}, errors.New("feed offline")
	})
	o := New(Options{Provider: provider})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)
	mustEndpoint(t, o, "a").Send("b", protocol.KindKnowledgeShare, nil, endpoint.SendOpts{})

	res := o.Coordinate(context.Background())
	assert.Contains(t, res.StepErrors[StepRefresh], "feed exploded")
	assert.Equal(t, 1, res.Routed)

	res = o.Coordinate(context.Background())
	assert.Contains(t, res.StepErrors[StepRefresh], "feed offline")
	assert.Equal(t, uint64(2), o.Stats().Cycles)
}

func TestCoordinate_JournalsCycles(t *testing.T) {
	j := &fakeJournal{}
	var cycles []CycleResult
	o := New(Options{Journal: j, OnCycle: func(r CycleResult) { cycles = append(cycles, r) }})
	o.Register("a", protocol.RoleOther, nil)
	o.Register("b", protocol.RoleOther, nil)
	mustEndpoint(t, o, "a").BroadcastSignal("opportunity", "salt", 0.2, nil, protocol.ScopeLocal)

	o.Coordinate(context.Background())
	o.Coordinate(context.Background())

	require.Len(t, j.cycles, 2)
	assert.Equal(t, uint64(2), j.cycles[1].Cycle)
	require.Len(t, j.messages, 1)
	assert.Equal(t, OutcomeBroadcast, j.messages[0].Outcome)
	assert.Equal(t, 1, j.messages[0].Recipients)
	assert.Len(t, cycles, 2)
	assert.Greater(t, o.Stats().AvgCycleTime, time.Duration(0))
}

func TestRun_StartsAndStopsEndpoints(t *testing.T) {
	o := New(Options{Interval: 5 * time.Millisecond, Endpoint: endpoint.Options{PopTimeout: 5 * time.Millisecond}})
	o.Register("a", protocol.RoleOther, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, o.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, o.Run(ctx), ErrAlreadyRunning)

	o.Register("b", protocol.RoleOther, nil)
	b := mustEndpoint(t, o, "b")
	require.Eventually(t, b.Running, time.Second, time.Millisecond)

	mustEndpoint(t, o, "a").Send("b", protocol.KindRiskAlert, protocol.Payload{"level": "low"}, endpoint.SendOpts{})
	require.Eventually(t, func() bool { return b.Stats().Processed >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, o.Running())
	assert.False(t, b.Running())
	assert.Greater(t, o.Stats().Cycles, uint64(0))
}

func TestRun_DeregisterDuringRegisterLeavesLoopStopped(t *testing.T) {
	o := New(Options{Interval: time.Hour, Endpoint: endpoint.Options{PopTimeout: time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, o.Running, time.Second, time.Millisecond)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("a%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			o.Register(id, protocol.RoleOther, nil)
		}()
		go func() {
			defer wg.Done()
			for !o.Deregister(id) {
				runtime.Gosched()
			}
		}()
		wg.Wait()
		assert.False(t, mustEndpoint(t, o, id).Running(), "agent %s", id)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSenderWindow_HHI(t *testing.T) {
	w := newSenderWindow(4)
	assert.Equal(t, 0.0, w.hhi())
	for _, s := range []string{"a", "a", "b", "b"} {
		w.add(s)
	}
	assert.InDelta(t, 0.5, w.hhi(), 1e-9)
	w.add("a")
	w.add("a")
	assert.Equal(t, 4, w.len())
	assert.InDelta(t, 0.5, w.hhi(), 1e-9, "window holds b, b, a, a")
	w.add("a")
	w.add("a")
	assert.InDelta(t, 1.0, w.hhi(), 1e-9)
}

func TestMarketMath(t *testing.T) {
	assert.InDelta(t, 2.0, slope([]float64{1, 3, 5, 7}), 1e-9)
	assert.Equal(t, 0.0, slope([]float64{5}))
	assert.Equal(t, 0.0, volatility([]float64{10, 10, 10}))
	assert.InDelta(t, 0.5, volatility([]float64{5, 15}), 1e-9)
	assert.Equal(t, 0.0, asymmetryRatio([]float64{3}))

	history := []Snapshot{
		{Prices: map[string]float64{"a": 10, "b": 10}},
		{Prices: map[string]float64{"a": 10, "b": 10}},
		{Prices: map[string]float64{"a": 10, "b": 10}},
		{Prices: map[string]float64{"a": 10}},
		{Prices: map[string]float64{"a": 10, "b": 30}},
	}
	assert.Equal(t, []string{"b"}, manipulatedGoods(history, 10, 4, 0.5))
	assert.Empty(t, manipulatedGoods(history, 10, 5, 0.5), "b has only four points")
}
