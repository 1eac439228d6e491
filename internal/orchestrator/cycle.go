package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Cycle step names, used as keys of CycleResult.StepErrors.
const (
	StepRefresh    = "refresh-market"
	StepRoute      = "route"
	StepMediate    = "mediate"
	StepAlliances  = "promote-alliances"
	StepSignals    = "propagate-signals"
	StepEfficiency = "efficiency"
	StepAnomalies  = "anomalies"
)

// Routing outcomes recorded in the journal.
const (
	OutcomeDelivered = "delivered"
	OutcomeBroadcast = "broadcast"
	OutcomeDropped   = "dropped"
)

// RoutedMessage is one journal entry produced by the routing step.
type RoutedMessage struct {
	Message    *protocol.Message
	Outcome    string
	Recipients int
	Reason     string
}

// Efficiency is the composite market efficiency of one cycle.
type Efficiency struct {
	Score          float64 `json:"score"`
	Participation  float64 `json:"participation"`
	PriceStability float64 `json:"price_stability"`
	Transactions   float64 `json:"transactions"`
}

// CycleResult summarizes one Coordinate call.
type CycleResult struct {
	Cycle               uint64            `json:"cycle"`
	StartedAt           time.Time         `json:"started_at"`
	Duration            time.Duration     `json:"duration_ns"`
	Routed              int               `json:"routed"`
	Dropped             int               `json:"dropped"`
	Deferred            int               `json:"deferred"`
	Mediations          int               `json:"mediations"`
	Suggestions         int               `json:"suggestions"`
	AllianceSuggestions int               `json:"alliance_suggestions"`
	SignalsPropagated   int               `json:"signals_propagated"`
	Efficiency          Efficiency        `json:"efficiency"`
	Anomalies           []Anomaly         `json:"anomalies"`
	StepErrors          map[string]string `json:"step_errors,omitempty"`
}

// Coordinate runs one coordination cycle. Every step runs even when an
// earlier one fails; failures are logged and reported in StepErrors.
func (o *Orchestrator) Coordinate(ctx context.Context) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.cycle++
	start := o.opts.Now()
	res := CycleResult{Cycle: o.cycle, StartedAt: start}
	reg := o.reg.Load()

	o.step(&res, StepRefresh, func() error { return o.refreshMarket(ctx, reg) })
	o.step(&res, StepRoute, func() error { return o.route(ctx, reg, &res) })
	o.step(&res, StepMediate, func() error { return o.mediate(reg, &res) })
	o.step(&res, StepAlliances, func() error { return o.promoteAlliances(reg, &res) })
	o.step(&res, StepSignals, func() error { return o.propagateSignals(reg, &res) })
	o.step(&res, StepEfficiency, func() error { return o.measureEfficiency(reg, &res) })
	o.step(&res, StepAnomalies, func() error { return o.detectAnomalies(reg, &res) })

	res.Duration = o.opts.Now().Sub(start)
	o.finishCycle(ctx, &res)
	return res
}

func (o *Orchestrator) step(res *CycleResult, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.stepFailed(res, name, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		o.stepFailed(res, name, err)
	}
}

func (o *Orchestrator) stepFailed(res *CycleResult, name string, err error) {
	if res.StepErrors == nil {
		res.StepErrors = make(map[string]string)
	}
	res.StepErrors[name] = err.Error()
	o.log.Warn("orchestrator: cycle step failed", "cycle", res.Cycle, "step", name, "error", err)
}

// refreshMarket pulls a snapshot and republishes the derived market state.
func (o *Orchestrator) refreshMarket(ctx context.Context, reg *registry) error {
	if o.opts.Provider == nil {
		return nil
	}
	snap, err := o.opts.Provider.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if snap.At.IsZero() {
		snap.At = o.opts.Now()
	}
	o.history = append(o.history, snap)
	if over := len(o.history) - o.opts.HistorySize; over > 0 {
		o.history = append([]Snapshot(nil), o.history[over:]...)
	}
	o.market.Store(deriveState(o.history, o.cycle, len(reg.active())))
	return nil
}

// route drains outbound queues into inboxes, up to RouteBatch messages per
// cycle. The starting agent rotates so no sender monopolizes the budget.
func (o *Orchestrator) route(ctx context.Context, reg *registry, res *CycleResult) error {
	active := reg.active()
	if len(active) == 0 {
		return nil
	}
	budget := o.opts.RouteBatch
	offset := int(o.cycle % uint64(len(active)))
	var journal []RoutedMessage

	for i := range active {
		src := active[(offset+i)%len(active)]
		if budget <= 0 {
			res.Deferred += src.ep.Stats().OutboundDepth
			continue
		}
		msgs := src.ep.TakeOutbound(budget)
		budget -= len(msgs)
		if len(msgs) > 0 {
			src.activity.Store(o.opts.Now().UnixNano())
		}
		if budget <= 0 {
			res.Deferred += src.ep.Stats().OutboundDepth
		}
		for _, m := range msgs {
			o.senders.add(m.Sender)
			entry := o.deliver(reg, active, m, res)
			if o.opts.Journal != nil {
				journal = append(journal, entry)
			}
		}
	}

	if len(journal) > 0 {
		if err := o.opts.Journal.RecordMessages(ctx, journal); err != nil {
			return fmt.Errorf("journal messages: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) deliver(reg *registry, active []*agentEntry, m *protocol.Message, res *CycleResult) RoutedMessage {
	if m.IsBroadcast() {
		n := 0
		for _, dst := range active {
			if dst.reg.AgentID == m.Sender {
				continue
			}
			if dst.ep.Receive(m.Copy(dst.reg.AgentID)) {
				n++
				res.Routed++
			} else {
				res.Dropped++
			}
		}
		return RoutedMessage{Message: m, Outcome: OutcomeBroadcast, Recipients: n}
	}

	dst, ok := reg.agents[m.Recipient]
	switch {
	case !ok:
		res.Dropped++
		o.log.Debug("orchestrator: unknown recipient", "id", m.ID, "recipient", m.Recipient)
		return RoutedMessage{Message: m, Outcome: OutcomeDropped, Reason: "unknown-recipient"}
	case !dst.reg.Active:
		res.Dropped++
		return RoutedMessage{Message: m, Outcome: OutcomeDropped, Reason: "inactive-recipient"}
	case !dst.ep.Receive(m):
		res.Dropped++
		return RoutedMessage{Message: m, Outcome: OutcomeDropped, Reason: "refused"}
	}
	res.Routed++
	return RoutedMessage{Message: m, Outcome: OutcomeDelivered, Recipients: 1}
}

// mediate suggests the midpoint of the bounds to both sides of every owned
// negotiation that has dragged past MediationRounds. Each round count is
// mediated at most once.
func (o *Orchestrator) mediate(reg *registry, res *CycleResult) error {
	seen := make(map[string]struct{})
	for _, owner := range reg.active() {
		for _, n := range owner.ep.Negotiations() {
			if n.Owner != owner.reg.AgentID || n.State != protocol.NegotiationActive {
				continue
			}
			seen[n.ID] = struct{}{}
			if n.RoundCount <= o.opts.MediationRounds || o.mediated[n.ID] == n.RoundCount {
				continue
			}
			o.mediated[n.ID] = n.RoundCount
			suggested := (n.FloorPrice + n.CeilingPrice) / 2
			for _, pid := range n.Participants {
				p, ok := reg.agents[pid]
				if !ok || !p.reg.Active {
					continue
				}
				o.notify(p, protocol.KindMarketInfo, protocol.Payload{
					protocol.KeyTopic:          protocol.TopicMediation,
					protocol.KeyNegotiationID:  n.ID,
					protocol.KeySuggestedPrice: suggested,
					protocol.KeyRound:          n.RoundCount,
					protocol.KeyGood:           n.Good,
				}, protocol.PriorityHigh)
			}
			res.Mediations++
			o.log.Info("orchestrator: mediating negotiation", "negotiation", n.ID, "rounds", n.RoundCount, "suggested", suggested)
		}
	}
	for id := range o.mediated {
		if _, ok := seen[id]; !ok {
			delete(o.mediated, id)
		}
	}
	o.suggestNegotiations(reg, res)
	return nil
}

// SuggestionOrigin marks price proposals the orchestrator staged on a
// firm's behalf.
const SuggestionOrigin = "orchestrator-suggestion"

// suggestNegotiations pairs a firm with a consumer for each priced good and
// has the firm propose one unit at the market price. Pairs rotate with the
// cycle so every firm and consumer gets a turn.
func (o *Orchestrator) suggestNegotiations(reg *registry, res *CycleResult) {
	if o.opts.SuggestionLimit < 0 {
		return
	}
	var firms, consumers []*agentEntry
	for _, e := range reg.active() {
		switch e.reg.Role {
		case protocol.RoleFirm:
			firms = append(firms, e)
		case protocol.RoleConsumer:
			consumers = append(consumers, e)
		}
	}
	if len(firms) == 0 || len(consumers) == 0 {
		return
	}
	market := o.market.Load()
	for i, good := range market.GoodNames() {
		if res.Suggestions >= o.opts.SuggestionLimit {
			break
		}
		g := market.Goods[good]
		if g.Price <= 0 {
			continue
		}
		k := int(o.cycle) + i
		seller := firms[k%len(firms)]
		buyer := consumers[k%len(consumers)]
		seller.ep.Send(buyer.reg.AgentID, protocol.KindPriceProposal, protocol.Payload{
			protocol.KeyGood:          good,
			protocol.KeyQuantity:      1,
			protocol.KeyProposedPrice: g.Price,
			protocol.KeyOrigin:        SuggestionOrigin,
		}, endpoint.SendOpts{Priority: protocol.PriorityNormal})
		res.Suggestions++
	}
	if res.Suggestions > 0 {
		o.log.Debug("orchestrator: suggested negotiations", "cycle", res.Cycle, "count", res.Suggestions)
	}
}

// promoteAlliances suggests a joint-purchase alliance to idle consumers and
// a price-defense alliance to idle firms. The first agent of each group
// leads and receives the suggestion.
func (o *Orchestrator) promoteAlliances(reg *registry, res *CycleResult) error {
	now := o.opts.Now()
	var consumers, firms []*agentEntry
	for _, e := range reg.active() {
		if e.ep.ActiveAlliances() > 0 {
			continue
		}
		if at, ok := o.suggested[e.reg.AgentID]; ok && now.Sub(at) < o.opts.AllianceCooldown {
			continue
		}
		switch e.reg.Role {
		case protocol.RoleConsumer:
			consumers = append(consumers, e)
		case protocol.RoleFirm:
			firms = append(firms, e)
		}
	}

	if len(consumers) >= 3 {
		o.suggestAlliance(consumers[:3], protocol.AllianceJointPurchase,
			"reduce costs via group purchase", o.opts.JointPurchaseDuration, now)
		res.AllianceSuggestions++
	}
	if len(firms) >= 2 {
		o.suggestAlliance(firms[:2], protocol.AlliancePriceDefense,
			"defend prices against dumping", o.opts.PriceDefenseDuration, now)
		res.AllianceSuggestions++
	}

	for id, at := range o.suggested {
		if now.Sub(at) >= o.opts.AllianceCooldown {
			delete(o.suggested, id)
		}
	}
	return nil
}

func (o *Orchestrator) suggestAlliance(group []*agentEntry, kind protocol.AllianceKind, goal string, d time.Duration, now time.Time) {
	leader := group[0]
	var members []string
	for _, e := range group[1:] {
		members = append(members, e.reg.AgentID)
	}
	for _, e := range group {
		o.suggested[e.reg.AgentID] = now
	}
	o.notify(leader, protocol.KindMarketInfo, protocol.Payload{
		protocol.KeyTopic:        protocol.TopicAllianceSuggestion,
		protocol.KeyAllianceKind: string(kind),
		protocol.KeyMembers:      members,
		protocol.KeyGoal:         goal,
		protocol.KeyDuration:     d.Seconds(),
	}, protocol.PriorityNormal)
	o.log.Info("orchestrator: alliance suggested", "kind", string(kind), "leader", leader.reg.AgentID, "members", strings.Join(members, ","))
}

// propagateSignals re-delivers the newest strong signals to every active
// agent with global scope. Each signal is propagated once.
func (o *Orchestrator) propagateSignals(reg *registry, res *CycleResult) error {
	now := o.opts.Now()
	active := reg.active()
	var candidates []protocol.MarketSignal
	for _, e := range active {
		for _, s := range e.ep.EmittedSignals() {
			if _, done := o.propagated[s.ID]; done {
				continue
			}
			if s.Confidence > o.opts.SignalMinConfidence && s.Intensity > o.opts.SignalMinIntensity {
				candidates = append(candidates, s)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.After(candidates[j].CreatedAt) })
	if len(candidates) > o.opts.SignalBatch {
		candidates = candidates[:o.opts.SignalBatch]
	}

	for _, s := range candidates {
		o.propagated[s.ID] = now
		s.Scope = protocol.ScopeGlobal
		payload := protocol.Payload(s.ToMap())
		for _, dst := range active {
			if dst.reg.AgentID == s.Emitter {
				continue
			}
			m := protocol.NewMessage(now, protocol.SystemSender, dst.reg.AgentID, protocol.KindMarketSignal, payload.Clone(), protocol.PriorityHigh)
			m.Channel = protocol.SignalChannel
			dst.ep.Receive(m)
		}
		res.SignalsPropagated++
	}

	for id, at := range o.propagated {
		if now.Sub(at) > 2*protocol.SignalTTL {
			delete(o.propagated, id)
		}
	}
	return nil
}

// measureEfficiency scores participation, price stability and negotiation
// success, and nudges every agent when the score falls below the floor.
func (o *Orchestrator) measureEfficiency(reg *registry, res *CycleResult) error {
	active := reg.active()
	eff := Efficiency{PriceStability: 0.5, Transactions: 0.5}

	var participating, converged, owned int
	seen := make(map[string]struct{}, len(active))
	for _, e := range active {
		id := e.reg.AgentID
		seen[id] = struct{}{}
		st := e.ep.Stats()
		// Orchestrator notices are not participation.
		traffic := st.Sent + st.PeerReceived
		if traffic > o.lastTraffic[id] {
			participating++
		}
		o.lastTraffic[id] = traffic
		for state, n := range st.OwnedByState {
			owned += n
			if state == protocol.NegotiationConverged.String() {
				converged += n
			}
		}
	}
	for id := range o.lastTraffic {
		if _, ok := seen[id]; !ok {
			delete(o.lastTraffic, id)
		}
	}

	if len(active) > 0 {
		eff.Participation = float64(participating) / float64(len(active))
	}
	if len(o.history) >= trendWindow {
		if vol, ok := o.market.Load().MeanVolatility(); ok {
			eff.PriceStability = math.Max(0, 1-vol)
		}
	}
	if owned > 0 {
		eff.Transactions = float64(converged) / float64(owned)
	}
	eff.Score = 0.3*eff.Participation + 0.4*eff.PriceStability + 0.3*eff.Transactions
	res.Efficiency = eff

	if eff.Score < o.opts.EfficiencyFloor && len(active) > 0 {
		for _, e := range active {
			o.notify(e, protocol.KindMarketInfo, protocol.Payload{
				protocol.KeyTopic:  protocol.TopicParticipationIncentive,
				protocol.KeyDetail: map[string]any{"efficiency": eff.Score},
			}, protocol.PriorityNormal)
		}
		o.addAnomaly(res, Anomaly{
			Kind:      AnomalyLowEfficiency,
			Severity:  SeverityInfo,
			Value:     eff.Score,
			Threshold: o.opts.EfficiencyFloor,
			Detail:    fmt.Sprintf("market efficiency %.2f below %.2f", eff.Score, o.opts.EfficiencyFloor),
		})
	}
	return nil
}

// detectAnomalies checks traffic concentration, information asymmetry and
// price manipulation, and issues the matching corrective notices.
func (o *Orchestrator) detectAnomalies(reg *registry, res *CycleResult) error {
	active := reg.active()

	if o.senders.len() >= o.opts.ConcentrationMinSample {
		if h := o.senders.hhi(); h > o.opts.ConcentrationThreshold {
			for _, e := range active {
				o.notify(e, protocol.KindMarketInfo, protocol.Payload{
					protocol.KeyTopic:  protocol.TopicDiversification,
					protocol.KeyDetail: map[string]any{"hhi": h},
				}, protocol.PriorityNormal)
			}
			o.addAnomaly(res, Anomaly{
				Kind:      AnomalyConcentration,
				Severity:  SeverityWarning,
				Value:     h,
				Threshold: o.opts.ConcentrationThreshold,
				Detail:    fmt.Sprintf("message concentration HHI %.2f over last %d messages", h, o.senders.len()),
			})
		}
	}

	facts := make([]float64, 0, len(active))
	for _, e := range active {
		st := e.ep.Stats()
		facts = append(facts, float64(st.KnownContacts+st.SignalHistory))
	}
	if ratio := asymmetryRatio(facts); ratio > o.opts.AsymmetryThreshold {
		market := o.market.Load()
		for _, e := range active {
			o.notify(e, protocol.KindMarketInfo, protocol.Payload{
				protocol.KeyTopic:  protocol.TopicTransparency,
				protocol.KeyDetail: map[string]any{"asymmetry": ratio},
				protocol.KeyMarket: marketReport(market),
			}, protocol.PriorityHigh)
		}
		o.addAnomaly(res, Anomaly{
			Kind:      AnomalyAsymmetry,
			Severity:  SeverityWarning,
			Value:     ratio,
			Threshold: o.opts.AsymmetryThreshold,
			Detail:    fmt.Sprintf("information asymmetry %.2f across %d agents", ratio, len(facts)),
		})
	}

	// A jump stays inside the window for several cycles; flag it once.
	var goods []string
	for _, g := range manipulatedGoods(o.history, o.opts.ManipulationWindow, o.opts.ManipulationMinPoints, o.opts.ManipulationRatio) {
		if last, ok := o.manipulated[g]; ok && res.Cycle-last < uint64(o.opts.ManipulationWindow) {
			continue
		}
		o.manipulated[g] = res.Cycle
		goods = append(goods, g)
	}
	if len(goods) > 0 {
		for _, e := range active {
			o.notify(e, protocol.KindRiskAlert, protocol.Payload{
				protocol.KeyTopic: protocol.TopicPriceManipulation,
				protocol.KeyGoods: goods,
			}, protocol.PriorityCritical)
		}
		o.addAnomaly(res, Anomaly{
			Kind:      AnomalyPriceManipulation,
			Severity:  SeverityCritical,
			Threshold: o.opts.ManipulationRatio,
			Goods:     goods,
			Detail:    fmt.Sprintf("possible price manipulation in %s", strings.Join(goods, ", ")),
		})
	}
	return nil
}

// marketReport flattens the published market state into the aggregate
// view shared with every agent when information is unevenly spread.
func marketReport(m *MarketState) map[string]any {
	prices := make(map[string]float64, len(m.Goods))
	trends := make(map[string]float64, len(m.Goods))
	vol := make(map[string]float64, len(m.Goods))
	for name, g := range m.Goods {
		prices[name] = g.Price
		trends[name] = g.Trend
		vol[name] = g.Volatility
	}
	return map[string]any{
		"prices":        prices,
		"trends":        trends,
		"volatility":    vol,
		"cycle":         m.Cycle,
		"cycle_phase":   string(m.CyclePhase),
		"liquidity":     m.Liquidity,
		"systemic_risk": m.SystemicRisk,
	}
}

func (o *Orchestrator) addAnomaly(res *CycleResult, a Anomaly) {
	a.Cycle = res.Cycle
	a.At = o.opts.Now()
	res.Anomalies = append(res.Anomalies, a)
	o.log.Warn("orchestrator: anomaly detected", "kind", string(a.Kind), "severity", string(a.Severity), "value", a.Value, "detail", a.Detail)
}

// finishCycle updates running stats, records the cycle and fans anomalies
// out to the configured hooks.
func (o *Orchestrator) finishCycle(ctx context.Context, res *CycleResult) {
	o.statsMu.Lock()
	st := &o.stats
	st.Cycles = res.Cycle
	if st.AvgCycleTime == 0 {
		st.AvgCycleTime = res.Duration
	} else {
		st.AvgCycleTime = time.Duration(0.9*float64(st.AvgCycleTime) + 0.1*float64(res.Duration))
	}
	st.MessagesRouted += uint64(res.Routed)
	st.MessagesDropped += uint64(res.Dropped)
	st.MessagesDeferred += uint64(res.Deferred)
	st.AnomaliesDetected += uint64(len(res.Anomalies))
	st.LastEfficiency = res.Efficiency
	st.LastCycleAt = res.StartedAt
	summary := *st
	o.statsMu.Unlock()

	o.inst.recordCycle(ctx, res)

	if j := o.opts.Journal; j != nil {
		for _, a := range res.Anomalies {
			if err := j.RecordAnomaly(ctx, a); err != nil {
				o.log.Warn("orchestrator: journal anomaly", "error", err)
			}
		}
		if err := j.RecordCycle(ctx, *res); err != nil {
			o.log.Warn("orchestrator: journal cycle", "error", err)
		}
	}
	if o.opts.OnAnomaly != nil {
		for _, a := range res.Anomalies {
			o.opts.OnAnomaly(a)
		}
	}
	if o.opts.OnCycle != nil {
		o.opts.OnCycle(*res)
	}

	if res.Cycle%o.opts.SummaryEvery == 0 {
		o.log.Info("orchestrator: cycle summary",
			"cycles", summary.Cycles,
			"avg_cycle", summary.AvgCycleTime.String(),
			"routed", summary.MessagesRouted,
			"dropped", summary.MessagesDropped,
			"anomalies", summary.AnomaliesDetected,
			"efficiency", res.Efficiency.Score)
	}
}
