// Package orchestrator owns the agent registry, the market-state cache and
// the periodic coordination cycle that routes traffic between endpoints,
// mediates stalled negotiations, promotes alliances, propagates trusted
// signals and corrects market-level anomalies.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
	"github.com/xChokes/mercado-sub000/internal/telemetry"
)

// ErrAlreadyRunning is returned by Run when a run loop is active.
var ErrAlreadyRunning = errors.New("orchestrator: already running")

// Journal receives the audit trail of each cycle. Implementations must be
// safe for use from the cycle goroutine and from Register/Deregister.
type Journal interface {
	RecordMessages(ctx context.Context, msgs []RoutedMessage) error
	RecordAnomaly(ctx context.Context, a Anomaly) error
	RecordCycle(ctx context.Context, r CycleResult) error
	RecordAgent(ctx context.Context, reg protocol.Registration) error
}

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Interval    time.Duration
	RouteBatch  int
	HistorySize int

	MediationRounds int
	EfficiencyFloor float64

	// SuggestionLimit caps the firm-to-consumer price proposals staged per
	// cycle. Zero means 5; a negative value turns suggestions off.
	SuggestionLimit int

	ConcentrationThreshold float64
	ConcentrationWindow    int
	ConcentrationMinSample int
	AsymmetryThreshold     float64
	ManipulationWindow     int
	ManipulationMinPoints  int
	ManipulationRatio      float64

	SignalMinConfidence float64
	SignalMinIntensity  float64
	SignalBatch         int

	AllianceCooldown      time.Duration
	JointPurchaseDuration time.Duration
	PriceDefenseDuration  time.Duration

	SummaryEvery uint64

	// Endpoint is the template applied to every registered agent.
	// EndpointFor, when set, may adjust it per agent.
	Endpoint    endpoint.Options
	EndpointFor func(id string, role protocol.Role, base endpoint.Options) endpoint.Options

	Provider  Provider
	Journal   Journal
	OnAnomaly func(Anomaly)
	OnCycle   func(CycleResult)
	Meter     metric.Meter

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.RouteBatch <= 0 {
		o.RouteBatch = 1000
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	if o.MediationRounds <= 0 {
		o.MediationRounds = 5
	}
	if o.SuggestionLimit == 0 {
		o.SuggestionLimit = 5
	}
	if o.EfficiencyFloor <= 0 {
		o.EfficiencyFloor = 0.3
	}
	if o.ConcentrationThreshold <= 0 {
		o.ConcentrationThreshold = 0.7
	}
	if o.ConcentrationWindow <= 0 {
		o.ConcentrationWindow = 1000
	}
	if o.ConcentrationMinSample <= 0 {
		o.ConcentrationMinSample = 20
	}
	if o.AsymmetryThreshold <= 0 {
		o.AsymmetryThreshold = 1.0
	}
	if o.ManipulationWindow <= 0 {
		o.ManipulationWindow = 10
	}
	if o.ManipulationMinPoints <= 0 {
		o.ManipulationMinPoints = 5
	}
	if o.ManipulationRatio <= 0 {
		o.ManipulationRatio = 0.5
	}
	if o.SignalMinConfidence <= 0 {
		o.SignalMinConfidence = 0.6
	}
	if o.SignalMinIntensity <= 0 {
		o.SignalMinIntensity = 0.5
	}
	if o.SignalBatch <= 0 {
		o.SignalBatch = 10
	}
	if o.AllianceCooldown <= 0 {
		o.AllianceCooldown = 10 * time.Minute
	}
	if o.JointPurchaseDuration <= 0 {
		o.JointPurchaseDuration = 15 * 24 * time.Hour
	}
	if o.PriceDefenseDuration <= 0 {
		o.PriceDefenseDuration = 20 * 24 * time.Hour
	}
	if o.SummaryEvery == 0 {
		o.SummaryEvery = 100
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Meter == nil {
		o.Meter = telemetry.Meter("github.com/xChokes/mercado-sub000/internal/orchestrator")
	}
	if o.Endpoint.Logger == nil {
		o.Endpoint.Logger = o.Logger
	}
	if o.Endpoint.Now == nil {
		o.Endpoint.Now = o.Now
	}
}

type agentEntry struct {
	reg      protocol.Registration
	ep       *endpoint.Endpoint
	activity *atomic.Int64 // unix nanos of the last routed message
}

// registry is immutable once published; writers copy it.
type registry struct {
	order  []string
	agents map[string]*agentEntry
}

func (r *registry) clone() *registry {
	c := &registry{
		order:  slices.Clone(r.order),
		agents: make(map[string]*agentEntry, len(r.agents)),
	}
	for k, v := range r.agents {
		c.agents[k] = v
	}
	return c
}

func (r *registry) active() []*agentEntry {
	out := make([]*agentEntry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.agents[id]; e.reg.Active {
			out = append(out, e)
		}
	}
	return out
}

// Orchestrator coordinates a set of endpoints.
type Orchestrator struct {
	opts Options
	log  *slog.Logger
	inst *instruments

	regMu  sync.Mutex // serializes registry writers
	reg    atomic.Pointer[registry]
	market atomic.Pointer[MarketState]

	// cycleMu serializes Coordinate; the fields below it are only touched
	// while holding it.
	cycleMu     sync.Mutex
	cycle       uint64
	history     []Snapshot
	senders     *senderWindow
	mediated    map[string]int
	suggested   map[string]time.Time
	propagated  map[string]time.Time
	lastTraffic map[string]uint64
	manipulated map[string]uint64 // good -> cycle it was last flagged

	statsMu sync.Mutex
	stats   Stats

	lifeMu  sync.Mutex
	runCtx  context.Context
	running bool
}

// New creates an orchestrator with no registered agents.
func New(opts Options) *Orchestrator {
	opts.applyDefaults()
	o := &Orchestrator{
		opts:        opts,
		log:         opts.Logger,
		senders:     newSenderWindow(opts.ConcentrationWindow),
		mediated:    make(map[string]int),
		suggested:   make(map[string]time.Time),
		propagated:  make(map[string]time.Time),
		lastTraffic: make(map[string]uint64),
		manipulated: make(map[string]uint64),
	}
	o.reg.Store(&registry{agents: make(map[string]*agentEntry)})
	o.market.Store(deriveState(nil, 0, 0))
	inst, err := newInstruments(opts.Meter, o)
	if err != nil {
		o.log.Warn("orchestrator: metrics disabled", "error", err)
	}
	o.inst = inst
	return o
}

// Register adds an agent and creates its endpoint. It returns false when the
// id is empty or already registered, active or not.
func (o *Orchestrator) Register(id string, role protocol.Role, capabilities []string) bool {
	if id == "" || id == protocol.SystemSender || id == protocol.Broadcast {
		return false
	}
	if role == "" {
		role = protocol.RoleOther
	}
	now := o.opts.Now()

	o.regMu.Lock()
	cur := o.reg.Load()
	if _, exists := cur.agents[id]; exists {
		o.regMu.Unlock()
		return false
	}
	epOpts := o.opts.Endpoint
	epOpts.Role = role
	if o.opts.EndpointFor != nil {
		epOpts = o.opts.EndpointFor(id, role, epOpts)
		epOpts.Role = role
	}
	entry := &agentEntry{
		reg: protocol.Registration{
			AgentID:      id,
			Role:         role,
			Capabilities: slices.Clone(capabilities),
			Active:       true,
			RegisteredAt: now,
		},
		ep:       endpoint.New(id, epOpts),
		activity: new(atomic.Int64),
	}
	entry.activity.Store(now.UnixNano())
	next := cur.clone()
	next.order = append(next.order, id)
	next.agents[id] = entry
	o.reg.Store(next)
	o.regMu.Unlock()

	// A concurrent Deregister may have retired the entry already; its loop
	// must then stay stopped.
	o.lifeMu.Lock()
	if o.running && o.reg.Load().agents[id] == entry {
		entry.ep.Start(o.runCtx)
	}
	o.lifeMu.Unlock()

	o.log.Info("orchestrator: agent registered", "agent", id, "role", string(role))
	o.journalAgent(entry.reg)
	return true
}

// Deregister marks an agent inactive, stops its loop and discards anything
// still queued for it. It returns false for unknown or inactive agents.
func (o *Orchestrator) Deregister(id string) bool {
	o.regMu.Lock()
	cur := o.reg.Load()
	entry, ok := cur.agents[id]
	if !ok || !entry.reg.Active {
		o.regMu.Unlock()
		return false
	}
	retired := *entry
	retired.reg.Active = false
	retired.reg.LastActivity = time.Unix(0, entry.activity.Load())
	next := cur.clone()
	next.agents[id] = &retired
	o.reg.Store(next)
	o.regMu.Unlock()

	o.lifeMu.Lock()
	entry.ep.Stop()
	o.lifeMu.Unlock()
	dropped := entry.ep.Drain()
	o.log.Info("orchestrator: agent deregistered", "agent", id, "dropped", dropped)
	o.journalAgent(retired.reg)
	return true
}

// Endpoint returns the endpoint of a registered agent, active or not.
func (o *Orchestrator) Endpoint(id string) (*endpoint.Endpoint, bool) {
	e, ok := o.reg.Load().agents[id]
	if !ok {
		return nil, false
	}
	return e.ep, true
}

// Registration returns one agent's registration.
func (o *Orchestrator) Registration(id string) (protocol.Registration, bool) {
	e, ok := o.reg.Load().agents[id]
	if !ok {
		return protocol.Registration{}, false
	}
	return e.registration(), true
}

// Registrations returns every registration in registration order.
func (o *Orchestrator) Registrations() []protocol.Registration {
	r := o.reg.Load()
	out := make([]protocol.Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].registration())
	}
	return out
}

func (e *agentEntry) registration() protocol.Registration {
	reg := e.reg
	reg.Capabilities = slices.Clone(e.reg.Capabilities)
	if e.reg.Active {
		reg.LastActivity = time.Unix(0, e.activity.Load())
	}
	return reg
}

// Market returns the latest immutable market view.
func (o *Orchestrator) Market() *MarketState {
	return o.market.Load()
}

// Run starts every endpoint loop and runs Coordinate on the configured
// interval until ctx is cancelled. Endpoints are stopped before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lifeMu.Lock()
	if o.running {
		o.lifeMu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.runCtx = ctx
	for _, e := range o.reg.Load().active() {
		e.ep.Start(ctx)
	}
	o.lifeMu.Unlock()

	o.log.Info("orchestrator: running", "interval", o.opts.Interval.String(), "agents", len(o.reg.Load().active()))
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	defer func() {
		o.lifeMu.Lock()
		o.running = false
		o.runCtx = nil
		o.lifeMu.Unlock()
		for _, id := range o.reg.Load().order {
			o.reg.Load().agents[id].ep.Stop()
		}
		st := o.Stats()
		o.log.Info("orchestrator: stopped",
			"cycles", st.Cycles,
			"routed", st.MessagesRouted,
			"dropped", st.MessagesDropped,
			"anomalies", st.AnomaliesDetected)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Coordinate(ctx)
		}
	}
}

// Running reports whether Run is active.
func (o *Orchestrator) Running() bool {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.running
}

// Stats summarizes the orchestrator since construction.
type Stats struct {
	Cycles            uint64         `json:"cycles"`
	AvgCycleTime      time.Duration  `json:"avg_cycle_time_ns"`
	MessagesRouted    uint64         `json:"messages_routed"`
	MessagesDropped   uint64         `json:"messages_dropped"`
	MessagesDeferred  uint64         `json:"messages_deferred"`
	AnomaliesDetected uint64         `json:"anomalies_detected"`
	Notices           uint64         `json:"notices"`
	TotalAgents       int            `json:"total_agents"`
	ActiveAgents      int            `json:"active_agents"`
	AgentsByRole      map[string]int `json:"agents_by_role"`
	LastEfficiency    Efficiency     `json:"last_efficiency"`
	LastCycleAt       time.Time      `json:"last_cycle_at"`
	Running           bool           `json:"running"`
}

func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	st := o.stats
	o.statsMu.Unlock()

	r := o.reg.Load()
	st.TotalAgents = len(r.order)
	st.AgentsByRole = make(map[string]int)
	for _, e := range r.active() {
		st.ActiveAgents++
		st.AgentsByRole[string(e.reg.Role)]++
	}
	st.Running = o.Running()
	return st
}

func (o *Orchestrator) journalAgent(reg protocol.Registration) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.RecordAgent(context.Background(), reg); err != nil {
		o.log.Warn("orchestrator: journal agent", "agent", reg.AgentID, "error", err)
	}
}

// notify delivers an orchestrator notice straight into an agent's inbox.
func (o *Orchestrator) notify(e *agentEntry, kind protocol.Kind, payload protocol.Payload, prio protocol.Priority) bool {
	m := protocol.NewMessage(o.opts.Now(), protocol.SystemSender, e.reg.AgentID, kind, payload, prio)
	ok := e.ep.Receive(m)
	if ok {
		o.statsMu.Lock()
		o.stats.Notices++
		o.statsMu.Unlock()
	}
	return ok
}
