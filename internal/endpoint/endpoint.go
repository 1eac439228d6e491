// Package endpoint implements the per-agent communication unit: inbound
// priority queue, outbound FIFO, negotiation and alliance tables, the
// reputation ledger and the processing loop that dispatches messages to
// typed handlers.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xChokes/mercado-sub000/internal/protocol"
	"github.com/xChokes/mercado-sub000/internal/trust"
)

// Capacity and argument errors returned by the endpoint API.
var (
	ErrNegotiationLimit = errors.New("endpoint: active negotiation limit reached")
	ErrAllianceLimit    = errors.New("endpoint: active alliance limit reached")
	ErrInvalidBounds    = errors.New("endpoint: floor price above ceiling price")
	ErrNonFinitePrice   = errors.New("endpoint: price is not a finite number")
	ErrInvalidAlliance  = errors.New("endpoint: alliance needs at least one other member")
	ErrUnknownAlliance  = errors.New("endpoint: unknown alliance")
)

// Options configures an Endpoint. Zero values fall back to defaults.
type Options struct {
	Role            protocol.Role
	MaxNegotiations int
	MaxAlliances    int
	MaxRounds       int
	PopTimeout      time.Duration
	NegotiationTTL  time.Duration
	// Tolerance is the relative gap between a counter and the incoming
	// price under which the endpoint accepts instead of countering.
	Tolerance     float64
	SignalHistory int
	NoticeHistory int
	SpamLimit     int
	SpamWindow    time.Duration
	SpamPenalty   float64

	PricePolicy       PricePolicy
	AllianceEvaluator AllianceEvaluator
	OnSignal          SignalConsumer
	OnNotice          NoticeConsumer

	Logger *slog.Logger
	Now    func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Role == "" {
		o.Role = protocol.RoleOther
	}
	if o.MaxNegotiations <= 0 {
		o.MaxNegotiations = 5
	}
	if o.MaxAlliances <= 0 {
		o.MaxAlliances = 3
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = protocol.DefaultMaxRounds
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = time.Second
	}
	if o.NegotiationTTL <= 0 {
		o.NegotiationTTL = time.Hour
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 0.01
	}
	if o.SignalHistory <= 0 {
		o.SignalHistory = 500
	}
	if o.NoticeHistory <= 0 {
		o.NoticeHistory = 100
	}
	if o.SpamWindow <= 0 {
		o.SpamWindow = 10 * time.Second
	}
	if o.SpamPenalty <= 0 {
		o.SpamPenalty = 0.05
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type handlerFunc func(e *Endpoint, m *protocol.Message) error

// Endpoint is one agent's communication unit. All methods are safe for
// concurrent use; protocol tables are only mutated by the endpoint's own
// handlers and its owner's API calls.
type Endpoint struct {
	id   string
	opts Options
	log  *slog.Logger

	in       *inbox
	out      outbox
	ledger   *trust.Ledger
	spam     *trust.SpamGuard
	handlers map[protocol.Kind]handlerFunc

	mu           sync.Mutex
	negotiations map[string]*protocol.Negotiation
	alliances    map[string]*protocol.Alliance
	history      *signalRing
	emitted      []protocol.MarketSignal
	notices      []Notice
	contacts     map[string]time.Time

	sent, received, processed atomic.Uint64
	peerReceived              atomic.Uint64 // received from other agents
	expired, dropped          atomic.Uint64
	handlerErrors, unhandled  atomic.Uint64

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an endpoint for agent id. The processing loop is not started.
func New(id string, opts Options) *Endpoint {
	opts.applyDefaults()
	e := &Endpoint{
		id:           id,
		opts:         opts,
		log:          opts.Logger.With("agent", id),
		in:           newInbox(),
		ledger:       trust.NewLedger(),
		spam:         trust.NewSpamGuard(opts.SpamLimit, opts.SpamWindow),
		negotiations: make(map[string]*protocol.Negotiation),
		alliances:    make(map[string]*protocol.Alliance),
		history:      newSignalRing(opts.SignalHistory),
		contacts:     make(map[string]time.Time),
	}
	e.handlers = map[protocol.Kind]handlerFunc{
		protocol.KindNegotiate:         (*Endpoint).handleNegotiation,
		protocol.KindCounterOffer:      (*Endpoint).handleNegotiation,
		protocol.KindAccept:            (*Endpoint).handleAccept,
		protocol.KindReject:            (*Endpoint).handleReject,
		protocol.KindAllianceRequest:   (*Endpoint).handleAllianceRequest,
		protocol.KindAllianceConfirm:   (*Endpoint).handleAllianceConfirm,
		protocol.KindAllianceDissolve:  (*Endpoint).handleAllianceDissolve,
		protocol.KindMarketSignal:      (*Endpoint).handleSignal,
		protocol.KindMarketInfo:        (*Endpoint).handleMarketInfo,
		protocol.KindPriceProposal:     (*Endpoint).handlePriceProposal,
		protocol.KindBuyCoordination:   (*Endpoint).handleBuyCoordination,
		protocol.KindRiskAlert:         (*Endpoint).handleInformational,
		protocol.KindKnowledgeShare:    (*Endpoint).handleInformational,
		protocol.KindCompetitorWarning: (*Endpoint).handleInformational,
	}
	return e
}

func (e *Endpoint) ID() string          { return e.id }
func (e *Endpoint) Role() protocol.Role { return e.opts.Role }

// SendOpts carries the optional fields of an outgoing message.
type SendOpts struct {
	Priority      protocol.Priority
	RequiresReply bool
	Channel       string
	ReplyTo       string
}

// Send queues a message for the next routing pass and returns its id. It
// never blocks.
func (e *Endpoint) Send(to string, kind protocol.Kind, payload protocol.Payload, opts SendOpts) string {
	m := protocol.NewMessage(e.opts.Now(), e.id, to, kind, payload, opts.Priority)
	m.RequiresReply = opts.RequiresReply
	m.ReplyTo = opts.ReplyTo
	if opts.Channel != "" {
		m.Channel = opts.Channel
	}
	e.enqueue(m)
	return m.ID
}

func (e *Endpoint) enqueue(m *protocol.Message) {
	e.out.push(m)
	e.sent.Add(1)
	if m.Sender == e.id && !m.IsBroadcast() {
		e.touchContact(m.Recipient)
	}
}

// TakeOutbound removes up to limit queued outbound messages in send order.
// A non-positive limit takes everything.
func (e *Endpoint) TakeOutbound(limit int) []*protocol.Message {
	return e.out.take(limit)
}

// Receive accepts a routed message into the inbound queue. Expired messages
// and messages from senders over the spam limit are dropped and counted;
// the return value reports whether the message was queued.
func (e *Endpoint) Receive(m *protocol.Message) bool {
	now := e.opts.Now()
	if m == nil || !m.Kind.Valid() {
		e.dropped.Add(1)
		return false
	}
	if m.Expired(now) {
		e.expired.Add(1)
		e.log.Debug("endpoint: dropped expired message", "id", m.ID, "kind", m.Kind.String())
		return false
	}
	if m.Sender != protocol.SystemSender {
		if !e.spam.Allow(m.Sender, now) {
			score := e.ledger.Penalize(m.Sender, e.opts.SpamPenalty)
			e.dropped.Add(1)
			e.log.Warn("endpoint: sender over rate limit", "sender", m.Sender, "reputation", score)
			return false
		}
		e.ledger.Observe(m.Sender)
		e.touchContact(m.Sender)
		e.peerReceived.Add(1)
	}
	e.received.Add(1)
	e.in.push(m)
	return true
}

func (e *Endpoint) touchContact(peer string) {
	if peer == "" || peer == e.id || peer == protocol.SystemSender {
		return
	}
	e.mu.Lock()
	e.contacts[peer] = e.opts.Now()
	e.mu.Unlock()
}

// Start runs the processing loop in its own goroutine. It returns false if
// the loop is already running.
func (e *Endpoint) Start(ctx context.Context) bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	return true
}

// Stop cancels the loop started by Start and waits for it to exit.
func (e *Endpoint) Stop() {
	e.lifeMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a loop started by Start is active.
func (e *Endpoint) Running() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.cancel != nil
}

// Drain discards everything still queued in both directions and returns
// the number of messages dropped.
func (e *Endpoint) Drain() int {
	n := e.in.drain() + len(e.out.take(0))
	e.dropped.Add(uint64(n))
	return n
}

// Run pops and dispatches messages until ctx is cancelled. When the queue
// stays empty for PopTimeout it runs the cleanup pass.
func (e *Endpoint) Run(ctx context.Context) {
	e.log.Debug("endpoint: loop started")
	defer e.log.Debug("endpoint: loop stopped")

	lastCleanup := e.opts.Now()
	for {
		m, ok := e.in.popWait(ctx, e.opts.PopTimeout)
		if ctx.Err() != nil {
			return
		}
		if ok {
			e.dispatch(m)
		}
		now := e.opts.Now()
		if !ok || now.Sub(lastCleanup) >= e.opts.PopTimeout*30 {
			e.Cleanup(now)
			lastCleanup = now
		}
	}
}

// ProcessPending dispatches every queued inbound message synchronously and
// returns how many were handled. Drivers that do not run the loop use it.
func (e *Endpoint) ProcessPending() int {
	n := 0
	for {
		m, ok := e.in.pop()
		if !ok {
			return n
		}
		e.dispatch(m)
		n++
	}
}

func (e *Endpoint) dispatch(m *protocol.Message) {
	if m.Expired(e.opts.Now()) {
		e.expired.Add(1)
		return
	}
	h, ok := e.handlers[m.Kind]
	if !ok {
		e.unhandled.Add(1)
		e.log.Debug("endpoint: no handler", "id", m.ID, "kind", m.Kind.String())
		return
	}
	if err := e.safeHandle(h, m); err != nil {
		e.handlerErrors.Add(1)
		e.log.Warn("endpoint: handler failed", "id", m.ID, "kind", m.Kind.String(), "sender", m.Sender, "error", err)
		return
	}
	e.processed.Add(1)
}

func (e *Endpoint) safeHandle(h handlerFunc, m *protocol.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(e, m)
}

// Cleanup times out stale negotiations and retires expired alliances.
func (e *Endpoint) Cleanup(now time.Time) {
	var out []*protocol.Message
	e.mu.Lock()
	for id, n := range e.negotiations {
		age := now.Sub(n.StartedAt)
		if n.State == protocol.NegotiationActive && age > e.opts.NegotiationTTL {
			n.Finish(protocol.NegotiationTimedOut)
			out = append(out, e.closeNotices(n, protocol.ReasonTimeout)...)
			e.log.Info("endpoint: negotiation timed out", "negotiation", id, "rounds", n.RoundCount)
			continue
		}
		if n.State.Terminal() && age > 2*e.opts.NegotiationTTL {
			delete(e.negotiations, id)
		}
	}
	for id, a := range e.alliances {
		if !a.Expired(now) {
			continue
		}
		if a.Active {
			a.Active = false
			e.log.Info("endpoint: alliance expired", "alliance", id, "kind", string(a.Kind))
			continue
		}
		delete(e.alliances, id)
	}
	e.mu.Unlock()

	for _, m := range out {
		e.enqueue(m)
	}
	e.spam.Forget(now)
}

// Reputation returns this endpoint's trust in peer.
func (e *Endpoint) Reputation(peer string) float64 {
	return e.ledger.Score(peer)
}

// ReputationSnapshot copies the whole ledger.
func (e *Endpoint) ReputationSnapshot() map[string]float64 {
	return e.ledger.Snapshot()
}

// KnownContacts returns the number of peers this endpoint has exchanged
// messages with.
func (e *Endpoint) KnownContacts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contacts)
}

// Stats is a point-in-time view of an endpoint's counters and tables.
type Stats struct {
	AgentID            string         `json:"agent_id"`
	Role               protocol.Role  `json:"role"`
	Sent               uint64         `json:"sent"`
	Received           uint64         `json:"received"`
	PeerReceived       uint64         `json:"peer_received"`
	Processed          uint64         `json:"processed"`
	Expired            uint64         `json:"expired"`
	Dropped            uint64         `json:"dropped"`
	HandlerErrors      uint64         `json:"handler_errors"`
	Unhandled          uint64         `json:"unhandled"`
	InboundDepth       int            `json:"inbound_depth"`
	OutboundDepth      int            `json:"outbound_depth"`
	ActiveNegotiations int            `json:"active_negotiations"`
	ActiveAlliances    int            `json:"active_alliances"`
	OwnedByState       map[string]int `json:"owned_by_state"`
	KnownContacts      int            `json:"known_contacts"`
	SignalHistory      int            `json:"signal_history"`
	EmittedSignals     int            `json:"emitted_signals"`
	MeanReputation     float64        `json:"mean_reputation"`
	Running            bool           `json:"running"`
}

func (e *Endpoint) Stats() Stats {
	s := Stats{
		AgentID:        e.id,
		Role:           e.opts.Role,
		Sent:           e.sent.Load(),
		Received:       e.received.Load(),
		PeerReceived:   e.peerReceived.Load(),
		Processed:      e.processed.Load(),
		Expired:        e.expired.Load(),
		Dropped:        e.dropped.Load(),
		HandlerErrors:  e.handlerErrors.Load(),
		Unhandled:      e.unhandled.Load(),
		InboundDepth:   e.in.len(),
		OutboundDepth:  e.out.len(),
		OwnedByState:   make(map[string]int),
		MeanReputation: e.ledger.Mean(),
		Running:        e.Running(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.negotiations {
		if n.State == protocol.NegotiationActive {
			s.ActiveNegotiations++
		}
		if n.Owner == e.id {
			s.OwnedByState[n.State.String()]++
		}
	}
	s.ActiveAlliances = e.activeAlliancesLocked()
	s.KnownContacts = len(e.contacts)
	s.SignalHistory = e.history.len()
	s.EmittedSignals = len(e.emitted)
	return s
}
