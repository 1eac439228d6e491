package endpoint

import (
	"math"

	"github.com/xChokes/mercado-sub000/internal/protocol"
	"github.com/xChokes/mercado-sub000/internal/trust"
)

// signalRing keeps the most recent received signals and remembers their
// ids so duplicates are dropped.
type signalRing struct {
	buf   []protocol.MarketSignal
	start int
	n     int
	seen  map[string]struct{}
}

func newSignalRing(capacity int) *signalRing {
	return &signalRing{
		buf:  make([]protocol.MarketSignal, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

// add stores s unless its id is already held. The oldest entry is evicted
// when the ring is full.
func (r *signalRing) add(s protocol.MarketSignal) bool {
	if _, dup := r.seen[s.ID]; dup {
		return false
	}
	if r.n == len(r.buf) {
		delete(r.seen, r.buf[r.start].ID)
		r.start = (r.start + 1) % len(r.buf)
		r.n--
	}
	r.buf[(r.start+r.n)%len(r.buf)] = s
	r.n++
	r.seen[s.ID] = struct{}{}
	return true
}

// widen raises the scope of the held copy of id to global. It reports
// whether anything changed.
func (r *signalRing) widen(id string, scope protocol.Scope) bool {
	if scope != protocol.ScopeGlobal {
		return false
	}
	if _, ok := r.seen[id]; !ok {
		return false
	}
	for i := 0; i < r.n; i++ {
		s := &r.buf[(r.start+i)%len(r.buf)]
		if s.ID != id {
			continue
		}
		if s.Scope == scope {
			return false
		}
		s.Scope = scope
		return true
	}
	return false
}

func (r *signalRing) len() int { return r.n }

func (r *signalRing) list() []protocol.MarketSignal {
	out := make([]protocol.MarketSignal, 0, r.n)
	for i := 0; i < r.n; i++ {
		s := r.buf[(r.start+i)%len(r.buf)]
		out = append(out, s.Clone())
	}
	return out
}

// BroadcastSignal emits a market signal to every other agent. Confidence is
// derived from the supporting data; receivers discount it by their own
// view of this agent's reputation.
func (e *Endpoint) BroadcastSignal(kind, good string, intensity float64, data map[string]any, scope protocol.Scope) string {
	if scope == "" {
		scope = protocol.ScopeLocal
	}
	supporting := protocol.Payload(data).Clone()
	obs := observationCount(supporting[protocol.DataObservations])
	multiple := supporting.Bool(protocol.DataMultipleSources) ||
		observationCount(supporting[protocol.DataMultipleSources]) > 1

	s := protocol.MarketSignal{
		ID:             protocol.NewID(),
		Emitter:        e.id,
		Kind:           kind,
		Good:           good,
		Intensity:      math.Min(math.Max(intensity, 0), 1),
		Confidence:     trust.SignalConfidence(obs, multiple),
		SupportingData: supporting,
		Scope:          scope,
		CreatedAt:      e.opts.Now(),
	}

	e.mu.Lock()
	e.emitted = append(e.emitted, s)
	if over := len(e.emitted) - e.opts.SignalHistory; over > 0 {
		e.emitted = append([]protocol.MarketSignal(nil), e.emitted[over:]...)
	}
	e.mu.Unlock()

	e.Send(protocol.Broadcast, protocol.KindMarketSignal, s.ToMap(), SendOpts{
		Priority: protocol.PriorityHigh,
		Channel:  protocol.SignalChannel,
	})
	return s.ID
}

// EmittedSignals returns copies of the signals this endpoint emitted,
// oldest first.
func (e *Endpoint) EmittedSignals() []protocol.MarketSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.MarketSignal, 0, len(e.emitted))
	for _, s := range e.emitted {
		out = append(out, s.Clone())
	}
	return out
}

// SignalHistory returns copies of the received signals, oldest first.
func (e *Endpoint) SignalHistory() []protocol.MarketSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.list()
}

func (e *Endpoint) handleSignal(m *protocol.Message) error {
	s, err := protocol.SignalFromMap(m.Payload)
	if err != nil {
		return err
	}
	if s.Emitter == e.id {
		return nil
	}
	s.Confidence = trust.Weight(s.Confidence, e.ledger.Score(s.Emitter))

	// A re-broadcast of a signal already held only widens its scope.
	e.mu.Lock()
	added := e.history.add(*s)
	widened := !added && e.history.widen(s.ID, s.Scope)
	e.mu.Unlock()
	if !added {
		e.log.Debug("endpoint: duplicate signal", "signal", s.ID, "emitter", s.Emitter, "widened", widened)
		return nil
	}
	if e.opts.OnSignal != nil {
		e.opts.OnSignal(e.id, s.Clone())
	}
	return nil
}

// observationCount reads a count from either a number or a list of
// observations.
func observationCount(v any) int {
	switch x := v.(type) {
	case []any:
		return len(x)
	case []float64:
		return len(x)
	case []int:
		return len(x)
	case []string:
		return len(x)
	case []map[string]any:
		return len(x)
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}
