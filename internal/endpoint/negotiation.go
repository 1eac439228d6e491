package endpoint

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Negotiate opens a price negotiation with target and sends the initial
// proposal. The initial price is clamped into [floor, ceiling].
func (e *Endpoint) Negotiate(target, good string, quantity, initial, floor, ceiling float64) (string, error) {
	if !protocol.Finite(initial, floor, ceiling) {
		return "", ErrNonFinitePrice
	}
	if floor > ceiling {
		return "", ErrInvalidBounds
	}
	if target == "" || target == e.id || target == protocol.Broadcast {
		return "", fmt.Errorf("endpoint: negotiate: invalid target %q", target)
	}
	now := e.opts.Now()
	price := protocol.ClampPrice(initial, floor, ceiling)

	e.mu.Lock()
	if e.activeNegotiationsLocked() >= e.opts.MaxNegotiations {
		e.mu.Unlock()
		return "", ErrNegotiationLimit
	}
	n := &protocol.Negotiation{
		ID:           protocol.NewID(),
		Owner:        e.id,
		Participants: []string{e.id, target},
		Good:         good,
		Quantity:     quantity,
		InitialPrice: price,
		CurrentPrice: price,
		FloorPrice:   floor,
		CeilingPrice: ceiling,
		MaxRounds:    e.opts.MaxRounds,
		StartedAt:    now,
		State:        protocol.NegotiationActive,
	}
	n.Record(e.id, price, protocol.KindNegotiate, now)
	e.negotiations[n.ID] = n
	e.mu.Unlock()

	e.Send(target, protocol.KindNegotiate, protocol.Payload{
		protocol.KeyNegotiationID: n.ID,
		protocol.KeyGood:          good,
		protocol.KeyQuantity:      quantity,
		protocol.KeyProposedPrice: price,
		protocol.KeyFloorPrice:    floor,
		protocol.KeyCeilingPrice:  ceiling,
		protocol.KeyMaxRounds:     n.MaxRounds,
		protocol.KeyProposalKind:  protocol.ProposalInitial,
	}, SendOpts{Priority: protocol.PriorityHigh, RequiresReply: true})

	e.log.Debug("endpoint: negotiation opened", "negotiation", n.ID, "target", target, "good", good, "price", price)
	return n.ID, nil
}

// Negotiation returns a copy of the negotiation with the given id.
func (e *Endpoint) Negotiation(id string) (protocol.Negotiation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.negotiations[id]
	if !ok {
		return protocol.Negotiation{}, false
	}
	return n.Clone(), true
}

// Negotiations returns copies of every tracked negotiation, oldest first.
func (e *Endpoint) Negotiations() []protocol.Negotiation {
	e.mu.Lock()
	out := make([]protocol.Negotiation, 0, len(e.negotiations))
	for _, n := range e.negotiations {
		out = append(out, n.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (e *Endpoint) activeNegotiationsLocked() int {
	n := 0
	for _, neg := range e.negotiations {
		if neg.State == protocol.NegotiationActive {
			n++
		}
	}
	return n
}

// handleNegotiation processes negotiate and counter-offer messages.
func (e *Endpoint) handleNegotiation(m *protocol.Message) error {
	id := m.Payload.String(protocol.KeyNegotiationID)
	if id == "" {
		e.recordNotice(m)
		return nil
	}
	incoming, ok := m.Payload.Float(protocol.KeyProposedPrice)
	if !ok {
		return fmt.Errorf("negotiation %s: missing proposed price", id)
	}
	now := e.opts.Now()

	n, err := e.lookupOrMirror(m, id, incoming, now)
	if err != nil || n == nil {
		return err
	}

	e.mu.Lock()
	if n.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if now.Sub(n.StartedAt) > e.opts.NegotiationTTL {
		n.Finish(protocol.NegotiationTimedOut)
		out := e.closeNotices(n, protocol.ReasonTimeout)
		e.mu.Unlock()
		e.enqueueAll(out)
		return nil
	}
	n.RoundCount++
	n.Record(m.Sender, incoming, m.Kind, now)
	if n.RoundCount >= n.MaxRounds {
		n.Finish(protocol.NegotiationCancelled)
		out := e.closeNotices(n, protocol.ReasonRoundLimit)
		e.mu.Unlock()
		e.log.Info("endpoint: negotiation hit round limit", "negotiation", id, "rounds", n.RoundCount)
		e.enqueueAll(out)
		return nil
	}
	view := n.Clone()
	e.mu.Unlock()

	var d Decision
	if e.opts.PricePolicy != nil {
		d = e.opts.PricePolicy.Respond(view, incoming)
	}
	switch d.Action {
	case ActionAccept:
		e.acceptNegotiation(n, m, view.Clamp(incoming), now)
		return nil
	case ActionReject:
		e.rejectNegotiation(n, m, d.Reason, now)
		return nil
	}

	var counter float64
	if d.Action == ActionCounter {
		counter = view.Clamp(d.Price)
	} else {
		counter = protocol.CounterPrice(incoming, view.CurrentPrice, view.FloorPrice, view.CeilingPrice)
	}
	if e.converged(counter, incoming) {
		e.acceptNegotiation(n, m, view.Clamp(incoming), now)
		return nil
	}

	e.mu.Lock()
	if n.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	n.CurrentPrice = counter
	n.Record(e.id, counter, protocol.KindCounterOffer, now)
	round := n.RoundCount
	e.mu.Unlock()

	e.reply(m, protocol.KindCounterOffer, protocol.Payload{
		protocol.KeyNegotiationID: id,
		protocol.KeyGood:          view.Good,
		protocol.KeyQuantity:      view.Quantity,
		protocol.KeyProposedPrice: counter,
		protocol.KeyFloorPrice:    view.FloorPrice,
		protocol.KeyCeilingPrice:  view.CeilingPrice,
		protocol.KeyProposalKind:  protocol.ProposalCounter,
		protocol.KeyRound:         round,
	}, protocol.PriorityHigh, true)
	return nil
}

func (e *Endpoint) converged(counter, incoming float64) bool {
	return math.Abs(counter-incoming) <= e.opts.Tolerance*math.Max(math.Abs(incoming), 1)
}

// lookupOrMirror finds the negotiation for id or, for an initial proposal
// from a counterpart, creates the local mirror. A nil negotiation with a nil
// error means the message was answered or ignored.
func (e *Endpoint) lookupOrMirror(m *protocol.Message, id string, incoming float64, now time.Time) (*protocol.Negotiation, error) {
	e.mu.Lock()
	n, ok := e.negotiations[id]
	active := e.activeNegotiationsLocked()
	e.mu.Unlock()
	if ok {
		return n, nil
	}
	if m.Kind != protocol.KindNegotiate || m.Payload.String(protocol.KeyProposalKind) != protocol.ProposalInitial {
		e.log.Debug("endpoint: offer for unknown negotiation", "negotiation", id, "sender", m.Sender)
		return nil, nil
	}
	if active >= e.opts.MaxNegotiations {
		e.reply(m, protocol.KindReject, protocol.Payload{
			protocol.KeyNegotiationID: id,
			protocol.KeyReason:        protocol.ReasonNegotiationLimit,
		}, protocol.PriorityHigh, false)
		return nil, nil
	}

	floor, okF := m.Payload.Float(protocol.KeyFloorPrice)
	ceiling, okC := m.Payload.Float(protocol.KeyCeilingPrice)
	if !okF || !okC || floor > ceiling {
		return nil, fmt.Errorf("negotiation %s: invalid price bounds", id)
	}
	qty, _ := m.Payload.Float(protocol.KeyQuantity)
	maxRounds, ok := m.Payload.Int(protocol.KeyMaxRounds)
	if !ok || maxRounds <= 0 || maxRounds > e.opts.MaxRounds {
		maxRounds = e.opts.MaxRounds
	}
	mirror := &protocol.Negotiation{
		ID:           id,
		Owner:        m.Sender,
		Participants: []string{m.Sender, e.id},
		Good:         m.Payload.String(protocol.KeyGood),
		Quantity:     qty,
		InitialPrice: protocol.ClampPrice(incoming, floor, ceiling),
		FloorPrice:   floor,
		CeilingPrice: ceiling,
		MaxRounds:    maxRounds,
		StartedAt:    now,
		State:        protocol.NegotiationActive,
	}
	stance := ceiling
	if e.opts.PricePolicy != nil {
		stance = e.opts.PricePolicy.OpeningPrice(mirror.Clone())
	}
	mirror.CurrentPrice = mirror.Clamp(stance)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.negotiations[id]; ok {
		return existing, nil
	}
	e.negotiations[id] = mirror
	return mirror, nil
}

func (e *Endpoint) acceptNegotiation(n *protocol.Negotiation, m *protocol.Message, price float64, now time.Time) {
	e.mu.Lock()
	if n.State.Terminal() {
		e.mu.Unlock()
		return
	}
	n.CurrentPrice = price
	n.Record(e.id, price, protocol.KindAccept, now)
	n.Finish(protocol.NegotiationConverged)
	view := n.Clone()
	e.mu.Unlock()

	e.reply(m, protocol.KindAccept, protocol.Payload{
		protocol.KeyNegotiationID: view.ID,
		protocol.KeyGood:          view.Good,
		protocol.KeyQuantity:      view.Quantity,
		protocol.KeyProposedPrice: price,
	}, protocol.PriorityHigh, false)
	e.log.Info("endpoint: negotiation converged", "negotiation", view.ID, "price", price, "rounds", view.RoundCount)
}

func (e *Endpoint) rejectNegotiation(n *protocol.Negotiation, m *protocol.Message, reason string, now time.Time) {
	e.mu.Lock()
	if n.State.Terminal() {
		e.mu.Unlock()
		return
	}
	n.Record(e.id, n.CurrentPrice, protocol.KindReject, now)
	n.Finish(protocol.NegotiationCancelled)
	id := n.ID
	e.mu.Unlock()

	e.reply(m, protocol.KindReject, protocol.Payload{
		protocol.KeyNegotiationID: id,
		protocol.KeyReason:        reason,
	}, protocol.PriorityHigh, false)
}

func (e *Endpoint) handleAccept(m *protocol.Message) error {
	id := m.Payload.String(protocol.KeyNegotiationID)
	if id == "" {
		e.recordNotice(m)
		return nil
	}
	now := e.opts.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.negotiations[id]
	if !ok || n.State.Terminal() {
		return nil
	}
	price, ok := m.Payload.Float(protocol.KeyProposedPrice)
	if !ok {
		price = n.CurrentPrice
	}
	n.CurrentPrice = n.Clamp(price)
	n.Record(m.Sender, n.CurrentPrice, protocol.KindAccept, now)
	n.Finish(protocol.NegotiationConverged)
	e.log.Info("endpoint: negotiation accepted", "negotiation", id, "by", m.Sender, "price", n.CurrentPrice)
	return nil
}

func (e *Endpoint) handleReject(m *protocol.Message) error {
	id := m.Payload.String(protocol.KeyNegotiationID)
	if id == "" {
		e.recordNotice(m)
		return nil
	}
	now := e.opts.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.negotiations[id]
	if !ok || n.State.Terminal() {
		return nil
	}
	n.Record(m.Sender, n.CurrentPrice, protocol.KindReject, now)
	n.Finish(protocol.NegotiationCancelled)
	e.log.Info("endpoint: negotiation rejected", "negotiation", id, "by", m.Sender, "reason", m.Payload.String(protocol.KeyReason))
	return nil
}

// applyClosed mirrors a counterpart's terminal transition.
func (e *Endpoint) applyClosed(m *protocol.Message) {
	id := m.Payload.String(protocol.KeyNegotiationID)
	state, ok := protocol.ParseNegotiationState(m.Payload.String(protocol.KeyState))
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, found := e.negotiations[id]; found {
		n.Finish(state)
	}
}

// applyMediation records the mediator's suggested price.
func (e *Endpoint) applyMediation(m *protocol.Message) {
	id := m.Payload.String(protocol.KeyNegotiationID)
	price, ok := m.Payload.Float(protocol.KeySuggestedPrice)
	if !ok {
		return
	}
	round, _ := m.Payload.Int(protocol.KeyRound)
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, found := e.negotiations[id]; found && !n.State.Terminal() {
		n.SuggestedPrice = n.Clamp(price)
		n.MediatedRound = round
	}
}

// closeNotices builds the negotiation-closed notices for every counterpart.
// Callers hold e.mu.
func (e *Endpoint) closeNotices(n *protocol.Negotiation, reason string) []*protocol.Message {
	now := e.opts.Now()
	var out []*protocol.Message
	for _, peer := range n.Counterparts(e.id) {
		out = append(out, protocol.NewMessage(now, e.id, peer, protocol.KindMarketInfo, protocol.Payload{
			protocol.KeyTopic:         protocol.TopicNegotiationClosed,
			protocol.KeyNegotiationID: n.ID,
			protocol.KeyState:         n.State.String(),
			protocol.KeyReason:        reason,
		}, protocol.PriorityNormal))
	}
	return out
}

func (e *Endpoint) reply(to *protocol.Message, kind protocol.Kind, payload protocol.Payload, prio protocol.Priority, requiresReply bool) {
	m := protocol.NewMessage(e.opts.Now(), e.id, to.Sender, kind, payload, prio)
	m.ReplyTo = to.ID
	m.RequiresReply = requiresReply
	m.Channel = to.Channel
	if m.Channel == "" {
		m.Channel = protocol.DefaultChannel
	}
	e.enqueue(m)
}

func (e *Endpoint) enqueueAll(ms []*protocol.Message) {
	for _, m := range ms {
		e.enqueue(m)
	}
}
