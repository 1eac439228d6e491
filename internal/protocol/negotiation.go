package protocol

import (
	"math"
	"time"
)

// DefaultMaxRounds bounds every negotiation unless the initiator asks for
// fewer rounds.
const DefaultMaxRounds = 10

// NegotiationState is the lifecycle state of a negotiation.
type NegotiationState int

const (
	NegotiationActive NegotiationState = iota
	NegotiationConverged
	NegotiationTimedOut
	NegotiationCancelled
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationActive:
		return "active"
	case NegotiationConverged:
		return "converged"
	case NegotiationTimedOut:
		return "timed-out"
	case NegotiationCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed.
func (s NegotiationState) Terminal() bool {
	return s != NegotiationActive
}

// ParseNegotiationState is the inverse of String.
func ParseNegotiationState(s string) (NegotiationState, bool) {
	for st := NegotiationActive; st <= NegotiationCancelled; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Offer is one entry of a negotiation's history.
type Offer struct {
	Sender string
	Price  float64
	Kind   Kind
	At     time.Time
}

// Negotiation is a multi-round price negotiation over one good. The
// initiator owns it; each counterpart keeps a mirror with the same ID.
type Negotiation struct {
	ID           string
	Owner        string
	Participants []string
	Good         string
	Quantity     float64
	InitialPrice float64
	CurrentPrice float64
	FloorPrice   float64
	CeilingPrice float64
	RoundCount   int
	MaxRounds    int
	StartedAt    time.Time
	State        NegotiationState
	History      []Offer

	// MediatedRound is the round count at which the last mediation notice
	// was issued; SuggestedPrice is the price it carried.
	MediatedRound  int
	SuggestedPrice float64
}

// Clamp restricts price to the negotiation's bounds.
func (n *Negotiation) Clamp(price float64) float64 {
	return ClampPrice(price, n.FloorPrice, n.CeilingPrice)
}

// Counterparts returns every participant other than self.
func (n *Negotiation) Counterparts(self string) []string {
	out := make([]string, 0, len(n.Participants))
	for _, p := range n.Participants {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}

// Record appends an offer to the history.
func (n *Negotiation) Record(sender string, price float64, kind Kind, at time.Time) {
	n.History = append(n.History, Offer{Sender: sender, Price: price, Kind: kind, At: at})
}

// Finish moves an active negotiation to a terminal state. It returns false
// and leaves the negotiation untouched when it is already terminal.
func (n *Negotiation) Finish(state NegotiationState) bool {
	if n.State.Terminal() || !state.Terminal() {
		return false
	}
	n.State = state
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (n *Negotiation) Clone() Negotiation {
	c := *n
	c.Participants = append([]string(nil), n.Participants...)
	c.History = append([]Offer(nil), n.History...)
	return c
}

func (n *Negotiation) ToMap() map[string]any {
	history := make([]any, 0, len(n.History))
	for _, o := range n.History {
		history = append(history, map[string]any{
			"sender": o.Sender,
			"price":  o.Price,
			"kind":   o.Kind.String(),
			"at":     formatTime(o.At),
		})
	}
	return map[string]any{
		"id":            n.ID,
		"owner":         n.Owner,
		"participants":  append([]string(nil), n.Participants...),
		"good":          n.Good,
		"quantity":      n.Quantity,
		"initial_price": n.InitialPrice,
		"current_price": n.CurrentPrice,
		"floor_price":   n.FloorPrice,
		"ceiling_price": n.CeilingPrice,
		"round_count":   n.RoundCount,
		"max_rounds":    n.MaxRounds,
		"started_at":    formatTime(n.StartedAt),
		"state":         n.State.String(),
		"offer_history": history,
	}
}

// ClampPrice restricts price to [floor, ceiling]. NaN maps to floor.
func ClampPrice(price, floor, ceiling float64) float64 {
	if math.IsNaN(price) {
		return floor
	}
	return math.Min(math.Max(price, floor), ceiling)
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CounterPrice applies the counter-offer heuristic: meet halfway when the
// incoming price is above our stance, otherwise mark our stance down 5%.
// The result is clamped to [floor, ceiling].
func CounterPrice(incoming, current, floor, ceiling float64) float64 {
	var next float64
	if incoming > current {
		next = (incoming + current) / 2
	} else {
		next = current * 0.95
	}
	return ClampPrice(next, floor, ceiling)
}
