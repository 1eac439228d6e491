// Package sim drives a demonstration market: heuristic agent policies, a
// reputation-threshold alliance evaluator and a driver that makes the
// registered agents trade, signal and occasionally panic.
package sim

import (
	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Price thresholds used by the heuristic policy.
const (
	DefaultHighPrice         = 100.0
	DefaultLowPrice          = 50.0
	DefaultLowTrust          = 0.3
	DefaultCounterFactor     = 0.8
	DefaultCoordinationTrust = 0.5
)

// ReputationFunc reports how much the policy's owner trusts a peer.
type ReputationFunc func(peer string) float64

// Policy is a rule-of-thumb endpoint.PricePolicy. Sellers open high and
// buyers open low; standalone proposals are judged against fixed price
// bands and the proposer's reputation.
type Policy struct {
	Role              protocol.Role
	HighPrice         float64
	LowPrice          float64
	LowTrust          float64
	CounterFactor     float64
	CoordinationTrust float64
	Reputation        ReputationFunc
}

var _ endpoint.PricePolicy = (*Policy)(nil)

// NewPolicy returns a Policy with the default thresholds.
func NewPolicy(role protocol.Role, rep ReputationFunc) *Policy {
	return &Policy{
		Role:              role,
		HighPrice:         DefaultHighPrice,
		LowPrice:          DefaultLowPrice,
		LowTrust:          DefaultLowTrust,
		CounterFactor:     DefaultCounterFactor,
		CoordinationTrust: DefaultCoordinationTrust,
		Reputation:        rep,
	}
}

func (p *Policy) reputation(peer string) float64 {
	if p.Reputation == nil {
		return 0.5
	}
	return p.Reputation(peer)
}

// OpeningPrice implements endpoint.PricePolicy.
func (p *Policy) OpeningPrice(n protocol.Negotiation) float64 {
	if p.Role == protocol.RoleConsumer {
		return n.FloorPrice
	}
	return n.CeilingPrice
}

// Respond implements endpoint.PricePolicy. Buyers take anything below the
// low band; everything else goes through the counter-offer heuristic.
func (p *Policy) Respond(n protocol.Negotiation, incoming float64) endpoint.Decision {
	if p.Role == protocol.RoleConsumer && incoming < p.LowPrice {
		return endpoint.Decision{Action: endpoint.ActionAccept, Price: incoming}
	}
	return endpoint.Decision{Action: endpoint.ActionDefault}
}

// EvaluateProposal implements endpoint.PricePolicy.
func (p *Policy) EvaluateProposal(from string, payload protocol.Payload) endpoint.Decision {
	price, ok := payload.Float(protocol.KeyProposedPrice)
	if !ok || price <= 0 {
		return endpoint.Decision{Action: endpoint.ActionReject, Reason: "missing price"}
	}
	switch {
	case price > p.HighPrice && p.reputation(from) < p.LowTrust:
		return endpoint.Decision{Action: endpoint.ActionCounter, Price: price * p.CounterFactor}
	case price < p.LowPrice:
		return endpoint.Decision{Action: endpoint.ActionAccept, Price: price}
	default:
		return endpoint.Decision{Action: endpoint.ActionReject, Reason: "price not competitive"}
	}
}

// Coordinate implements endpoint.PricePolicy. The agent joins a cheap group
// purchase when the group is, on average, trusted, and commits an equal
// share of the requested quantity.
func (p *Policy) Coordinate(from string, payload protocol.Payload) (bool, map[string]any) {
	price, _ := payload.Float(protocol.KeyProposedPrice)
	participants := payload.Strings(protocol.KeyMembers)
	if len(participants) == 0 {
		participants = []string{from}
	}
	if price <= 0 || price >= p.LowPrice {
		return false, map[string]any{"reason": "price above coordination band"}
	}

	var sum float64
	for _, id := range participants {
		sum += p.reputation(id)
	}
	if sum/float64(len(participants)) <= p.CoordinationTrust {
		return false, map[string]any{"reason": "participants not trusted"}
	}

	qty, _ := payload.Float(protocol.KeyQuantity)
	return true, map[string]any{
		"quantity": qty / float64(len(participants)),
		"price":    price,
	}
}
