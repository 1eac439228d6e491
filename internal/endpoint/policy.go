package endpoint

import (
	"time"

	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Action is a decision returned by a PricePolicy.
type Action int

const (
	// ActionDefault defers to the built-in counter-offer heuristic.
	ActionDefault Action = iota
	ActionAccept
	ActionReject
	ActionCounter
)

// Decision pairs an action with the price it applies to.
type Decision struct {
	Action Action
	Price  float64
	Reason string
}

// PricePolicy supplies the agent's economic judgement. The endpoint applies
// protocol rules (bounds, rounds, expiry) around whatever it decides.
type PricePolicy interface {
	// OpeningPrice is the stance a counterpart takes when it first hears
	// of a negotiation.
	OpeningPrice(n protocol.Negotiation) float64
	// Respond may short-circuit the counter-offer heuristic.
	Respond(n protocol.Negotiation, incoming float64) Decision
	// EvaluateProposal answers a standalone price-proposal.
	EvaluateProposal(from string, p protocol.Payload) Decision
	// Coordinate answers a buy-coordination request.
	Coordinate(from string, p protocol.Payload) (commit bool, detail map[string]any)
}

// AllianceRequest is what an AllianceEvaluator sees.
type AllianceRequest struct {
	From       string
	Alliance   protocol.Alliance
	Reputation float64
}

// AllianceDecision is the evaluator's answer.
type AllianceDecision struct {
	Accept     bool
	Reason     string
	Conditions map[string]any
}

// AllianceEvaluator decides whether to join an alliance.
type AllianceEvaluator interface {
	Evaluate(req AllianceRequest) AllianceDecision
}

// AllianceEvaluatorFunc adapts a function to AllianceEvaluator.
type AllianceEvaluatorFunc func(req AllianceRequest) AllianceDecision

func (f AllianceEvaluatorFunc) Evaluate(req AllianceRequest) AllianceDecision { return f(req) }

// Notice is an informational message kept for the agent's decision logic.
type Notice struct {
	From    string
	Kind    protocol.Kind
	Topic   string
	Payload protocol.Payload
	At      time.Time
}

// SignalConsumer is called after a received signal has been weighted and stored.
type SignalConsumer func(agentID string, s protocol.MarketSignal)

// NoticeConsumer is called for every recorded notice.
type NoticeConsumer func(agentID string, n Notice)
