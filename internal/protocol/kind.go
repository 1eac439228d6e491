// Package protocol defines the message, negotiation, alliance and signal
// model shared by endpoints and the orchestrator.
package protocol

import (
	"fmt"
	"strings"
)

// Kind is the closed set of message kinds an endpoint understands.
type Kind int

const (
	KindMarketInfo Kind = iota + 1
	KindPriceProposal
	KindNegotiate
	KindAccept
	KindReject
	KindCounterOffer
	KindAllianceRequest
	KindAllianceConfirm
	KindAllianceDissolve
	KindMarketSignal
	KindRiskAlert
	KindKnowledgeShare
	KindBuyCoordination
	KindCompetitorWarning
)

var kindNames = map[Kind]string{
	KindMarketInfo:        "market-info",
	KindPriceProposal:     "price-proposal",
	KindNegotiate:         "negotiate",
	KindAccept:            "accept",
	KindReject:            "reject",
	KindCounterOffer:      "counter-offer",
	KindAllianceRequest:   "alliance-request",
	KindAllianceConfirm:   "alliance-confirm",
	KindAllianceDissolve:  "alliance-dissolve",
	KindMarketSignal:      "market-signal",
	KindRiskAlert:         "risk-alert",
	KindKnowledgeShare:    "knowledge-share",
	KindBuyCoordination:   "buy-coordination",
	KindCompetitorWarning: "competitor-warning",
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := KindMarketInfo; k <= KindCompetitorWarning; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind converts a wire name such as "counter-offer" back into a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown message kind %q", s)
}

// Priority orders delivery; higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the lowercase names produced by String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("protocol: unknown priority %q", s)
}
