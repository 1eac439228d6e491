package sim

import (
	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Evaluator accepts alliances from sufficiently trusted proposers. Each
// alliance kind has its own bar; kinds without one are declined.
type Evaluator struct {
	JointPurchase      float64
	InformationSharing float64
	// PriceDefense is zero by default, which declines every price-defense
	// pact.
	PriceDefense float64
}

var _ endpoint.AllianceEvaluator = Evaluator{}

// NewEvaluator returns the default bars: 0.6 for joint purchases and 0.4
// for information sharing.
func NewEvaluator() Evaluator {
	return Evaluator{JointPurchase: 0.6, InformationSharing: 0.4}
}

// Evaluate implements endpoint.AllianceEvaluator.
func (v Evaluator) Evaluate(req endpoint.AllianceRequest) endpoint.AllianceDecision {
	var bar float64
	switch req.Alliance.Kind {
	case protocol.AllianceJointPurchase:
		bar = v.JointPurchase
	case protocol.AllianceInformationSharing:
		bar = v.InformationSharing
	case protocol.AlliancePriceDefense:
		bar = v.PriceDefense
	}
	if bar <= 0 || req.Reputation <= bar {
		return endpoint.AllianceDecision{Reason: "not aligned with current strategy"}
	}
	d := endpoint.AllianceDecision{Accept: true}
	if req.Alliance.Kind == protocol.AllianceJointPurchase {
		d.Conditions = map[string]any{"transparency": true}
	}
	return d
}
