package protocol

import (
	"encoding/json"
	"strconv"
	"time"
)

// Payload keys shared between senders and handlers.
const (
	KeyNegotiationID = "negotiation_id"
	KeyGood          = "good"
	KeyQuantity      = "quantity"
	KeyProposedPrice = "proposed_price"
	KeyFloorPrice    = "floor_price"
	KeyCeilingPrice  = "ceiling_price"
	KeyProposalKind  = "proposal_kind"
	KeyMaxRounds     = "max_rounds"
	KeyRound         = "round"

	KeyAllianceID   = "alliance_id"
	KeyAllianceName = "alliance_name"
	KeyAllianceKind = "alliance_kind"
	KeyGoal         = "goal"
	KeyRules        = "rules"
	KeyMembers      = "members"
	KeyDuration     = "duration_seconds"
	KeyAccepted     = "accepted"
	KeyConditions   = "conditions"

	KeyTopic          = "topic"
	KeyReason         = "reason"
	KeyState          = "state"
	KeySuggestedPrice = "suggested_price"
	KeyGoods          = "goods"
	KeyDetail         = "detail"
	KeyCommitment     = "commitment"
	KeyMarket         = "market"
	KeyOrigin         = "origin"
)

// Notice topics carried under KeyTopic on market-info and risk-alert messages.
const (
	TopicNegotiationClosed      = "negotiation-closed"
	TopicMediation              = "mediation"
	TopicAllianceSuggestion     = "alliance-suggestion"
	TopicParticipationIncentive = "participation-incentive"
	TopicTransparency           = "transparency"
	TopicDiversification        = "diversification"
	TopicPriceManipulation      = "price-manipulation"
)

// Close reasons carried under KeyReason.
const (
	ReasonRoundLimit       = "round-limit"
	ReasonTimeout          = "timeout"
	ReasonNegotiationLimit = "negotiation-limit"
	ReasonAllianceLimit    = "alliance-limit"
	ReasonNoEvaluator      = "no-evaluator"
	ReasonNoPolicy         = "no-policy"
)

// Proposal kinds carried under KeyProposalKind.
const (
	ProposalInitial = "initial"
	ProposalCounter = "counter"
)

// Payload is the opaque key/value body of a Message. Getters tolerate the
// numeric and time representations produced by JSON and YAML decoding.
type Payload map[string]any

// Clone returns a shallow copy so receivers can annotate without touching
// the sender's map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	case interface{ String() string }:
		return v.String()
	}
	return ""
}

func (p Payload) Float(key string) (float64, bool) {
	return toFloat(p[key])
}

func (p Payload) Int(key string) (int, bool) {
	f, ok := toFloat(p[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (p Payload) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Strings returns a string slice whether the value was stored as []string or
// decoded as []any.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns a nested map value, or nil.
func (p Payload) Map(key string) map[string]any {
	switch v := p[key].(type) {
	case map[string]any:
		return v
	case Payload:
		return v
	}
	return nil
}

func (p Payload) Time(key string) (time.Time, bool) {
	return toTime(p[key])
}

// toFloat reads a number in any of the decoded representations. NaN and
// infinities are rejected.
func toFloat(v any) (float64, bool) {
	f, ok := number(v)
	if !ok || !Finite(f) {
		return 0, false
	}
	return f, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		if t == "" {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
