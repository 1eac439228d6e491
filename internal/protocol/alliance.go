package protocol

import (
	"fmt"
	"slices"
	"time"
)

// AllianceKind names the purpose of an alliance.
type AllianceKind string

const (
	AllianceJointPurchase      AllianceKind = "joint-purchase"
	AlliancePriceDefense       AllianceKind = "price-defense"
	AllianceInformationSharing AllianceKind = "information-sharing"
)

// ParseAllianceKind validates a wire name.
func ParseAllianceKind(s string) (AllianceKind, error) {
	switch k := AllianceKind(s); k {
	case AllianceJointPurchase, AlliancePriceDefense, AllianceInformationSharing:
		return k, nil
	}
	return "", fmt.Errorf("protocol: unknown alliance kind %q", s)
}

// DefaultRules returns the rule set a new alliance of kind k starts with.
func DefaultRules(k AllianceKind) map[string]any {
	switch k {
	case AllianceJointPurchase:
		return map[string]any{
			"profit_split":       "proportional",
			"purchase_decision":  "majority",
			"price_transparency": true,
		}
	case AlliancePriceDefense:
		return map[string]any{
			"agreed_floor":        0.0,
			"change_notification": true,
			"dumping_penalty":     0.1,
		}
	case AllianceInformationSharing:
		return map[string]any{
			"share_signals":  true,
			"share_contacts": false,
		}
	}
	return map[string]any{}
}

// Alliance is a temporary coalition of agents.
type Alliance struct {
	ID        string
	Name      string
	Creator   string
	Members   []string
	Kind      AllianceKind
	Goal      string
	Rules     map[string]any
	CreatedAt time.Time
	Duration  time.Duration
	Active    bool
	// Confirmed lists members that accepted the creator's request,
	// including the creator itself. Only the creator maintains it.
	Confirmed []string
}

// Expired reports whether the alliance has outlived its duration.
func (a *Alliance) Expired(now time.Time) bool {
	return a.Duration > 0 && now.Sub(a.CreatedAt) > a.Duration
}

func (a *Alliance) HasMember(id string) bool {
	return slices.Contains(a.Members, id)
}

// RemoveMember drops id from the member list and reports whether it was present.
func (a *Alliance) RemoveMember(id string) bool {
	i := slices.Index(a.Members, id)
	if i < 0 {
		return false
	}
	a.Members = slices.Delete(a.Members, i, i+1)
	return true
}

func (a *Alliance) Clone() Alliance {
	c := *a
	c.Members = append([]string(nil), a.Members...)
	c.Confirmed = append([]string(nil), a.Confirmed...)
	c.Rules = make(map[string]any, len(a.Rules))
	for k, v := range a.Rules {
		c.Rules[k] = v
	}
	return c
}

func (a *Alliance) ToMap() map[string]any {
	rules := make(map[string]any, len(a.Rules))
	for k, v := range a.Rules {
		rules[k] = v
	}
	return map[string]any{
		"id":               a.ID,
		"name":             a.Name,
		"creator":          a.Creator,
		"members":          append([]string(nil), a.Members...),
		"kind":             string(a.Kind),
		"goal":             a.Goal,
		"rules":            rules,
		"created_at":       formatTime(a.CreatedAt),
		"duration_seconds": a.Duration.Seconds(),
		"active":           a.Active,
		"confirmed":        append([]string(nil), a.Confirmed...),
	}
}
