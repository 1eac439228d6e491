package protocol

import (
	"fmt"
	"time"
)

// Role classifies a registered agent.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleFirm     Role = "firm"
	RoleOther    Role = "other"
)

// ParseRole accepts the lowercase role names; an empty string maps to RoleOther.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleConsumer, RoleFirm, RoleOther:
		return r, nil
	case "":
		return RoleOther, nil
	}
	return "", fmt.Errorf("protocol: unknown role %q", s)
}

// Registration is the orchestrator's record of an agent. Deregistered agents
// keep their record with Active set to false.
type Registration struct {
	AgentID      string
	Role         Role
	Capabilities []string
	Active       bool
	RegisteredAt time.Time
	LastActivity time.Time
}

func (r Registration) ToMap() map[string]any {
	return map[string]any{
		"agent_id":      r.AgentID,
		"role":          string(r.Role),
		"capabilities":  append([]string(nil), r.Capabilities...),
		"active":        r.Active,
		"registered_at": formatTime(r.RegisteredAt),
		"last_activity": formatTime(r.LastActivity),
	}
}
