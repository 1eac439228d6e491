package dashboard

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xChokes/mercado-sub000/internal/endpoint"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// AgentRow is one line of the agent list.
type AgentRow struct {
	AgentID      string          `json:"agent_id"`
	Role         string          `json:"role"`
	Capabilities []string        `json:"capabilities"`
	Active       bool            `json:"active"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastActivity time.Time       `json:"last_activity,omitempty"`
	Stats        *endpoint.Stats `json:"stats,omitempty"`
}

// AgentDetail is the full view of one agent.
type AgentDetail struct {
	AgentRow
	Negotiations []map[string]any   `json:"negotiations"`
	Alliances    []map[string]any   `json:"alliances"`
	Reputation   map[string]float64 `json:"reputation"`
	Signals      []map[string]any   `json:"signals"`
	Notices      []NoticeRow        `json:"notices"`
}

// NoticeRow is a recorded notice in JSON form.
type NoticeRow struct {
	From  string    `json:"from"`
	Kind  string    `json:"kind"`
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
}

func agentRow(reg protocol.Registration, ep *endpoint.Endpoint) AgentRow {
	row := AgentRow{
		AgentID:      reg.AgentID,
		Role:         string(reg.Role),
		Capabilities: reg.Capabilities,
		Active:       reg.Active,
		RegisteredAt: reg.RegisteredAt,
		LastActivity: reg.LastActivity,
	}
	if ep != nil {
		st := ep.Stats()
		row.Stats = &st
	}
	return row
}

// AgentList returns every registered agent, active ones first, each group
// ordered by id. role filters when non-empty.
func AgentList(m Market, role string) []AgentRow {
	regs := m.Registrations()
	rows := make([]AgentRow, 0, len(regs))
	for _, reg := range regs {
		if role != "" && string(reg.Role) != role {
			continue
		}
		ep, _ := m.Endpoint(reg.AgentID)
		rows = append(rows, agentRow(reg, ep))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Active != rows[j].Active {
			return rows[i].Active
		}
		return rows[i].AgentID < rows[j].AgentID
	})
	return rows
}

// AgentDetailFor builds the detail view of one agent.
func AgentDetailFor(m Market, id string, notices int) (AgentDetail, bool) {
	reg, ok := m.Registration(id)
	if !ok {
		return AgentDetail{}, false
	}
	ep, ok := m.Endpoint(id)
	if !ok {
		return AgentDetail{}, false
	}
	d := AgentDetail{
		AgentRow:     agentRow(reg, ep),
		Negotiations: []map[string]any{},
		Alliances:    []map[string]any{},
		Signals:      []map[string]any{},
		Notices:      []NoticeRow{},
		Reputation:   ep.ReputationSnapshot(),
	}
	for _, n := range ep.Negotiations() {
		d.Negotiations = append(d.Negotiations, n.ToMap())
	}
	for _, a := range ep.Alliances() {
		d.Alliances = append(d.Alliances, a.ToMap())
	}
	for _, s := range ep.SignalHistory() {
		d.Signals = append(d.Signals, s.ToMap())
	}
	all := ep.Notices()
	if len(all) > notices {
		all = all[len(all)-notices:]
	}
	for _, n := range all {
		d.Notices = append(d.Notices, NoticeRow{From: n.From, Kind: n.Kind.String(), Topic: n.Topic, At: n.At})
	}
	return d, true
}

// queryLimit reads ?limit=, falling back to def when absent or invalid.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// querySince accepts ?since= as RFC 3339 or as a duration back from now.
func querySince(c *gin.Context, now time.Time) (time.Time, error) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 or a positive duration", raw)
	}
	return now.Add(-d), nil
}
