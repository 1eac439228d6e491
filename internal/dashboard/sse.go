package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

// cycleEvent is sent whenever the orchestrator completes new cycles.
type cycleEvent struct {
	Cycles          uint64                  `json:"cycles"`
	MessagesRouted  uint64                  `json:"messages_routed"`
	MessagesDropped uint64                  `json:"messages_dropped"`
	ActiveAgents    int                     `json:"active_agents"`
	Efficiency      orchestrator.Efficiency `json:"efficiency"`
	At              time.Time               `json:"at"`
}

// anomalyEvent is sent for each newly journaled anomaly.
type anomalyEvent struct {
	ID       uint    `json:"id"`
	Kind     string  `json:"kind"`
	Severity string  `json:"severity"`
	Goods    string  `json:"goods,omitempty"`
	Detail   string  `json:"detail"`
	Value    float64 `json:"value"`
	Cycle    uint64  `json:"cycle"`
}

// handleSSE streams cycle progress and new anomalies. It polls the
// orchestrator and the journal rather than subscribing to them.
func handleSSE(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ctx := c.Request.Context()
		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		lastCycle := opts.Market.Stats().Cycles
		var lastAnomaly uint
		if opts.Journal != nil {
			if rows, err := opts.Journal.Anomalies(ctx, journal.AnomalyFilter{Limit: 1}); err == nil && len(rows) > 0 {
				lastAnomaly = rows[0].ID
			}
		}

		ticker := time.NewTicker(opts.PollInterval)
		heartbeat := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				st := opts.Market.Stats()
				if st.Cycles != lastCycle {
					lastCycle = st.Cycles
					writeSSE(c.Writer, "cycle", cycleEvent{
						Cycles:          st.Cycles,
						MessagesRouted:  st.MessagesRouted,
						MessagesDropped: st.MessagesDropped,
						ActiveAgents:    st.ActiveAgents,
						Efficiency:      st.LastEfficiency,
						At:              st.LastCycleAt,
					})
				}
				if opts.Journal != nil {
					lastAnomaly = streamAnomalies(c, opts.Journal, lastAnomaly)
				}
				c.Writer.Flush()
			}
		}
	}
}

// streamAnomalies writes anomalies newer than lastSeen, oldest first, and
// returns the new high-water mark.
func streamAnomalies(c *gin.Context, j Journal, lastSeen uint) uint {
	rows, err := j.Anomalies(c.Request.Context(), journal.AnomalyFilter{Limit: 50})
	if err != nil {
		return lastSeen
	}
	for i := len(rows) - 1; i >= 0; i-- {
		a := rows[i]
		if a.ID <= lastSeen {
			continue
		}
		writeSSE(c.Writer, "anomaly", anomalyEvent{
			ID:       a.ID,
			Kind:     a.Kind,
			Severity: a.Severity,
			Goods:    a.Goods,
			Detail:   a.Detail,
			Value:    a.Value,
			Cycle:    a.Cycle,
		})
		lastSeen = a.ID
	}
	return lastSeen
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
