// Package journal persists the orchestrator's audit trail (routed messages,
// anomalies, cycle results and agent registrations) through GORM.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xChokes/mercado-sub000/internal/models"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

const batchSize = 200

// Journal implements orchestrator.Journal on top of a GORM database.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps db. The tables must already exist (see db.AutoMigrate).
func New(db *gorm.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

var _ orchestrator.Journal = (*Journal)(nil)

// RecordMessages stores one row per routed message.
func (j *Journal) RecordMessages(ctx context.Context, msgs []orchestrator.RoutedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := j.now()
	rows := make([]models.Message, 0, len(msgs))
	for _, rm := range msgs {
		m := rm.Message
		if m == nil {
			continue
		}
		payload, err := marshalJSON(m.Payload)
		if err != nil {
			return fmt.Errorf("journal: marshal payload of %s: %w", m.ID, err)
		}
		rows = append(rows, models.Message{
			MessageID:  m.ID,
			Sender:     m.Sender,
			Recipient:  m.Recipient,
			Kind:       m.Kind.String(),
			Priority:   m.Priority.String(),
			Channel:    m.Channel,
			ReplyTo:    m.ReplyTo,
			Payload:    payload,
			Outcome:    rm.Outcome,
			Reason:     rm.Reason,
			Recipients: rm.Recipients,
			SentAt:     m.CreatedAt,
			CreatedAt:  now,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	if err := j.db.WithContext(ctx).CreateInBatches(&rows, batchSize).Error; err != nil {
		return fmt.Errorf("journal: record %d messages: %w", len(rows), err)
	}
	return nil
}

// RecordAnomaly stores one anomaly.
func (j *Journal) RecordAnomaly(ctx context.Context, a orchestrator.Anomaly) error {
	row := models.Anomaly{
		Kind:       string(a.Kind),
		Severity:   string(a.Severity),
		Value:      a.Value,
		Threshold:  a.Threshold,
		Goods:      strings.Join(a.Goods, ","),
		Detail:     a.Detail,
		Cycle:      a.Cycle,
		DetectedAt: a.At,
		CreatedAt:  j.now(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal: record anomaly %s: %w", a.Kind, err)
	}
	return nil
}

// RecordCycle stores the summary of one coordination cycle.
func (j *Journal) RecordCycle(ctx context.Context, r orchestrator.CycleResult) error {
	stepErrors, err := marshalJSON(r.StepErrors)
	if err != nil {
		return fmt.Errorf("journal: marshal step errors: %w", err)
	}
	row := models.Cycle{
		Cycle:               r.Cycle,
		StartedAt:           r.StartedAt,
		DurationMs:          float64(r.Duration.Microseconds()) / 1000,
		Routed:              r.Routed,
		Dropped:             r.Dropped,
		Deferred:            r.Deferred,
		Mediations:          r.Mediations,
		AllianceSuggestions: r.AllianceSuggestions,
		SignalsPropagated:   r.SignalsPropagated,
		Efficiency:          r.Efficiency.Score,
		Participation:       r.Efficiency.Participation,
		PriceStability:      r.Efficiency.PriceStability,
		Transactions:        r.Efficiency.Transactions,
		Anomalies:           len(r.Anomalies),
		StepErrors:          stepErrors,
		CreatedAt:           j.now(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal: record cycle %d: %w", r.Cycle, err)
	}
	return nil
}

// RecordAgent upserts the latest registration of an agent.
func (j *Journal) RecordAgent(ctx context.Context, reg protocol.Registration) error {
	caps, err := marshalJSON(reg.Capabilities)
	if err != nil {
		return fmt.Errorf("journal: marshal capabilities of %s: %w", reg.AgentID, err)
	}
	row := models.Agent{
		AgentID:      reg.AgentID,
		Role:         string(reg.Role),
		Capabilities: caps,
		Active:       reg.Active,
		RegisteredAt: reg.RegisteredAt,
		LastActivity: reg.LastActivity,
		UpdatedAt:    j.now(),
	}
	result := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "capabilities", "active", "last_activity", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("journal: record agent %s: %w", reg.AgentID, result.Error)
	}
	return nil
}

// MessageFilter narrows Messages. Zero fields match everything.
type MessageFilter struct {
	Agent   string // sender or recipient
	Kind    string
	Outcome string
	Since   time.Time
	Limit   int
}

// Messages returns journaled messages, newest first.
func (j *Journal) Messages(ctx context.Context, f MessageFilter) ([]models.Message, error) {
	q := j.db.WithContext(ctx).Model(&models.Message{})
	if f.Agent != "" {
		q = q.Where("sender = ? OR recipient = ?", f.Agent, f.Agent)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	var out []models.Message
	if err := q.Order("id DESC").Limit(limit(f.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list messages: %w", err)
	}
	return out, nil
}

// AnomalyFilter narrows Anomalies. Zero fields match everything.
type AnomalyFilter struct {
	Kind     string
	Severity string
	Since    time.Time
	Limit    int
}

// Anomalies returns journaled anomalies, newest first.
func (j *Journal) Anomalies(ctx context.Context, f AnomalyFilter) ([]models.Anomaly, error) {
	q := j.db.WithContext(ctx).Model(&models.Anomaly{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if !f.Since.IsZero() {
		q = q.Where("detected_at >= ?", f.Since)
	}
	var out []models.Anomaly
	if err := q.Order("id DESC").Limit(limit(f.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list anomalies: %w", err)
	}
	return out, nil
}

// Cycles returns the most recent cycle rows, newest first.
func (j *Journal) Cycles(ctx context.Context, n int) ([]models.Cycle, error) {
	var out []models.Cycle
	if err := j.db.WithContext(ctx).Order("id DESC").Limit(limit(n)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list cycles: %w", err)
	}
	return out, nil
}

// Agents returns every journaled agent ordered by id.
func (j *Journal) Agents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	if err := j.db.WithContext(ctx).Order("agent_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list agents: %w", err)
	}
	return out, nil
}

// Summary aggregates journal activity over a period.
type Summary struct {
	Since          time.Time        `json:"since"`
	Until          time.Time        `json:"until"`
	Cycles         int64            `json:"cycles"`
	Messages       int64            `json:"messages"`
	ByOutcome      map[string]int64 `json:"by_outcome"`
	Anomalies      int64            `json:"anomalies"`
	ByKind         map[string]int64 `json:"by_kind"`
	MeanEfficiency float64          `json:"mean_efficiency"`
	ActiveAgents   int64            `json:"active_agents"`
}

// AnomalyKinds returns the anomaly kinds in the summary, sorted.
func (s Summary) AnomalyKinds() []string {
	out := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type countRow struct {
	Label string
	Total int64
}

// Summarize aggregates everything journaled at or after since.
func (j *Journal) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	s := Summary{
		Since:     since,
		Until:     j.now(),
		ByOutcome: make(map[string]int64),
		ByKind:    make(map[string]int64),
	}
	db := j.db.WithContext(ctx)

	var outcomes []countRow
	if err := db.Model(&models.Message{}).
		Select("outcome AS label, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("outcome").Scan(&outcomes).Error; err != nil {
		return s, fmt.Errorf("journal: summarize messages: %w", err)
	}
	for _, r := range outcomes {
		s.ByOutcome[r.Label] = r.Total
		s.Messages += r.Total
	}

	var kinds []countRow
	if err := db.Model(&models.Anomaly{}).
		Select("kind AS label, COUNT(*) AS total").
		Where("detected_at >= ?", since).
		Group("kind").Scan(&kinds).Error; err != nil {
		return s, fmt.Errorf("journal: summarize anomalies: %w", err)
	}
	for _, r := range kinds {
		s.ByKind[r.Label] = r.Total
		s.Anomalies += r.Total
	}

	var eff struct {
		Cycles int64
		Mean   float64
	}
	if err := db.Model(&models.Cycle{}).
		Select("COUNT(*) AS cycles, COALESCE(AVG(efficiency), 0) AS mean").
		Where("started_at >= ?", since).
		Scan(&eff).Error; err != nil {
		return s, fmt.Errorf("journal: summarize cycles: %w", err)
	}
	s.Cycles = eff.Cycles
	s.MeanEfficiency = eff.Mean

	if err := db.Model(&models.Agent{}).Where("active = ?", true).Count(&s.ActiveAgents).Error; err != nil {
		return s, fmt.Errorf("journal: count agents: %w", err)
	}
	return s, nil
}

// Prune deletes message, anomaly and cycle rows created before cutoff and
// returns the number of rows removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&models.Message{}, &models.Anomaly{}, &models.Cycle{}} {
			res := tx.Where("created_at < ?", cutoff).Delete(m)
			if res.Error != nil {
				return res.Error
			}
			total += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return total, nil
}

func limit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
