// Package digest sends a periodic market digest to the operator channels
// and prunes the journal on its own schedule.
package digest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xChokes/mercado-sub000/internal/alerting"
	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a usable 5-field cron expression.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("digest: invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the first fire time of expr after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("digest: invalid schedule %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Summarizer is the part of the journal the digest reads and prunes.
type Summarizer interface {
	Summarize(ctx context.Context, since time.Time) (journal.Summary, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsSource supplies live orchestrator counters.
type StatsSource interface {
	Stats() orchestrator.Stats
}

// Sender queues an operator message. alerting.Dispatcher implements it.
type Sender interface {
	Enqueue(msg alerting.Message) bool
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is the digest cron expression; empty disables the digest.
	Schedule string
	// Window is how far back each digest looks (default 24h).
	Window time.Duration
	// PruneSchedule is the retention cron expression; empty disables pruning.
	PruneSchedule string
	Retention     time.Duration
	ChannelID     string
	// SendIdle sends a digest even when nothing happened in the window.
	SendIdle bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler fires the digest and prune jobs.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	stats StatsSource
	store Summarizer
	out   Sender
}

// New validates the schedules and returns a Scheduler. stats and store may
// be nil; the digest then carries only what is available.
func New(cfg Config, stats StatsSource, store Summarizer, out Sender) (*Scheduler, error) {
	if cfg.Schedule != "" {
		if err := Validate(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	if cfg.PruneSchedule != "" {
		if err := Validate(cfg.PruneSchedule); err != nil {
			return nil, err
		}
		if cfg.Retention <= 0 {
			return nil, fmt.Errorf("digest: prune schedule set without a retention period")
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{cfg: cfg, log: cfg.Logger, stats: stats, store: store, out: out}, nil
}

// Report is the content of one digest.
type Report struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Journal     *journal.Summary
	Live        *orchestrator.Stats
}

// Idle reports whether nothing was recorded in the window.
func (r Report) Idle() bool {
	if r.Journal != nil {
		return r.Journal.Cycles == 0 && r.Journal.Messages == 0 && r.Journal.Anomalies == 0
	}
	return r.Live == nil || r.Live.Cycles == 0
}

// Build assembles a report for the window ending now.
func (s *Scheduler) Build(ctx context.Context) (Report, error) {
	now := s.cfg.Now()
	r := Report{PeriodStart: now.Add(-s.cfg.Window), PeriodEnd: now}
	if s.store != nil {
		sum, err := s.store.Summarize(ctx, r.PeriodStart)
		if err != nil {
			return Report{}, fmt.Errorf("digest: summarize: %w", err)
		}
		r.Journal = &sum
	}
	if s.stats != nil {
		st := s.stats.Stats()
		r.Live = &st
	}
	return r, nil
}

// Fire builds and queues one digest. It returns false when the digest was
// suppressed for lack of activity.
func (s *Scheduler) Fire(ctx context.Context) (bool, error) {
	r, err := s.Build(ctx)
	if err != nil {
		return false, err
	}
	if r.Idle() && !s.cfg.SendIdle {
		s.log.Debug("digest: no activity, suppressed")
		return false, nil
	}
	msg := Format(r)
	msg.ChannelID = s.cfg.ChannelID
	if s.out == nil || !s.out.Enqueue(msg) {
		return false, fmt.Errorf("digest: alert queue unavailable")
	}
	s.log.Info("digest: queued", "period_start", r.PeriodStart, "period_end", r.PeriodEnd)
	return true, nil
}

// Prune removes journal rows older than the retention period.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	n, err := s.store.Prune(ctx, s.cfg.Now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("digest: prune: %w", err)
	}
	s.log.Info("digest: journal pruned", "rows", n, "retention", s.cfg.Retention)
	return n, nil
}

// Run fires the jobs on their schedules until ctx is cancelled. It returns
// immediately when both schedules are empty.
func (s *Scheduler) Run(ctx context.Context) error {
	digestTimer := s.timer(s.cfg.Schedule)
	pruneTimer := s.timer(s.cfg.PruneSchedule)
	if digestTimer == nil && pruneTimer == nil {
		return nil
	}
	defer func() {
		if digestTimer != nil {
			digestTimer.Stop()
		}
		if pruneTimer != nil {
			pruneTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timerChan(digestTimer):
			if _, err := s.Fire(ctx); err != nil {
				s.log.Warn("digest: fire", "error", err)
			}
			digestTimer.Reset(s.until(s.cfg.Schedule))
		case <-timerChan(pruneTimer):
			if _, err := s.Prune(ctx); err != nil {
				s.log.Warn("digest: prune", "error", err)
			}
			pruneTimer.Reset(s.until(s.cfg.PruneSchedule))
		}
	}
}

func (s *Scheduler) timer(expr string) *time.Timer {
	if expr == "" {
		return nil
	}
	return time.NewTimer(s.until(expr))
}

func (s *Scheduler) until(expr string) time.Duration {
	now := s.cfg.Now()
	next, err := NextRun(expr, now)
	if err != nil {
		return time.Hour
	}
	return max(next.Sub(now), time.Second)
}

// timerChan returns the timer's channel, or nil if the timer is nil so the
// select case never fires.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Format renders a report as an operator message.
func Format(r Report) alerting.Message {
	var lines []string
	lines = append(lines, fmt.Sprintf("*Period*: %s – %s",
		r.PeriodStart.Format("Jan 2 15:04"), r.PeriodEnd.Format("Jan 2 15:04")))

	var fields []alerting.Field
	if j := r.Journal; j != nil {
		lines = append(lines, fmt.Sprintf("*Cycles*: %d, mean efficiency %.2f", j.Cycles, j.MeanEfficiency))
		lines = append(lines, fmt.Sprintf("*Messages*: %d (%s)", j.Messages, formatCounts(j.ByOutcome)))
		if j.Anomalies > 0 {
			lines = append(lines, fmt.Sprintf("*Anomalies*: %d (%s)", j.Anomalies, formatCounts(j.ByKind)))
		}
		fields = append(fields,
			alerting.Field{Name: "Cycles", Value: fmt.Sprintf("%d", j.Cycles), Short: true},
			alerting.Field{Name: "Messages", Value: fmt.Sprintf("%d", j.Messages), Short: true},
			alerting.Field{Name: "Anomalies", Value: fmt.Sprintf("%d", j.Anomalies), Short: true},
			alerting.Field{Name: "Active agents", Value: fmt.Sprintf("%d", j.ActiveAgents), Short: true},
		)
	}
	if st := r.Live; st != nil {
		lines = append(lines, fmt.Sprintf("*Live*: %d active of %d agents, %d cycles, avg cycle %s",
			st.ActiveAgents, st.TotalAgents, st.Cycles, st.AvgCycleTime.Round(time.Microsecond)))
		lines = append(lines, fmt.Sprintf("*Efficiency*: %.2f (participation %.2f, stability %.2f, transactions %.2f)",
			st.LastEfficiency.Score, st.LastEfficiency.Participation,
			st.LastEfficiency.PriceStability, st.LastEfficiency.Transactions))
		if r.Journal == nil {
			fields = append(fields,
				alerting.Field{Name: "Routed", Value: fmt.Sprintf("%d", st.MessagesRouted), Short: true},
				alerting.Field{Name: "Dropped", Value: fmt.Sprintf("%d", st.MessagesDropped), Short: true},
			)
		}
	}

	return alerting.Message{
		Text: "Market digest",
		Events: []alerting.Event{{
			Title:    "Market Digest",
			Body:     strings.Join(lines, "\n"),
			Severity: "info",
			Color:    alerting.ColorInfo,
			Fields:   fields,
		}},
	}
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, m[k])
	}
	return strings.Join(parts, ", ")
}
