package alerting

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

const (
	defaultBuffer   = 64
	defaultCooldown = 5 * time.Minute
	flushTimeout    = 5 * time.Second
)

var severityRank = map[string]int{
	string(orchestrator.SeverityInfo):     0,
	string(orchestrator.SeverityWarning):  1,
	string(orchestrator.SeverityCritical): 2,
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Buffer      int           // queued messages before Enqueue drops (default 64)
	MinSeverity string        // lowest anomaly severity forwarded (default "warning")
	Cooldown    time.Duration // per anomaly kind (default 5m); critical alerts bypass it
	Logger      *slog.Logger
	Now         func() time.Time
}

// DispatcherStats counts dispatcher outcomes.
type DispatcherStats struct {
	Queued     int    `json:"queued"`
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Suppressed uint64 `json:"suppressed"`
}

// Dispatcher delivers alerts to every notifier off the caller's goroutine,
// so a slow chat API never stalls a coordination cycle.
type Dispatcher struct {
	notifiers []Notifier
	opts      DispatcherOpts
	log       *slog.Logger
	queue     chan Message

	mu       sync.Mutex
	lastSent map[orchestrator.AnomalyKind]time.Time

	sent, failed, dropped, suppressed atomic.Uint64
}

// NewDispatcher creates a dispatcher for the given notifiers.
func NewDispatcher(notifiers []Notifier, opts DispatcherOpts) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = string(orchestrator.SeverityWarning)
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		notifiers: notifiers,
		opts:      opts,
		log:       opts.Logger,
		queue:     make(chan Message, opts.Buffer),
		lastSent:  make(map[orchestrator.AnomalyKind]time.Time),
	}
}

// Enqueue queues msg without blocking. It returns false when the queue is
// full and the message was dropped.
func (d *Dispatcher) Enqueue(msg Message) bool {
	select {
	case d.queue <- msg:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn("alerting: queue full, alert dropped", "text", msg.Text)
		return false
	}
}

// Anomaly forwards an anomaly that passes the severity floor and the
// per-kind cooldown. It matches orchestrator.Options.OnAnomaly.
func (d *Dispatcher) Anomaly(a orchestrator.Anomaly) {
	if severityRank[string(a.Severity)] < severityRank[d.opts.MinSeverity] {
		return
	}
	now := d.opts.Now()
	d.mu.Lock()
	last, seen := d.lastSent[a.Kind]
	if seen && a.Severity != orchestrator.SeverityCritical && now.Sub(last) < d.opts.Cooldown {
		d.mu.Unlock()
		d.suppressed.Add(1)
		return
	}
	d.lastSent[a.Kind] = now
	d.mu.Unlock()
	d.Enqueue(AnomalyMessage(a))
}

// Run connects the notifiers and delivers queued messages until ctx is
// cancelled. Messages still queued at shutdown get a short flush window.
// Notifiers that fail to connect are logged and skipped.
func (d *Dispatcher) Run(ctx context.Context) error {
	active := make([]Notifier, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		if c, ok := n.(Connector); ok {
			if err := c.Connect(ctx); err != nil {
				d.log.Error("alerting: connect failed", "notifier", n.Name(), "error", err)
				continue
			}
		}
		active = append(active, n)
	}
	defer func() {
		for _, n := range active {
			if err := n.Close(); err != nil {
				d.log.Warn("alerting: close", "notifier", n.Name(), "error", err)
			}
		}
	}()
	d.log.Info("alerting: dispatcher started", "notifiers", len(active))

	for {
		select {
		case msg := <-d.queue:
			d.deliver(ctx, active, msg)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			for {
				select {
				case msg := <-d.queue:
					d.deliver(flushCtx, active, msg)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, notifiers []Notifier, msg Message) {
	for _, n := range notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			d.failed.Add(1)
			d.log.Warn("alerting: notify failed", "notifier", n.Name(), "error", err)
			continue
		}
		d.sent.Add(1)
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:     len(d.queue),
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Suppressed: d.suppressed.Load(),
	}
}
