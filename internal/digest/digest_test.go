package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xChokes/mercado-sub000/internal/alerting"
	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeStore struct {
	summary   journal.Summary
	err       error
	since     time.Time
	cutoff    time.Time
	pruneRows int64
}

func (f *fakeStore) Summarize(_ context.Context, since time.Time) (journal.Summary, error) {
	f.since = since
	return f.summary, f.err
}

func (f *fakeStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.pruneRows, f.err
}

type fakeStats struct{ st orchestrator.Stats }

func (f fakeStats) Stats() orchestrator.Stats { return f.st }

type fakeSender struct {
	msgs []alerting.Message
	full bool
}

func (f *fakeSender) Enqueue(msg alerting.Message) bool {
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 9 * * *"))
	assert.NoError(t, Validate("*/15 * * * 1-5"))
	assert.Error(t, Validate("0 9 * *"))
	assert.Error(t, Validate("not a schedule"))
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("0 9 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), next)

	_, err = NextRun("bad", now)
	assert.Error(t, err)
}

func TestNew_ValidatesSchedules(t *testing.T) {
	_, err := New(Config{Schedule: "bad"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{PruneSchedule: "0 3 * * *"}, nil, nil, nil)
	assert.Error(t, err, "retention required")

	_, err = New(Config{Schedule: "0 9 * * *", PruneSchedule: "0 3 * * *", Retention: time.Hour}, nil, nil, nil)
	assert.NoError(t, err)
}

func TestFire_SuppressesIdleWindow(t *testing.T) {
	out := &fakeSender{}
	s, err := New(Config{Now: func() time.Time { return now }}, nil, &fakeStore{}, out)
	require.NoError(t, err)

	sent, err := s.Fire(context.Background())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, out.msgs)

	s.cfg.SendIdle = true
	sent, err = s.Fire(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestFire_QueuesDigest(t *testing.T) {
	store := &fakeStore{summary: journal.Summary{
		Cycles:         12,
		Messages:       40,
		ByOutcome:      map[string]int64{"routed": 38, "dropped": 2},
		Anomalies:      1,
		ByKind:         map[string]int64{"concentration": 1},
		MeanEfficiency: 0.62,
		ActiveAgents:   6,
	}}
	stats := fakeStats{st: orchestrator.Stats{Cycles: 12, ActiveAgents: 6, TotalAgents: 7}}
	out := &fakeSender{}
	s, err := New(Config{ChannelID: "C1", Window: 12 * time.Hour, Now: func() time.Time { return now }}, stats, store, out)
	require.NoError(t, err)

	sent, err := s.Fire(context.Background())
	require.NoError(t, err)
	require.True(t, sent)

	assert.Equal(t, now.Add(-12*time.Hour), store.since)
	require.Len(t, out.msgs, 1)
	msg := out.msgs[0]
	assert.Equal(t, "C1", msg.ChannelID)
	require.Len(t, msg.Events, 1)
	evt := msg.Events[0]
	assert.Equal(t, "Market Digest", evt.Title)
	assert.Contains(t, evt.Body, "dropped 2, routed 38")
	assert.Contains(t, evt.Body, "concentration 1")
	assert.Contains(t, evt.Body, "6 active of 7 agents")
	require.Len(t, evt.Fields, 4)
	assert.Equal(t, "40", evt.Fields[1].Value)
}

func TestFire_Errors(t *testing.T) {
	s, _ := New(Config{}, nil, &fakeStore{err: errors.New("db down")}, &fakeSender{})
	_, err := s.Fire(context.Background())
	assert.Error(t, err)

	s, _ = New(Config{SendIdle: true}, nil, &fakeStore{}, &fakeSender{full: true})
	_, err = s.Fire(context.Background())
	assert.Error(t, err)
}

func TestPrune_UsesRetention(t *testing.T) {
	store := &fakeStore{pruneRows: 9}
	s, err := New(Config{PruneSchedule: "0 3 * * *", Retention: 72 * time.Hour, Now: func() time.Time { return now }}, nil, store, nil)
	require.NoError(t, err)

	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, now.Add(-72*time.Hour), store.cutoff)
}

func TestRun_ReturnsWhenDisabled(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return with no schedules")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := New(Config{Schedule: "0 9 * * *"}, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFormat_LiveOnly(t *testing.T) {
	msg := Format(Report{
		PeriodStart: now.Add(-time.Hour),
		PeriodEnd:   now,
		Live:        &orchestrator.Stats{Cycles: 3, MessagesRouted: 5, MessagesDropped: 1},
	})
	require.Len(t, msg.Events[0].Fields, 2)
	assert.Equal(t, "5", msg.Events[0].Fields[0].Value)
}
