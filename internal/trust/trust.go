// Package trust scores peers and weights the confidence of the market
// signals they emit.
package trust

import (
	"math"
	"sort"
	"sync"
)

const (
	// SeedScore is the reputation assigned on first contact.
	SeedScore = 0.5
	// ObserveStep is added for every subsequent message received.
	ObserveStep = 0.01
)

// Ledger tracks per-peer reputation in [0, 1] as seen by one agent.
// It is safe for concurrent use.
type Ledger struct {
	mu     sync.RWMutex
	scores map[string]float64
}

func NewLedger() *Ledger {
	return &Ledger{scores: make(map[string]float64)}
}

// Observe records a message from peer and returns the updated score. The
// first observation seeds the score; later ones raise it by ObserveStep.
func (l *Ledger) Observe(peer string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scores[peer]
	if !ok {
		s = SeedScore
	} else {
		s = clamp01(s + ObserveStep)
	}
	l.scores[peer] = s
	return s
}

// Penalize lowers peer's score by amount, seeding it first if unknown.
func (l *Ledger) Penalize(peer string, amount float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scores[peer]
	if !ok {
		s = SeedScore
	}
	s = clamp01(s - amount)
	l.scores[peer] = s
	return s
}

// Score returns peer's reputation, or SeedScore for a peer never observed.
func (l *Ledger) Score(peer string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.scores[peer]; ok {
		return s
	}
	return SeedScore
}

// Known reports whether peer has been observed.
func (l *Ledger) Known(peer string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.scores[peer]
	return ok
}

// Peers returns the observed peer ids in sorted order.
func (l *Ledger) Peers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.scores))
	for p := range l.scores {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the current scores.
func (l *Ledger) Snapshot() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.scores))
	for k, v := range l.scores {
		out[k] = v
	}
	return out
}

// Mean is the average score over observed peers, or SeedScore when empty.
func (l *Ledger) Mean() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.scores) == 0 {
		return SeedScore
	}
	var sum float64
	for _, v := range l.scores {
		sum += v
	}
	return sum / float64(len(l.scores))
}

// SignalConfidence scores a freshly emitted signal: 0.5 base, up to 0.3 from
// supporting observations at 0.05 each, and 0.2 more when several sources
// agree. The result never exceeds 1.
func SignalConfidence(observations int, multipleSources bool) float64 {
	c := 0.5 + math.Min(0.3, 0.05*float64(max(observations, 0)))
	if multipleSources {
		c += 0.2
	}
	return math.Min(c, 1)
}

// Weight discounts a received signal's confidence by the emitter's reputation.
func Weight(confidence, reputation float64) float64 {
	return clamp01(confidence) * clamp01(reputation)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
