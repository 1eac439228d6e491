package orchestrator

import (
	"math"
	"sort"
	"time"
)

// AnomalyKind names a market-level inefficiency.
type AnomalyKind string

const (
	AnomalyConcentration     AnomalyKind = "concentration"
	AnomalyAsymmetry         AnomalyKind = "information-asymmetry"
	AnomalyPriceManipulation AnomalyKind = "price-manipulation"
	AnomalyLowEfficiency     AnomalyKind = "low-efficiency"
)

// Severity grades an anomaly for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Anomaly is one detection produced by a coordination cycle.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Severity  Severity    `json:"severity"`
	Value     float64     `json:"value"`
	Threshold float64     `json:"threshold"`
	Goods     []string    `json:"goods,omitempty"`
	Detail    string      `json:"detail"`
	Cycle     uint64      `json:"cycle"`
	At        time.Time   `json:"at"`
}

// senderWindow remembers the senders of the most recently routed messages.
type senderWindow struct {
	buf   []string
	next  int
	full  bool
	count map[string]int
}

func newSenderWindow(size int) *senderWindow {
	return &senderWindow{buf: make([]string, size), count: make(map[string]int)}
}

func (w *senderWindow) add(sender string) {
	if len(w.buf) == 0 {
		return
	}
	if w.full {
		old := w.buf[w.next]
		if w.count[old]--; w.count[old] <= 0 {
			delete(w.count, old)
		}
	}
	w.buf[w.next] = sender
	w.count[sender]++
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

func (w *senderWindow) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// hhi is the Herfindahl-Hirschman index of sender shares in the window.
func (w *senderWindow) hhi() float64 {
	total := w.len()
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range w.count {
		share := float64(c) / float64(total)
		h += share * share
	}
	return h
}

// asymmetryRatio is std/(mean+0.1) of per-agent information facts.
func asymmetryRatio(facts []float64) float64 {
	if len(facts) < 2 {
		return 0
	}
	m, sd := meanStd(facts)
	return sd / (m + 0.1)
}

// manipulatedGoods flags goods whose largest step change inside the window
// exceeds ratio times the mean price. Goods with fewer than minPoints
// observations are skipped.
func manipulatedGoods(history []Snapshot, window, minPoints int, ratio float64) []string {
	start := max(len(history)-window, 0)
	goods := make(map[string]struct{})
	for _, s := range history[start:] {
		for g := range s.Prices {
			goods[g] = struct{}{}
		}
	}
	var out []string
	for g := range goods {
		series := priceSeries(history, g, window)
		if len(series) < minPoints {
			continue
		}
		mean, _ := meanStd(series)
		var maxJump float64
		for i := 1; i < len(series); i++ {
			maxJump = math.Max(maxJump, math.Abs(series[i]-series[i-1]))
		}
		if maxJump > ratio*mean {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
