package protocol

import (
	"fmt"
	"time"
)

// Scope is how far a market signal is meant to travel.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeSector Scope = "sector"
	ScopeGlobal Scope = "global"
)

// Well-known signal kinds. Emitters may use others.
const (
	SignalHighPrice   = "high-price"
	SignalLowDemand   = "low-demand"
	SignalOpportunity = "opportunity"
)

// Keys inside MarketSignal.SupportingData that feed confidence scoring.
const (
	DataObservations    = "observations"
	DataMultipleSources = "multiple_sources"
)

// MarketSignal is a trust-weighted observation about a good.
type MarketSignal struct {
	ID             string
	Emitter        string
	Kind           string
	Good           string
	Intensity      float64
	Confidence     float64
	SupportingData map[string]any
	Scope          Scope
	CreatedAt      time.Time
}

func (s *MarketSignal) Clone() MarketSignal {
	c := *s
	c.SupportingData = make(map[string]any, len(s.SupportingData))
	for k, v := range s.SupportingData {
		c.SupportingData[k] = v
	}
	return c
}

// ToMap renders the signal as a message payload.
func (s *MarketSignal) ToMap() map[string]any {
	data := make(map[string]any, len(s.SupportingData))
	for k, v := range s.SupportingData {
		data[k] = v
	}
	return map[string]any{
		"signal_id":       s.ID,
		"emitter":         s.Emitter,
		"signal_kind":     s.Kind,
		"good":            s.Good,
		"intensity":       s.Intensity,
		"confidence":      s.Confidence,
		"supporting_data": data,
		"scope":           string(s.Scope),
		"created_at":      formatTime(s.CreatedAt),
	}
}

// SignalFromMap parses a payload produced by ToMap.
func SignalFromMap(raw map[string]any) (*MarketSignal, error) {
	p := Payload(raw)
	s := &MarketSignal{
		ID:             p.String("signal_id"),
		Emitter:        p.String("emitter"),
		Kind:           p.String("signal_kind"),
		Good:           p.String("good"),
		Scope:          Scope(p.String("scope")),
		SupportingData: Payload(p.Map("supporting_data")).Clone(),
	}
	if s.ID == "" || s.Emitter == "" {
		return nil, fmt.Errorf("protocol: signal payload missing id or emitter")
	}
	var ok bool
	if s.Intensity, ok = p.Float("intensity"); !ok {
		return nil, fmt.Errorf("protocol: signal %s: missing intensity", s.ID)
	}
	if s.Confidence, ok = p.Float("confidence"); !ok {
		return nil, fmt.Errorf("protocol: signal %s: missing confidence", s.ID)
	}
	s.CreatedAt, _ = p.Time("created_at")
	if s.Scope == "" {
		s.Scope = ScopeLocal
	}
	return s, nil
}
