package models

import "time"

// Cycle records the outcome of one coordination cycle.
type Cycle struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement"`
	Cycle               uint64    `gorm:"index"`
	StartedAt           time.Time `gorm:"index"`
	DurationMs          float64
	Routed              int
	Dropped             int
	Deferred            int
	Mediations          int
	AllianceSuggestions int
	SignalsPropagated   int
	Efficiency          float64
	Participation       float64
	PriceStability      float64
	Transactions        float64
	Anomalies           int
	StepErrors          string `gorm:"type:text"`
	CreatedAt           time.Time
}
