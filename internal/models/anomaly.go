package models

import "time"

// Anomaly is a market-level detection raised by a coordination cycle.
type Anomaly struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Kind       string `gorm:"size:32;not null;index"`
	Severity   string `gorm:"size:16;index"`
	Goods      string `gorm:"type:text"`
	Detail     string `gorm:"type:text"`
	Value      float64
	Threshold  float64
	Cycle      uint64
	DetectedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}
