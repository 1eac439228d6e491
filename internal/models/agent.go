package models

import "time"

// Agent is the last known registration of a market participant.
type Agent struct {
	AgentID      string `gorm:"primaryKey;size:64"`
	Role         string `gorm:"size:16;index"`
	Capabilities string `gorm:"type:text"`
	Active       bool   `gorm:"index"`
	RegisteredAt time.Time
	LastActivity time.Time
	UpdatedAt    time.Time
}
