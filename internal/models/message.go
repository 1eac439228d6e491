package models

import "time"

// Message is one routed message in the journal. Broadcasts are stored once
// with the number of agents they reached.
type Message struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	MessageID  string `gorm:"size:64;not null;index"`
	Sender     string `gorm:"size:64;not null;index"`
	Recipient  string `gorm:"size:64;not null;index"`
	Kind       string `gorm:"size:32;index"`
	Priority   string `gorm:"size:8;default:normal"`
	Channel    string `gorm:"size:64"`
	ReplyTo    string `gorm:"size:64"`
	Payload    string `gorm:"type:text"`
	Outcome    string `gorm:"size:16;index"`
	Reason     string `gorm:"size:32"`
	Recipients int
	SentAt     time.Time
	CreatedAt  time.Time `gorm:"index"`
}
