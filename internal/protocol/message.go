package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Broadcast is the recipient marker for messages addressed to every
	// active agent except the sender.
	Broadcast = "*"

	// SystemSender is the sender id stamped on orchestrator notices.
	SystemSender = "orchestrator"

	DefaultChannel = "general"
	SignalChannel  = "market-signals"
)

// Expiry windows applied by NewMessage.
const (
	NegotiationTTL = 30 * time.Minute
	SignalTTL      = 5 * time.Minute
)

// NewID returns a fresh unique identifier.
func NewID() string {
	return uuid.NewString()
}

// Message is one unit of agent-to-agent traffic.
type Message struct {
	ID            string
	Sender        string
	Recipient     string
	Kind          Kind
	Payload       Payload
	Priority      Priority
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero means never
	RequiresReply bool
	ReplyTo       string
	Channel       string
}

// TTL returns the expiry window for a kind, or zero when messages of that
// kind never expire.
func TTL(k Kind) time.Duration {
	switch k {
	case KindNegotiate, KindCounterOffer:
		return NegotiationTTL
	case KindMarketSignal:
		return SignalTTL
	}
	return 0
}

// NewMessage builds a message stamped at now with the kind's expiry policy.
func NewMessage(now time.Time, sender, recipient string, kind Kind, payload Payload, priority Priority) *Message {
	if payload == nil {
		payload = Payload{}
	}
	if priority == 0 {
		priority = PriorityNormal
	}
	m := &Message{
		ID:        NewID(),
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
		Channel:   DefaultChannel,
	}
	if ttl := TTL(kind); ttl > 0 {
		m.ExpiresAt = now.Add(ttl)
	}
	return m
}

// Expired reports whether the message must no longer be delivered.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func (m *Message) IsBroadcast() bool {
	return m.Recipient == Broadcast
}

// Copy returns a message addressed to recipient with a cloned payload. Used
// when fanning a broadcast out to individual inboxes.
func (m *Message) Copy(recipient string) *Message {
	c := *m
	c.Recipient = recipient
	c.Payload = m.Payload.Clone()
	return &c
}

// ToMap renders the message as a self-describing map.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		"id":             m.ID,
		"sender":         m.Sender,
		"recipient":      m.Recipient,
		"kind":           m.Kind.String(),
		"payload":        map[string]any(m.Payload.Clone()),
		"priority":       m.Priority.String(),
		"created_at":     formatTime(m.CreatedAt),
		"requires_reply": m.RequiresReply,
		"channel":        m.Channel,
	}
	if !m.ExpiresAt.IsZero() {
		out["expires_at"] = formatTime(m.ExpiresAt)
	}
	if m.ReplyTo != "" {
		out["reply_to"] = m.ReplyTo
	}
	return out
}

// MessageFromMap rebuilds a message produced by ToMap.
func MessageFromMap(raw map[string]any) (*Message, error) {
	p := Payload(raw)
	kind, err := ParseKind(p.String("kind"))
	if err != nil {
		return nil, err
	}
	prio, err := ParsePriority(p.String("priority"))
	if err != nil {
		return nil, err
	}
	id := p.String("id")
	if id == "" {
		return nil, fmt.Errorf("protocol: message without id")
	}
	m := &Message{
		ID:            id,
		Sender:        p.String("sender"),
		Recipient:     p.String("recipient"),
		Kind:          kind,
		Payload:       Payload(p.Map("payload")).Clone(),
		Priority:      prio,
		RequiresReply: p.Bool("requires_reply"),
		ReplyTo:       p.String("reply_to"),
		Channel:       p.String("channel"),
	}
	m.CreatedAt, _ = p.Time("created_at")
	m.ExpiresAt, _ = p.Time("expires_at")
	if m.Channel == "" {
		m.Channel = DefaultChannel
	}
	return m, nil
}
