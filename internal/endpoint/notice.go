package endpoint

import (
	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// Notices returns copies of the recorded notices, oldest first.
func (e *Endpoint) Notices() []Notice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Notice, len(e.notices))
	for i, n := range e.notices {
		n.Payload = n.Payload.Clone()
		out[i] = n
	}
	return out
}

func (e *Endpoint) recordNotice(m *protocol.Message) {
	topic := m.Payload.String(protocol.KeyTopic)
	if topic == "" {
		topic = m.Kind.String()
	}
	n := Notice{
		From:    m.Sender,
		Kind:    m.Kind,
		Topic:   topic,
		Payload: m.Payload.Clone(),
		At:      e.opts.Now(),
	}
	e.mu.Lock()
	e.notices = append(e.notices, n)
	if over := len(e.notices) - e.opts.NoticeHistory; over > 0 {
		e.notices = append([]Notice(nil), e.notices[over:]...)
	}
	e.mu.Unlock()
	if e.opts.OnNotice != nil {
		e.opts.OnNotice(e.id, n)
	}
}

func (e *Endpoint) handleMarketInfo(m *protocol.Message) error {
	switch m.Payload.String(protocol.KeyTopic) {
	case protocol.TopicNegotiationClosed:
		e.applyClosed(m)
	case protocol.TopicMediation:
		e.applyMediation(m)
	case protocol.TopicAllianceSuggestion:
		e.applySuggestion(m)
	}
	e.recordNotice(m)
	return nil
}

// handleInformational records risk alerts, shared knowledge and
// competitor warnings for the agent's decision logic.
func (e *Endpoint) handleInformational(m *protocol.Message) error {
	e.recordNotice(m)
	return nil
}

func (e *Endpoint) handlePriceProposal(m *protocol.Message) error {
	e.recordNotice(m)
	d := Decision{Action: ActionReject, Reason: protocol.ReasonNoPolicy}
	if e.opts.PricePolicy != nil {
		d = e.opts.PricePolicy.EvaluateProposal(m.Sender, m.Payload.Clone())
	}
	price, _ := m.Payload.Float(protocol.KeyProposedPrice)
	base := protocol.Payload{protocol.KeyGood: m.Payload.String(protocol.KeyGood)}

	switch d.Action {
	case ActionAccept:
		base[protocol.KeyProposedPrice] = price
		e.reply(m, protocol.KindAccept, base, protocol.PriorityHigh, false)
	case ActionCounter:
		base[protocol.KeyProposedPrice] = d.Price
		e.reply(m, protocol.KindCounterOffer, base, protocol.PriorityHigh, false)
	default:
		if d.Reason == "" {
			d.Reason = "declined"
		}
		base[protocol.KeyReason] = d.Reason
		e.reply(m, protocol.KindReject, base, protocol.PriorityNormal, false)
	}
	return nil
}

// handleBuyCoordination answers coordination requests. Answers themselves
// do not require a reply and are only recorded.
func (e *Endpoint) handleBuyCoordination(m *protocol.Message) error {
	e.recordNotice(m)
	if !m.RequiresReply {
		return nil
	}
	payload := protocol.Payload{
		protocol.KeyGood:       m.Payload.String(protocol.KeyGood),
		protocol.KeyCommitment: false,
	}
	if e.opts.PricePolicy == nil {
		payload[protocol.KeyReason] = protocol.ReasonNoPolicy
	} else {
		commit, detail := e.opts.PricePolicy.Coordinate(m.Sender, m.Payload.Clone())
		payload[protocol.KeyCommitment] = commit
		if len(detail) > 0 {
			payload[protocol.KeyDetail] = detail
		}
	}
	e.reply(m, protocol.KindBuyCoordination, payload, protocol.PriorityNormal, false)
	return nil
}
