package endpoint

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/xChokes/mercado-sub000/internal/protocol"
)

// FormAlliance creates an alliance led by this endpoint and sends a request
// to every target. The alliance is active immediately; members that refuse
// are pruned when their confirmation arrives.
func (e *Endpoint) FormAlliance(targets []string, kind protocol.AllianceKind, goal string, duration time.Duration) (string, error) {
	if _, err := protocol.ParseAllianceKind(string(kind)); err != nil {
		return "", err
	}
	var others []string
	for _, t := range targets {
		if t == "" || t == e.id || t == protocol.Broadcast || slices.Contains(others, t) {
			continue
		}
		others = append(others, t)
	}
	if len(others) == 0 {
		return "", ErrInvalidAlliance
	}
	now := e.opts.Now()

	e.mu.Lock()
	if e.activeAlliancesLocked() >= e.opts.MaxAlliances {
		e.mu.Unlock()
		return "", ErrAllianceLimit
	}
	id := protocol.NewID()
	a := &protocol.Alliance{
		ID:        id,
		Name:      fmt.Sprintf("%s-%s", kind, id[:8]),
		Creator:   e.id,
		Members:   append([]string{e.id}, others...),
		Kind:      kind,
		Goal:      goal,
		Rules:     protocol.DefaultRules(kind),
		CreatedAt: now,
		Duration:  duration,
		Active:    true,
		Confirmed: []string{e.id},
	}
	e.alliances[id] = a
	payload := protocol.Payload{
		protocol.KeyAllianceID:   id,
		protocol.KeyAllianceName: a.Name,
		protocol.KeyAllianceKind: string(kind),
		protocol.KeyGoal:         goal,
		protocol.KeyRules:        a.Clone().Rules,
		protocol.KeyMembers:      append([]string(nil), a.Members...),
		protocol.KeyDuration:     duration.Seconds(),
	}
	e.mu.Unlock()

	for _, t := range others {
		e.Send(t, protocol.KindAllianceRequest, payload.Clone(), SendOpts{
			Priority:      protocol.PriorityHigh,
			RequiresReply: true,
		})
	}
	e.log.Info("endpoint: alliance proposed", "alliance", id, "kind", string(kind), "members", len(others)+1)
	return id, nil
}

// DissolveAlliance deactivates an alliance and tells the other members.
func (e *Endpoint) DissolveAlliance(id string) error {
	e.mu.Lock()
	a, ok := e.alliances[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownAlliance
	}
	wasActive := a.Active
	a.Active = false
	var others []string
	for _, m := range a.Members {
		if m != e.id {
			others = append(others, m)
		}
	}
	e.mu.Unlock()

	if !wasActive {
		return nil
	}
	for _, peer := range others {
		e.Send(peer, protocol.KindAllianceDissolve, protocol.Payload{
			protocol.KeyAllianceID: id,
			protocol.KeyReason:     "dissolved",
		}, SendOpts{Priority: protocol.PriorityNormal})
	}
	return nil
}

// Alliance returns a copy of the alliance with the given id.
func (e *Endpoint) Alliance(id string) (protocol.Alliance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alliances[id]
	if !ok {
		return protocol.Alliance{}, false
	}
	return a.Clone(), true
}

// Alliances returns copies of every tracked alliance, oldest first.
func (e *Endpoint) Alliances() []protocol.Alliance {
	e.mu.Lock()
	out := make([]protocol.Alliance, 0, len(e.alliances))
	for _, a := range e.alliances {
		out = append(out, a.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveAlliances returns the number of active alliances this endpoint
// belongs to.
func (e *Endpoint) ActiveAlliances() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeAlliancesLocked()
}

func (e *Endpoint) activeAlliancesLocked() int {
	n := 0
	for _, a := range e.alliances {
		if a.Active {
			n++
		}
	}
	return n
}

func (e *Endpoint) handleAllianceRequest(m *protocol.Message) error {
	p := m.Payload
	id := p.String(protocol.KeyAllianceID)
	if id == "" {
		return fmt.Errorf("alliance request without id")
	}
	kind, err := protocol.ParseAllianceKind(p.String(protocol.KeyAllianceKind))
	if err != nil {
		return err
	}
	secs, _ := p.Float(protocol.KeyDuration)
	rules := make(map[string]any)
	for k, v := range p.Map(protocol.KeyRules) {
		rules[k] = v
	}
	members := p.Strings(protocol.KeyMembers)
	if !slices.Contains(members, m.Sender) {
		members = append([]string{m.Sender}, members...)
	}
	if !slices.Contains(members, e.id) {
		members = append(members, e.id)
	}
	a := &protocol.Alliance{
		ID:        id,
		Name:      p.String(protocol.KeyAllianceName),
		Creator:   m.Sender,
		Members:   members,
		Kind:      kind,
		Goal:      p.String(protocol.KeyGoal),
		Rules:     rules,
		CreatedAt: e.opts.Now(),
		Duration:  time.Duration(secs * float64(time.Second)),
		Active:    true,
	}

	e.mu.Lock()
	_, duplicate := e.alliances[id]
	atCap := e.activeAlliancesLocked() >= e.opts.MaxAlliances
	e.mu.Unlock()
	if duplicate {
		return nil
	}

	var d AllianceDecision
	switch {
	case atCap:
		d = AllianceDecision{Reason: protocol.ReasonAllianceLimit}
	case e.opts.AllianceEvaluator == nil:
		d = AllianceDecision{Reason: protocol.ReasonNoEvaluator}
	default:
		d = e.opts.AllianceEvaluator.Evaluate(AllianceRequest{
			From:       m.Sender,
			Alliance:   a.Clone(),
			Reputation: e.ledger.Score(m.Sender),
		})
	}

	if d.Accept {
		e.mu.Lock()
		if e.activeAlliancesLocked() >= e.opts.MaxAlliances {
			d = AllianceDecision{Reason: protocol.ReasonAllianceLimit}
		} else {
			e.alliances[id] = a
		}
		e.mu.Unlock()
	}

	payload := protocol.Payload{
		protocol.KeyAllianceID: id,
		protocol.KeyAccepted:   d.Accept,
	}
	if d.Reason != "" {
		payload[protocol.KeyReason] = d.Reason
	}
	if len(d.Conditions) > 0 {
		payload[protocol.KeyConditions] = d.Conditions
	}
	e.reply(m, protocol.KindAllianceConfirm, payload, protocol.PriorityHigh, false)
	e.log.Debug("endpoint: alliance request answered", "alliance", id, "from", m.Sender, "accepted", d.Accept, "reason", d.Reason)
	return nil
}

func (e *Endpoint) handleAllianceConfirm(m *protocol.Message) error {
	id := m.Payload.String(protocol.KeyAllianceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alliances[id]
	if !ok || a.Creator != e.id || !a.HasMember(m.Sender) {
		return nil
	}
	if m.Payload.Bool(protocol.KeyAccepted) {
		if !slices.Contains(a.Confirmed, m.Sender) {
			a.Confirmed = append(a.Confirmed, m.Sender)
		}
		return nil
	}
	a.RemoveMember(m.Sender)
	if len(a.Members) < 2 {
		a.Active = false
		e.log.Info("endpoint: alliance collapsed", "alliance", id, "reason", m.Payload.String(protocol.KeyReason))
	}
	return nil
}

func (e *Endpoint) handleAllianceDissolve(m *protocol.Message) error {
	id := m.Payload.String(protocol.KeyAllianceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alliances[id]
	if !ok || !a.Active {
		return nil
	}
	if m.Sender == a.Creator {
		a.Active = false
		return nil
	}
	a.RemoveMember(m.Sender)
	if len(a.Members) < 2 {
		a.Active = false
	}
	return nil
}

// applySuggestion forms the alliance the orchestrator proposed, with this
// endpoint as leader.
func (e *Endpoint) applySuggestion(m *protocol.Message) {
	kind, err := protocol.ParseAllianceKind(m.Payload.String(protocol.KeyAllianceKind))
	if err != nil {
		e.log.Debug("endpoint: bad alliance suggestion", "error", err)
		return
	}
	secs, _ := m.Payload.Float(protocol.KeyDuration)
	id, err := e.FormAlliance(
		m.Payload.Strings(protocol.KeyMembers),
		kind,
		m.Payload.String(protocol.KeyGoal),
		time.Duration(secs*float64(time.Second)),
	)
	if err != nil {
		e.log.Info("endpoint: alliance suggestion not taken", "kind", string(kind), "error", err)
		return
	}
	e.log.Info("endpoint: formed suggested alliance", "alliance", id, "kind", string(kind))
}
