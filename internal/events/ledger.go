package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"rulegate/internal/domain"
)

// Audit event types.
const (
	TypeChangeRequestCreated     = "change_request_created"
	TypeApprovalChanged          = "approval_changed"
	TypeApprovalChangeBlocked    = "approval_change_blocked"
	TypeRulesetActivationBlocked = "ruleset_activation_blocked"
	TypeRulesetActivated         = "ruleset_activated"
	TypeRulesetSeeded            = "ruleset_seeded"
	TypeRulesetUpserted          = "ruleset_upserted"
	TypeReviewApplied            = "review_applied"
	TypeAgentRunStart            = "agent_run_start"
	TypeToolCall                 = "tool_call"
	TypeBaselineCompleted        = "baseline_completed"
	TypeCandidateCompleted       = "candidate_completed"
	TypeScorecardComputed        = "scorecard_computed"
	TypeCanaryAborted            = "canary_aborted"
)

type EventPayload map[string]any

// New builds an event with a fresh id. Seq is assigned by the ledger.
func New(evtType, caller, relatedChangeID string, payload EventPayload, now time.Time) domain.AuditEvent {
	if payload == nil {
		payload = EventPayload{}
	}
	return domain.AuditEvent{
		ID:              uuid.New().String(),
		Type:            evtType,
		Caller:          caller,
		Payload:         payload,
		RelatedChangeID: relatedChangeID,
		CreatedAt:       now.UTC().Format(time.RFC3339),
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	RelatedChangeID string
	Type            string
	AfterSeq        int64
	Limit           int
}

// Ledger is the in-memory append-only audit log with a change-id index.
type Ledger struct {
	mu       sync.RWMutex
	events   []domain.AuditEvent
	byChange map[string][]int
}

func NewLedger() *Ledger {
	return &Ledger{byChange: make(map[string][]int)}
}

// NextSeq is the sequence number the next appended event will carry.
func (l *Ledger) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeqLocked()
}

func (l *Ledger) nextSeqLocked() int64 {
	if len(l.events) == 0 {
		return 1
	}
	return l.events[len(l.events)-1].Seq + 1
}

// Append adds events in order. Events whose Seq is unset get the next one.
func (l *Ledger) Append(evts ...domain.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range evts {
		if evt.Seq == 0 {
			evt.Seq = l.nextSeqLocked()
		}
		idx := len(l.events)
		l.events = append(l.events, evt)
		if evt.RelatedChangeID != "" {
			l.byChange[evt.RelatedChangeID] = append(l.byChange[evt.RelatedChangeID], idx)
		}
	}
}

// Reset replaces the whole log, used when hydrating from a mirror.
func (l *Ledger) Reset(evts []domain.AuditEvent) {
	l.mu.Lock()
	l.events = nil
	l.byChange = make(map[string][]int)
	l.mu.Unlock()
	l.Append(evts...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// List returns matching events in append order.
func (l *Ledger) List(f Filter) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.AuditEvent
	match := func(evt domain.AuditEvent) bool {
		if f.Type != "" && evt.Type != f.Type {
			return false
		}
		return evt.Seq > f.AfterSeq
	}
	if f.RelatedChangeID != "" {
		for _, idx := range l.byChange[f.RelatedChangeID] {
			if evt := l.events[idx]; match(evt) {
				out = append(out, evt)
			}
		}
	} else {
		for _, evt := range l.events {
			if match(evt) {
				out = append(out, evt)
			}
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
