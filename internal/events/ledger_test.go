package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
)

func TestLedgerAssignsSequence(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, int64(1), l.NextSeq())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Append(New(TypeRulesetSeeded, "admin", "", nil, now), New(TypeChangeRequestCreated, "alice", "cr-1", EventPayload{"k": "v"}, now))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(3), l.NextSeq())

	all := l.List(Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, int64(2), all[1].Seq)
	assert.NotEmpty(t, all[0].ID)
	assert.NotNil(t, all[0].Payload)
	assert.Equal(t, "2026-03-01T12:00:00Z", all[0].CreatedAt)
}

func TestLedgerFilters(t *testing.T) {
	l := NewLedger()
	now := time.Now()
	l.Append(
		New(TypeChangeRequestCreated, "alice", "cr-1", nil, now),
		New(TypeChangeRequestCreated, "alice", "cr-2", nil, now),
		New(TypeApprovalChanged, "carol", "cr-1", nil, now),
		New(TypeRulesetActivationBlocked, "bob", "", nil, now),
		New(TypeRulesetActivated, "admin", "cr-1", nil, now),
	)

	byChange := l.List(Filter{RelatedChangeID: "cr-1"})
	assert.Equal(t, []int64{1, 3, 5}, seqs(byChange))

	assert.Equal(t, []int64{3, 5}, seqs(l.List(Filter{RelatedChangeID: "cr-1", AfterSeq: 1})))
	assert.Equal(t, []int64{1, 2}, seqs(l.List(Filter{Type: TypeChangeRequestCreated})))
	assert.Equal(t, []int64{4, 5}, seqs(l.List(Filter{AfterSeq: 3})))
	assert.Equal(t, []int64{1, 2}, seqs(l.List(Filter{Limit: 2})))
	assert.Empty(t, l.List(Filter{RelatedChangeID: "unknown"}))
}

func TestLedgerResetKeepsStoredSequence(t *testing.T) {
	l := NewLedger()
	l.Append(New(TypeRulesetSeeded, "admin", "", nil, time.Now()))
	l.Reset([]domain.AuditEvent{
		{ID: "a", Seq: 10, Type: TypeChangeRequestCreated, RelatedChangeID: "cr-9"},
		{ID: "b", Seq: 11, Type: TypeApprovalChanged, RelatedChangeID: "cr-9"},
	})
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(12), l.NextSeq())
	assert.Equal(t, []int64{10, 11}, seqs(l.List(Filter{RelatedChangeID: "cr-9"})))
}

func seqs(evts []domain.AuditEvent) []int64 {
	out := make([]int64, len(evts))
	for i, e := range evts {
		out[i] = e.Seq
	}
	return out
}
