package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	rglog "rulegate/internal/log"
)

type fakeSource struct {
	cr    domain.ChangeRequest
	trail []domain.AuditEvent
}

func (f fakeSource) GetChangeRequest(ctx context.Context, changeID string) (domain.ChangeRequest, error) {
	if changeID != f.cr.ID {
		return domain.ChangeRequest{}, domain.NotFound("change_request", changeID)
	}
	return f.cr, nil
}

func (f fakeSource) ListAuditEvents(filter events.Filter) []domain.AuditEvent {
	var out []domain.AuditEvent
	for _, evt := range f.trail {
		if filter.RelatedChangeID == "" || evt.RelatedChangeID == filter.RelatedChangeID {
			out = append(out, evt)
		}
	}
	return out
}

func TestChangeRequestWorkbook(t *testing.T) {
	src := fakeSource{
		cr: domain.ChangeRequest{
			ID:              "cr-1",
			Status:          domain.ChangeApproved,
			Recommendation:  domain.RecommendAccept,
			FromRulesetID:   "v1",
			ToRulesetID:     "v2",
			EvidenceBullets: []string{"auto_pass_rate up"},
			Scorecard: domain.Scorecard{
				Recommendation: domain.RecommendAccept,
				Delta:          domain.TaskMetrics{AutoPassRate: 0.25},
				Reasons:        []string{"auto_pass_rate improved by +0.2500"},
			},
		},
		trail: []domain.AuditEvent{
			{Seq: 3, Type: events.TypeChangeRequestCreated, Caller: "alice", RelatedChangeID: "cr-1", Payload: map[string]any{"k": "v"}},
			{Seq: 4, Type: events.TypeToolCall, Caller: "admin"},
			{Seq: 5, Type: events.TypeApprovalChanged, Caller: "carol", RelatedChangeID: "cr-1"},
		},
	}
	svc := NewService(src, rglog.Discard())
	data, err := svc.ChangeRequestXLSX(context.Background(), "cr-1")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{SheetChange, SheetScorecard, SheetAudit}, f.GetSheetList())

	id, err := f.GetCellValue(SheetChange, "B2")
	require.NoError(t, err)
	assert.Equal(t, "cr-1", id)

	rows, err := f.GetRows(SheetChange)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, []string{"evidence_1", "auto_pass_rate up"}, last)

	metric, err := f.GetCellValue(SheetScorecard, "A2")
	require.NoError(t, err)
	assert.Equal(t, "auto_pass_rate", metric)
	delta, err := f.GetCellValue(SheetScorecard, "D2")
	require.NoError(t, err)
	assert.Equal(t, "0.25", delta)

	audit, err := f.GetRows(SheetAudit)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, "change_request_created", audit[1][1])
	assert.Equal(t, `{"k":"v"}`, audit[1][4])
	assert.Equal(t, "approval_changed", audit[2][1])
}

func TestWorkbookUnknownChange(t *testing.T) {
	svc := NewService(fakeSource{}, nil)
	_, err := svc.ChangeRequestXLSX(context.Background(), "missing")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
