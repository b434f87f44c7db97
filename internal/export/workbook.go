// Package export renders a change request and its audit trail as an XLSX
// workbook for offline review.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/scorecard"
)

// Source is the read side the exporter needs.
type Source interface {
	GetChangeRequest(ctx context.Context, changeID string) (domain.ChangeRequest, error)
	ListAuditEvents(f events.Filter) []domain.AuditEvent
}

const (
	SheetChange    = "Change"
	SheetScorecard = "Scorecard"
	SheetAudit     = "Audit"
)

type Service struct {
	src    Source
	logger logrus.FieldLogger
}

func NewService(src Source, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{src: src, logger: logger}
}

// ChangeRequestXLSX returns the workbook bytes for one change request.
func (s *Service) ChangeRequestXLSX(ctx context.Context, changeID string) ([]byte, error) {
	start := time.Now()
	cr, err := s.src.GetChangeRequest(ctx, changeID)
	if err != nil {
		return nil, err
	}
	trail := s.src.ListAuditEvents(events.Filter{RelatedChangeID: changeID})

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", SheetChange); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetScorecard, SheetAudit} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	if err := writeChange(f, cr); err != nil {
		return nil, err
	}
	if err := writeScorecard(f, cr.Scorecard); err != nil {
		return nil, err
	}
	if err := writeAudit(f, trail); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(SheetChange)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"change_id":  changeID,
		"events":     len(trail),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("change request exported")
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, r+1, err)
		}
	}
	return nil
}

func writeChange(f *excelize.File, cr domain.ChangeRequest) error {
	rows := [][]any{
		{"Field", "Value"},
		{"change_id", cr.ID},
		{"status", string(cr.Status)},
		{"recommendation", string(cr.Recommendation)},
		{"from_ruleset_id", cr.FromRulesetID},
		{"to_ruleset_id", cr.ToRulesetID},
		{"baseline_task_id", cr.BaselineTaskID},
		{"candidate_task_id", cr.CandidateTaskID},
		{"t_low", fmt.Sprintf("%.4f -> %.4f (%+.4f)", cr.Diff.From.TLow, cr.Diff.To.TLow, cr.Diff.DeltaTLow)},
		{"t_high", fmt.Sprintf("%.4f -> %.4f (%+.4f)", cr.Diff.From.THigh, cr.Diff.To.THigh, cr.Diff.DeltaTHigh)},
		{"created_by", cr.CreatedBy},
		{"created_at", cr.CreatedAt},
		{"approved_by", cr.ApprovedBy},
		{"approved_at", cr.ApprovedAt},
		{"approval_comment", cr.ApprovalComment},
		{"rejected_by", cr.RejectedBy},
		{"rejected_at", cr.RejectedAt},
		{"rejection_reason", cr.RejectionReason},
		{"activated_by", cr.ActivatedBy},
		{"activated_at", cr.ActivatedAt},
	}
	for i, b := range cr.EvidenceBullets {
		rows = append(rows, []any{fmt.Sprintf("evidence_%d", i+1), b})
	}
	if err := writeRows(f, SheetChange, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetChange, "A", "A", 20)
	_ = f.SetColWidth(SheetChange, "B", "B", 80)
	return nil
}

func writeScorecard(f *excelize.File, sc domain.Scorecard) error {
	rows := [][]any{{"Metric", "Baseline", "Candidate", "Delta"}}
	for _, name := range scorecard.MetricNames() {
		rows = append(rows, []any{name,
			scorecard.Value(sc.Baseline, name), scorecard.Value(sc.Candidate, name), scorecard.Value(sc.Delta, name)})
	}
	rows = append(rows, []any{}, []any{"Recommendation", string(sc.Recommendation)})
	for _, reason := range sc.Reasons {
		rows = append(rows, []any{"Reason", reason})
	}
	if err := writeRows(f, SheetScorecard, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetScorecard, "A", "A", 26)
	_ = f.SetColWidth(SheetScorecard, "B", "D", 14)
	return nil
}

func writeAudit(f *excelize.File, trail []domain.AuditEvent) error {
	rows := [][]any{{"Seq", "Event", "Caller", "Created", "Payload"}}
	for _, evt := range trail {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", evt.ID, err)
		}
		rows = append(rows, []any{evt.Seq, evt.Type, evt.Caller, evt.CreatedAt, string(payload)})
	}
	if err := writeRows(f, SheetAudit, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetAudit, "B", "B", 28)
	_ = f.SetColWidth(SheetAudit, "D", "D", 22)
	_ = f.SetColWidth(SheetAudit, "E", "E", 80)
	return nil
}
