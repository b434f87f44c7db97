// Package pipeline holds the boundary to the external rule engine. The
// engine is treated as an opaque scorer: records in, scored results out.
package pipeline

import (
	"context"
	"strings"

	"rulegate/internal/domain"
)

// Executor runs one ruleset over a batch of records.
type Executor interface {
	Execute(ctx context.Context, rs domain.Ruleset, records []domain.Record) ([]domain.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, rs domain.Ruleset, records []domain.Record) ([]domain.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, rs domain.Ruleset, records []domain.Record) ([]domain.Result, error) {
	return f(ctx, rs, records)
}

const DefaultConfidence = 0.5

// Strategy names the routing bucket a confidence falls into.
func Strategy(confidence float64, th domain.Thresholds) string {
	switch {
	case confidence >= th.THigh:
		return "auto_pass"
	case confidence >= th.TLow:
		return "review"
	default:
		return "human_required"
	}
}

// Passthrough scores records with the values they already carry. Records
// without a canon text get their whitespace-collapsed text; records without
// a confidence get DefaultConfidence.
type Passthrough struct{}

func (Passthrough) Execute(ctx context.Context, rs domain.Ruleset, records []domain.Record) ([]domain.Result, error) {
	out := make([]domain.Result, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		canon := rec.CanonText
		if canon == "" {
			canon = strings.Join(strings.Fields(rec.Text), " ")
		}
		conf := DefaultConfidence
		if rec.Confidence != nil {
			conf = min(max(*rec.Confidence, 0), 1)
		}
		strategy := Strategy(conf, rs.Config.Thresholds)
		out = append(out, domain.Result{
			RawID:      rec.RawID,
			CanonText:  canon,
			Confidence: conf,
			Strategy:   strategy,
			Evidence: []domain.EvidenceItem{{
				Source:         "pipeline",
				RawID:          rec.RawID,
				RulesetID:      rs.ID,
				RulesetVersion: rs.Version,
				Strategy:       strategy,
			}},
		})
	}
	return out, nil
}
