package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/store"
)

// RulesetInput is the payload of UpsertRuleset. Config is kept verbatim as
// the ruleset's config_json.
type RulesetInput struct {
	ID      string          `json:"ruleset_id,omitempty"`
	Version string          `json:"version" validate:"required"`
	Config  json.RawMessage `json:"config"`
}

const rulesetConfigSchema = `{
  "type": "object",
  "required": ["thresholds"],
  "properties": {
    "thresholds": {
      "type": "object",
      "required": ["t_low", "t_high"],
      "properties": {
        "t_low": {"type": "number", "minimum": 0, "maximum": 1},
        "t_high": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "feedback_counters": {
      "type": "object",
      "properties": {
        "review_approved": {"type": "integer", "minimum": 0},
        "review_rejected": {"type": "integer", "minimum": 0},
        "review_edited": {"type": "integer", "minimum": 0},
        "total_reviews": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("ruleset_config.json", strings.NewReader(rulesetConfigSchema)); err != nil {
			configSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		configSchema, configSchemaErr = compiler.Compile("ruleset_config.json")
	})
	return configSchema, configSchemaErr
}

// ParseRulesetConfig validates raw config JSON and decodes it.
func ParseRulesetConfig(raw []byte) (domain.RulesetConfig, error) {
	var cfg domain.RulesetConfig
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, domain.Invalid("config", "is required")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, domain.Invalid("config", "is not valid JSON: %v", err)
	}
	schema, err := compiledConfigSchema()
	if err != nil {
		return cfg, err
	}
	if err := schema.Validate(doc); err != nil {
		return cfg, domain.Invalid("config", "does not match schema: %v", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, domain.Invalid("config", "%v", err)
	}
	if cfg.Thresholds.TLow > cfg.Thresholds.THigh {
		return cfg, domain.Invalid("config.thresholds", "t_low must not exceed t_high")
	}
	return cfg, nil
}

// withCounters rewrites only the feedback_counters key of raw config JSON.
func withCounters(raw string, c domain.FeedbackCounters) (string, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("decode config_json: %w", err)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	doc["feedback_counters"] = b
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode config_json: %w", err)
	}
	return string(out), nil
}

func encodeConfig(cfg domain.RulesetConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode ruleset config: %w", err)
	}
	return string(b), nil
}

// UpsertRuleset creates or replaces a ruleset's version and config. It never
// changes is_active, and feedback counters never move backwards.
func (e Engine) UpsertRuleset(ctx context.Context, caller string, in RulesetInput) (domain.Ruleset, error) {
	if err := e.validateStruct(in); err != nil {
		return domain.Ruleset{}, err
	}
	cfg, err := ParseRulesetConfig(in.Config)
	if err != nil {
		return domain.Ruleset{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.New().String()
	}
	var out domain.Ruleset
	err = e.update(ctx, func(tx *store.Txn) error {
		now := e.timestamp()
		rs, exists := tx.Ruleset(id)
		if !exists {
			rs = domain.Ruleset{ID: id, CreatedAt: now}
		}
		prior := rs.Config.FeedbackCounters
		rs.Version = in.Version
		rs.ConfigJSON = string(in.Config)
		rs.Config = cfg
		if exists {
			merged := prior.Merge(cfg.FeedbackCounters)
			if merged != cfg.FeedbackCounters {
				raw, err := withCounters(rs.ConfigJSON, merged)
				if err != nil {
					return err
				}
				rs.ConfigJSON = raw
				rs.Config.FeedbackCounters = merged
			}
		}
		rs.UpdatedAt = now
		if err := tx.PutRuleset(rs); err != nil {
			return err
		}
		out = rs
		return e.appendEvent(tx, events.TypeRulesetUpserted, caller, "", events.EventPayload{
			"ruleset_id": rs.ID,
			"version":    rs.Version,
			"created":    !exists,
		})
	})
	if err != nil {
		return domain.Ruleset{}, err
	}
	return out, nil
}

func (e Engine) GetRuleset(ctx context.Context, id string) (domain.Ruleset, error) {
	var out domain.Ruleset
	err := e.Store.View(func(r store.Reader) error {
		rs, ok := r.Ruleset(id)
		if !ok {
			return domain.NotFound("ruleset", id)
		}
		out = rs
		return nil
	})
	return out, err
}

func (e Engine) ListRulesets(ctx context.Context) ([]domain.Ruleset, error) {
	var out []domain.Ruleset
	err := e.Store.View(func(r store.Reader) error {
		out = r.Rulesets()
		return nil
	})
	return out, err
}

// ActiveRuleset returns the single active ruleset.
func (e Engine) ActiveRuleset(ctx context.Context) (domain.Ruleset, error) {
	var out domain.Ruleset
	err := e.Store.View(func(r store.Reader) error {
		rs, ok := r.ActiveRuleset()
		if !ok {
			return domain.NotFound("ruleset", "active")
		}
		out = rs
		return nil
	})
	return out, err
}

// PublishRuleset is the legacy direct publish path. It is always refused:
// only Activate may flip the active ruleset.
func (e Engine) PublishRuleset(ctx context.Context, rulesetID, operator, reason string) error {
	gerr := domain.NewGateError(domain.GateApprovalGateRequired, "approved change request",
		"direct publish is disabled; activate ruleset %s through an approved change request", rulesetID)
	err := e.update(ctx, func(tx *store.Txn) error {
		return e.appendEvent(tx, events.TypeRulesetActivationBlocked, operator, "", events.EventPayload{
			"gate_code":  string(gerr.Code),
			"ruleset_id": rulesetID,
			"reason":     reason,
			"path":       "publish",
			"message":    gerr.Message,
		})
	})
	if err != nil {
		return err
	}
	gateDecisions.WithLabelValues("blocked", string(gerr.Code)).Inc()
	e.Log.WithField("ruleset_id", rulesetID).WithField("gate_code", gerr.Code).Warn("direct publish blocked")
	return gerr
}

// SeedRuleset installs an active ruleset into an empty ledger. It reports
// false without changes once any ruleset exists.
func (e Engine) SeedRuleset(ctx context.Context, version string, th domain.Thresholds) (domain.Ruleset, bool, error) {
	if strings.TrimSpace(version) == "" {
		version = "v1"
	}
	var out domain.Ruleset
	seeded := false
	err := e.update(ctx, func(tx *store.Txn) error {
		if len(tx.Rulesets()) > 0 {
			return nil
		}
		rs, err := e.newRulesetTx(tx, version, domain.RulesetConfig{Thresholds: th}, true)
		if err != nil {
			return err
		}
		out, seeded = rs, true
		return e.appendEvent(tx, events.TypeRulesetSeeded, e.adminCaller(), "", events.EventPayload{
			"ruleset_id": rs.ID,
			"version":    rs.Version,
			"t_low":      th.TLow,
			"t_high":     th.THigh,
		})
	})
	if err != nil {
		return domain.Ruleset{}, false, err
	}
	if seeded {
		e.Log.WithField("ruleset_id", out.ID).Info("seeded initial ruleset")
	}
	return out, seeded, nil
}

func (e Engine) newRulesetTx(tx *store.Txn, version string, cfg domain.RulesetConfig, active bool) (domain.Ruleset, error) {
	raw, err := encodeConfig(cfg)
	if err != nil {
		return domain.Ruleset{}, err
	}
	now := e.timestamp()
	rs := domain.Ruleset{
		ID:         uuid.New().String(),
		Version:    version,
		IsActive:   active,
		ConfigJSON: raw,
		Config:     cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return rs, tx.PutRuleset(rs)
}
