package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/pipeline"
	"rulegate/internal/store"
)

// Dispatcher hands submitted tasks to whatever runs them.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskID string, records []domain.Record) error
}

// Engine is the change-control core. Copies share the same store.
type Engine struct {
	Store      *store.Store
	Executor   pipeline.Executor
	Dispatcher Dispatcher
	Config     *config.Config
	Log        logrus.FieldLogger
	Now        func() time.Time

	validate *validator.Validate
	flight   *singleflight.Group
}

type Option func(*Engine)

func WithExecutor(x pipeline.Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.Executor = x
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.Log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.Now = now
		}
	}
}

func New(st *store.Store, cfg *config.Config, opts ...Option) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		Store:    st,
		Executor: pipeline.Passthrough{},
		Config:   cfg,
		Log:      logrus.StandardLogger(),
		Now:      time.Now,
		validate: newValidator(),
		flight:   &singleflight.Group{},
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) adminCaller() string {
	if e.Config != nil && e.Config.Service.AdminCaller != "" {
		return e.Config.Service.AdminCaller
	}
	return "admin"
}

func (e Engine) defaultThresholds() domain.Thresholds {
	if e.Config == nil {
		return domain.Thresholds{TLow: 0.6, THigh: 0.85}
	}
	return domain.Thresholds{TLow: e.Config.Thresholds.TLow, THigh: e.Config.Thresholds.THigh}
}

// appendEvent stages an audit event on tx.
func (e Engine) appendEvent(tx *store.Txn, evtType, caller, relatedChangeID string, payload events.EventPayload) error {
	_, err := tx.Append(events.New(evtType, caller, relatedChangeID, payload, e.now()))
	return err
}

// ListAuditEvents returns audit events in append order.
func (e Engine) ListAuditEvents(f events.Filter) []domain.AuditEvent {
	return e.Store.Audit().List(f)
}

func (e Engine) validateStruct(v any) error {
	if e.validate == nil {
		return nil
	}
	err := e.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			return domain.Invalid(field, "is required")
		case "oneof":
			return domain.Invalid(field, "must be one of %s", strings.ReplaceAll(fe.Param(), " ", ", "))
		default:
			return domain.Invalid(field, "failed %s=%s", fe.Tag(), fe.Param())
		}
	}
	return domain.Invalid("", "%v", err)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func transitionError(kind string, from, to any) *domain.ValidationError {
	return &domain.ValidationError{
		Field:   "status",
		Code:    domain.CodeInvalidTransition,
		Message: fmt.Sprintf("invalid %s status transition %v -> %v", kind, from, to),
	}
}
