package ffserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ffaaslite/go-ffaas/ffeval"
	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/ffstore"
	"github.com/ffaaslite/go-ffaas/internal/realtime"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

const (
	// DefaultAuditLimit is the number of audit entries returned when no limit is given.
	DefaultAuditLimit = 100

	// MaxAuditLimit caps the number of audit entries returned by one call.
	MaxAuditLimit = 1000

	// SystemActor is the actor recorded when a caller supplies none.
	SystemActor = "system"
)

// FlagInput is the definition of a new flag.
type FlagInput struct {
	Key     string
	Type    ffmodel.FlagType
	Default ldvalue.Value
	Rules   []ffmodel.TargetRule
}

// FlagUpdate is a replacement definition for an existing flag. LastKnownUpdatedAt must equal the
// stored flag's UpdatedAt; the zero time means it was not supplied.
type FlagUpdate struct {
	Type               ffmodel.FlagType
	Default            ldvalue.Value
	Rules              []ffmodel.TargetRule
	LastKnownUpdatedAt time.Time
}

// ServiceConfig configures a Service. Only Broadcaster is required.
type ServiceConfig struct {
	// Store holds flags. The default is a new ffstore.MemDB.
	Store ffstore.FlagStore
	// Audit records mutations. The default is Store, if it is also an AuditSink, or else a new
	// ffstore.MemDB.
	Audit ffstore.AuditSink
	// Broadcaster receives a change event for every successful mutation.
	Broadcaster *realtime.Broadcaster
	// Evaluator is used by Evaluate. The default is ffeval.NewEvaluator().
	Evaluator *ffeval.Evaluator
	// Metrics, if set, counts evaluations.
	Metrics *Metrics
	Loggers ldlog.Loggers
	// Now overrides the clock; for tests.
	Now func() time.Time
}

// Service owns every flag mutation. It is safe for concurrent use.
//
// Mutations are serialized, so the UpdatedAt comparison of an update, the save, the audit record
// and the broadcast happen as one step with respect to other mutations, and change events for a
// flag are broadcast in the order the changes were made.
type Service struct {
	store       ffstore.FlagStore
	audit       ffstore.AuditSink
	broadcaster *realtime.Broadcaster
	evaluator   *ffeval.Evaluator
	metrics     *Metrics
	loggers     ldlog.Loggers
	now         func() time.Time

	mutationLock  sync.Mutex
	lastTimestamp time.Time
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Broadcaster == nil {
		return nil, errors.New("a broadcaster is required")
	}
	if cfg.Store == nil {
		cfg.Store = ffstore.NewMemDB()
	}
	if cfg.Audit == nil {
		if sink, ok := cfg.Store.(ffstore.AuditSink); ok {
			cfg.Audit = sink
		} else {
			cfg.Audit = ffstore.NewMemDB()
		}
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = ffeval.NewEvaluator()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	loggers := cfg.Loggers
	loggers.SetPrefix("FlagService:")
	return &Service{
		store:       cfg.Store,
		audit:       cfg.Audit,
		broadcaster: cfg.Broadcaster,
		evaluator:   cfg.Evaluator,
		metrics:     cfg.Metrics,
		loggers:     loggers,
		now:         cfg.Now,
	}, nil
}

// Create adds a flag. It fails with ErrAlreadyExists if the key is taken, or a *ValidationError.
func (s *Service) Create(ctx context.Context, actor string, input FlagInput) (ffmodel.Flag, error) {
	if err := validateDefinition(input.Key, input.Type, input.Default, input.Rules); err != nil {
		return ffmodel.Flag{}, err
	}

	s.mutationLock.Lock()
	defer s.mutationLock.Unlock()

	_, exists, err := s.store.FindByKey(ctx, input.Key)
	if err != nil {
		return ffmodel.Flag{}, err
	}
	if exists {
		return ffmodel.Flag{}, ErrAlreadyExists
	}
	flag := ffmodel.Flag{
		ID:        uuid.NewString(),
		Key:       input.Key,
		Type:      input.Type,
		Default:   input.Default,
		Rules:     cloneRules(input.Rules),
		UpdatedAt: s.nextTimestamp(),
	}
	if err := s.store.Save(ctx, flag); err != nil {
		return ffmodel.Flag{}, err
	}
	s.warnAboutMissingOverrides(flag)
	s.recordAudit(ctx, actor, ffmodel.AuditCreate, flag.Key, nil, &flag)
	s.broadcaster.Broadcast(ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, flag))
	s.loggers.Infof("Flag %q created by %s", flag.Key, actorOrSystem(actor))
	return flag.Clone(), nil
}

// Update replaces a flag's definition, keeping its key and ID. See FlagUpdate for the
// concurrency token; a missing token is a *MissingTokenError and a stale one a *ConflictError.
func (s *Service) Update(ctx context.Context, actor string, key string, update FlagUpdate) (ffmodel.Flag, error) {
	s.mutationLock.Lock()
	defer s.mutationLock.Unlock()

	existing, ok, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return ffmodel.Flag{}, err
	}
	if !ok {
		return ffmodel.Flag{}, ErrNotFound
	}
	if update.LastKnownUpdatedAt.IsZero() {
		return ffmodel.Flag{}, &MissingTokenError{Current: existing.UpdatedAt}
	}
	if !update.LastKnownUpdatedAt.Equal(existing.UpdatedAt) {
		return ffmodel.Flag{}, &ConflictError{Current: existing.UpdatedAt}
	}
	if err := validateDefinition(key, update.Type, update.Default, update.Rules); err != nil {
		return ffmodel.Flag{}, err
	}

	updated := ffmodel.Flag{
		ID:        existing.ID,
		Key:       existing.Key,
		Type:      update.Type,
		Default:   update.Default,
		Rules:     cloneRules(update.Rules),
		UpdatedAt: s.nextTimestamp(),
	}
	if err := s.store.Save(ctx, updated); err != nil {
		return ffmodel.Flag{}, err
	}
	s.warnAboutMissingOverrides(updated)
	s.recordAudit(ctx, actor, ffmodel.AuditUpdate, key, &existing, &updated)
	s.broadcaster.Broadcast(ffmodel.NewUpsertEvent(ffmodel.ChangeUpdated, updated))
	s.loggers.Infof("Flag %q updated by %s", key, actorOrSystem(actor))
	return updated.Clone(), nil
}

// Delete removes a flag. It fails with ErrNotFound if there is none.
func (s *Service) Delete(ctx context.Context, actor string, key string) error {
	s.mutationLock.Lock()
	defer s.mutationLock.Unlock()

	existing, ok, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	deleted, err := s.store.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	s.recordAudit(ctx, actor, ffmodel.AuditDelete, key, &existing, nil)
	s.broadcaster.Broadcast(ffmodel.NewDeleteEvent(key))
	s.loggers.Infof("Flag %q deleted by %s", key, actorOrSystem(actor))
	return nil
}

// Get returns a flag, or ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) (ffmodel.Flag, error) {
	flag, ok, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return ffmodel.Flag{}, err
	}
	if !ok {
		return ffmodel.Flag{}, ErrNotFound
	}
	return flag, nil
}

// List returns every flag, sorted by key.
func (s *Service) List(ctx context.Context) ([]ffmodel.Flag, error) {
	return s.store.ListAll(ctx)
}

// Evaluate evaluates a flag for the given context, or returns ErrNotFound.
func (s *Service) Evaluate(ctx context.Context, key string, evalContext ffmodel.EvalContext) (ffmodel.EvalResult, error) {
	flag, err := s.Get(ctx, key)
	if err != nil {
		return ffmodel.EvalResult{}, err
	}
	result := s.evaluator.Evaluate(flag, evalContext)
	if s.metrics != nil {
		s.metrics.ObserveEvaluation(result.Variant)
	}
	return result, nil
}

// Audit returns recent audit entries, newest first. A limit of zero or less means
// DefaultAuditLimit; larger limits are capped at MaxAuditLimit.
func (s *Service) Audit(ctx context.Context, limit int) ([]ffmodel.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	return s.audit.List(ctx, limit)
}

// nextTimestamp returns the current time at the precision every supported store keeps, advanced
// if necessary so that it is always later than the previous one. Must be called with
// mutationLock held.
func (s *Service) nextTimestamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.lastTimestamp) {
		t = s.lastTimestamp.Add(time.Microsecond)
	}
	s.lastTimestamp = t
	return t
}

// A failed audit write does not undo the mutation, which has already been stored; it is logged
// so that the gap in the audit trail is visible.
func (s *Service) recordAudit(
	ctx context.Context,
	actor string,
	action ffmodel.AuditAction,
	key string,
	before, after *ffmodel.Flag,
) {
	entry := ffmodel.AuditEntry{
		ID:      uuid.NewString(),
		Actor:   actorOrSystem(actor),
		Action:  action,
		FlagKey: key,
		At:      s.now().UTC(),
	}
	if before != nil {
		b := before.Clone()
		entry.Before = &b
	}
	if after != nil {
		a := after.Clone()
		entry.After = &a
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.loggers.Errorf("Failed to record audit entry for %s of flag %q: %s", action, key, err)
	}
}

func (s *Service) warnAboutMissingOverrides(flag ffmodel.Flag) {
	for i, rule := range flag.Rules {
		if _, ok := rule.Override(flag.Type); !ok {
			s.loggers.Warnf("Rule %d of flag %q has no %s override; when it matches, the flag's default is returned",
				i, flag.Key, flag.Type)
		}
	}
}

func validateDefinition(key string, flagType ffmodel.FlagType, def ldvalue.Value, rules []ffmodel.TargetRule) error {
	if key == "" {
		return &ValidationError{Field: "key", Message: "must not be empty"}
	}
	if !flagType.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("%q is not one of boolean, string, number", flagType)}
	}
	if _, err := ffmodel.CoerceValue(flagType, def); err != nil {
		return &ValidationError{Field: "default value", Message: err.Error()}
	}
	for i, rule := range rules {
		if rule.Operator == "" {
			return &ValidationError{Field: fmt.Sprintf("rules[%d].operator", i), Message: "must not be empty"}
		}
	}
	return nil
}

func cloneRules(rules []ffmodel.TargetRule) []ffmodel.TargetRule {
	if len(rules) == 0 {
		return nil
	}
	ret := make([]ffmodel.TargetRule, len(rules))
	copy(ret, rules)
	return ret
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
