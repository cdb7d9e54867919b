package ffeval

import (
	"sort"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
)

// Evaluator evaluates flags. It holds no per-flag state; the only thing it caches is compiled
// regular expressions. An Evaluator is safe for concurrent use.
type Evaluator struct {
	now     func() time.Time
	regexes *regexCache
}

// EvaluatorOption is a functional option for NewEvaluator.
type EvaluatorOption func(*Evaluator)

// EvaluatorOptionClock overrides the clock used for EvalResult.AsOf.
func EvaluatorOptionClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		e.now = now
	}
}

// EvaluatorOptionRegexCacheSize sets how many compiled patterns are retained.
func EvaluatorOptionRegexCacheSize(size int) EvaluatorOption {
	return func(e *Evaluator) {
		e.regexes = newRegexCache(size)
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(options ...EvaluatorOption) *Evaluator {
	e := &Evaluator{now: time.Now}
	for _, o := range options {
		o(e)
	}
	if e.regexes == nil {
		e.regexes = newRegexCache(defaultRegexCacheSize)
	}
	return e
}

var defaultEvaluator = NewEvaluator() //nolint:gochecknoglobals

// Evaluate evaluates a flag with a shared default Evaluator.
func Evaluate(flag ffmodel.Flag, context ffmodel.EvalContext) ffmodel.EvalResult {
	return defaultEvaluator.Evaluate(flag, context)
}

// Evaluate returns the value of the flag for the given context.
//
// Rules are tried in ascending priority order, with unprioritized rules last and the original
// order breaking ties. The first matching rule determines the result; its variant is
// ffmodel.VariantRule even if it has no override for the flag's type, in which case the flag's
// default value is used. If nothing matches, the result is the default value with variant
// ffmodel.VariantDefault.
//
// Malformed rules never cause an error: they simply do not match.
func (e *Evaluator) Evaluate(flag ffmodel.Flag, context ffmodel.EvalContext) ffmodel.EvalResult {
	result := ffmodel.EvalResult{
		Key:     flag.Key,
		Type:    flag.Type,
		Value:   flag.DefaultValue(),
		Variant: ffmodel.VariantDefault,
		AsOf:    e.now().UTC(),
	}
	for _, rule := range sortedRules(flag.Rules) {
		if !e.ruleMatches(flag.Key, rule, context) {
			continue
		}
		if override, ok := rule.Override(flag.Type); ok {
			result.Value = override
		}
		result.Variant = ffmodel.VariantRule
		break
	}
	return result
}

func sortedRules(rules []ffmodel.TargetRule) []ffmodel.TargetRule {
	if len(rules) < 2 {
		return rules
	}
	sorted := make([]ffmodel.TargetRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, iok := sorted[i].Priority.Get()
		pj, jok := sorted[j].Priority.Get()
		switch {
		case iok && jok:
			return pi < pj
		default:
			return iok && !jok
		}
	})
	return sorted
}

func (e *Evaluator) ruleMatches(flagKey string, rule ffmodel.TargetRule, context ffmodel.EvalContext) bool {
	op := normalizeOperator(rule.Operator)
	if op == ffmodel.OperatorPercentage {
		return percentageRuleMatches(flagKey, rule, context)
	}
	left, ok := context.Resolve(rule.Attribute)
	if !ok {
		return false
	}
	fn, ok := allOps[op]
	if !ok {
		return false
	}
	return fn(e, left, rule)
}
