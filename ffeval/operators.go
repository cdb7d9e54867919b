package ffeval

import (
	"strconv"
	"strings"

	"github.com/ffaaslite/go-ffaas/ffmodel"
)

type opFn func(e *Evaluator, left string, rule ffmodel.TargetRule) bool

var allOps = map[ffmodel.Operator]opFn{ //nolint:gochecknoglobals
	ffmodel.OperatorEqual:              operatorEqualFn,
	ffmodel.OperatorNotEqual:           operatorNotEqualFn,
	ffmodel.OperatorContains:           operatorContainsFn,
	ffmodel.OperatorGreaterThan:        numericOperator(func(l, r float64) bool { return l > r }),
	ffmodel.OperatorLessThan:           numericOperator(func(l, r float64) bool { return l < r }),
	ffmodel.OperatorGreaterThanOrEqual: numericOperator(func(l, r float64) bool { return l >= r }),
	ffmodel.OperatorLessThanOrEqual:    numericOperator(func(l, r float64) bool { return l <= r }),
	ffmodel.OperatorRegex:              operatorRegexFn,
	ffmodel.OperatorSegment:            operatorSegmentFn,
	ffmodel.OperatorIn:                 operatorSegmentFn,
}

func normalizeOperator(op ffmodel.Operator) ffmodel.Operator {
	return ffmodel.Operator(strings.ToLower(strings.TrimSpace(string(op))))
}

func operatorEqualFn(_ *Evaluator, left string, rule ffmodel.TargetRule) bool {
	return strings.EqualFold(left, rule.Value)
}

func operatorNotEqualFn(_ *Evaluator, left string, rule ffmodel.TargetRule) bool {
	return !strings.EqualFold(left, rule.Value)
}

func operatorContainsFn(_ *Evaluator, left string, rule ffmodel.TargetRule) bool {
	if rule.Value == "" {
		return false
	}
	return strings.Contains(strings.ToLower(left), strings.ToLower(rule.Value))
}

func numericOperator(fn func(float64, float64) bool) opFn {
	return func(_ *Evaluator, left string, rule ffmodel.TargetRule) bool {
		l, ok := parseNumber(left)
		if !ok {
			return false
		}
		r, ok := parseNumber(rule.Value)
		if !ok {
			return false
		}
		return fn(l, r)
	}
}

// parseNumber accepts decimal and exponent notation with surrounding whitespace. Hexadecimal
// literals and digit separators, which strconv would otherwise accept, are rejected.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "xX_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func operatorRegexFn(e *Evaluator, left string, rule ffmodel.TargetRule) bool {
	if len(left) > maxRegexInputLength {
		return false
	}
	re := e.regexes.get(rule.Value)
	if re == nil {
		return false
	}
	return re.MatchString(left)
}

func operatorSegmentFn(_ *Evaluator, left string, rule ffmodel.TargetRule) bool {
	ruleTokens := splitSegment(rule.Value, rule.SegmentDelimiter)
	if len(ruleTokens) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(ruleTokens))
	for _, t := range ruleTokens {
		set[t] = struct{}{}
	}
	for _, t := range splitSegment(left, rule.SegmentDelimiter) {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// splitSegment splits a segment list into lowercased, trimmed, non-empty tokens. With no explicit
// delimiter, both ',' and ';' separate tokens. A string with no delimiter is a single token.
func splitSegment(s, delimiter string) []string {
	var parts []string
	if delimiter == "" {
		parts = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	} else {
		parts = strings.Split(s, delimiter)
	}
	ret := parts[:0]
	for _, p := range parts {
		if t := strings.ToLower(strings.TrimSpace(p)); t != "" {
			ret = append(ret, t)
		}
	}
	return ret
}
