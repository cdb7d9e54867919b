package ffmodel

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// Operator identifies the comparison a TargetRule applies.
type Operator string

const (
	OperatorEqual              Operator = "eq"
	OperatorNotEqual           Operator = "ne"
	OperatorContains           Operator = "contains"
	OperatorGreaterThan        Operator = "gt"
	OperatorLessThan           Operator = "lt"
	OperatorGreaterThanOrEqual Operator = "gte"
	OperatorLessThanOrEqual    Operator = "lte"
	OperatorRegex              Operator = "regex"
	OperatorSegment            Operator = "segment"
	OperatorIn                 Operator = "in"
	OperatorPercentage         Operator = "percentage"
)

// UserIDAttribute is the reserved attribute name that refers to EvalContext.UserID. It is
// matched case-insensitively.
const UserIDAttribute = "userId"

// TargetRule is a conditional override evaluated against an EvalContext.
type TargetRule struct {
	// Attribute is the context attribute to inspect, or UserIDAttribute.
	Attribute string
	// Operator is the comparison to apply.
	Operator Operator
	// Value is the operand: a literal, a regex pattern, a delimited segment list, or the salt of
	// a percentage rollout.
	Value string
	// Priority orders rules ascending. Rules without a priority come after all others.
	Priority ldvalue.OptionalInt

	// BoolOverride, StringOverride and NumberOverride are the values produced when the rule
	// matches a flag of the corresponding type. A null value means no override.
	BoolOverride   ldvalue.Value
	StringOverride ldvalue.Value
	NumberOverride ldvalue.Value

	// Percentage is the rollout size in [0,100] for OperatorPercentage.
	Percentage float64
	// PercentageAttribute names the attribute whose value is the bucketing basis. If empty,
	// Attribute is used, and failing that the context's user ID.
	PercentageAttribute string
	// SegmentDelimiter overrides the delimiters used to split segment lists.
	SegmentDelimiter string
}

// Override returns the rule's override value for the given flag type. The second return value is
// false if that override is absent or does not have the required JSON type.
func (r TargetRule) Override(t FlagType) (ldvalue.Value, bool) {
	var v ldvalue.Value
	switch t {
	case TypeBoolean:
		v = r.BoolOverride
	case TypeString:
		v = r.StringOverride
	case TypeNumber:
		v = r.NumberOverride
	}
	if t.Accepts(v) {
		return v, true
	}
	return ldvalue.Null(), false
}

// WithOverride returns a copy of the rule with the override for the value's JSON type set.
func (r TargetRule) WithOverride(value ldvalue.Value) TargetRule {
	switch value.Type() {
	case ldvalue.BoolType:
		r.BoolOverride = value
	case ldvalue.StringType:
		r.StringOverride = value
	case ldvalue.NumberType:
		r.NumberOverride = value
	}
	return r
}
