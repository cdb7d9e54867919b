package ffmodel

import (
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

const (
	// VariantRule means the result came from a matched targeting rule.
	VariantRule = "rule"
	// VariantDefault means no rule matched and the flag's default value was used.
	VariantDefault = "default"
)

// EvalResult is the outcome of evaluating a flag. Value is typed according to Type and may be
// null.
type EvalResult struct {
	Key     string
	Value   ldvalue.Value
	Type    FlagType
	Variant string
	AsOf    time.Time
}

// BoolValue returns the result as a boolean. The second return value is false if the flag is not
// a boolean flag or the value is null.
func (r EvalResult) BoolValue() (bool, bool) {
	if r.Type != TypeBoolean || !r.Type.Accepts(r.Value) {
		return false, false
	}
	return r.Value.BoolValue(), true
}

// StringValue returns the result as a string. The second return value is false if the flag is not
// a string flag or the value is null.
func (r EvalResult) StringValue() (string, bool) {
	if r.Type != TypeString || !r.Type.Accepts(r.Value) {
		return "", false
	}
	return r.Value.StringValue(), true
}

// NumberValue returns the result as a number. The second return value is false if the flag is not
// a number flag or the value is null.
func (r EvalResult) NumberValue() (float64, bool) {
	if r.Type != TypeNumber || !r.Type.Accepts(r.Value) {
		return 0, false
	}
	return r.Value.Float64Value(), true
}
