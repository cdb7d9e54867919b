package ffmodel

import (
	"strings"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// FlagType is the declared value type of a flag.
type FlagType string

const (
	// TypeBoolean is a flag whose value is a boolean.
	TypeBoolean FlagType = "boolean"
	// TypeString is a flag whose value is a string.
	TypeString FlagType = "string"
	// TypeNumber is a flag whose value is a double-precision number.
	TypeNumber FlagType = "number"
)

// ParseFlagType converts a string to a FlagType, ignoring case. It returns false if the string
// is not one of the known types.
func ParseFlagType(s string) (FlagType, bool) {
	switch t := FlagType(strings.ToLower(s)); t {
	case TypeBoolean, TypeString, TypeNumber:
		return t, true
	}
	return "", false
}

// IsValid returns true if the type is one of the known flag types.
func (t FlagType) IsValid() bool {
	_, ok := ParseFlagType(string(t))
	return ok
}

// ValueType returns the ldvalue type that values of this flag type must have.
func (t FlagType) ValueType() ldvalue.ValueType {
	switch t {
	case TypeBoolean:
		return ldvalue.BoolType
	case TypeString:
		return ldvalue.StringType
	case TypeNumber:
		return ldvalue.NumberType
	}
	return ldvalue.NullType
}

// Accepts returns true if the value is non-null and has the JSON type required by this flag type.
func (t FlagType) Accepts(value ldvalue.Value) bool {
	return !value.IsNull() && value.Type() == t.ValueType()
}

// Flag is a named, typed configuration value with optional targeting rules.
//
// The default value is a tagged union keyed by Type: only a Default whose JSON type matches Type
// is ever interpreted. Use DefaultValue rather than reading Default directly.
type Flag struct {
	// ID is an opaque identifier assigned by the server when the flag is created.
	ID string
	// Key is the unique, case-sensitive identity of the flag.
	Key string
	// Type selects which kind of value the flag produces.
	Type FlagType
	// Default is the value returned when no rule matches. It may be null.
	Default ldvalue.Value
	// Rules are the targeting rules. They are evaluated in priority order, not slice order.
	Rules []TargetRule
	// UpdatedAt advances on every modification and is used as an optimistic-concurrency token.
	UpdatedAt time.Time
}

// NewBoolFlag creates a boolean flag with the given default.
func NewBoolFlag(key string, value bool, rules ...TargetRule) Flag {
	return Flag{Key: key, Type: TypeBoolean, Default: ldvalue.Bool(value), Rules: rules}
}

// NewStringFlag creates a string flag with the given default.
func NewStringFlag(key string, value string, rules ...TargetRule) Flag {
	return Flag{Key: key, Type: TypeString, Default: ldvalue.String(value), Rules: rules}
}

// NewNumberFlag creates a number flag with the given default.
func NewNumberFlag(key string, value float64, rules ...TargetRule) Flag {
	return Flag{Key: key, Type: TypeNumber, Default: ldvalue.Float64(value), Rules: rules}
}

// DefaultValue returns the flag's default value for its declared Type, or a null value if the
// default is absent or has the wrong JSON type.
func (f Flag) DefaultValue() ldvalue.Value {
	if f.Type.Accepts(f.Default) {
		return f.Default
	}
	return ldvalue.Null()
}

// Clone returns a deep copy of the flag. The rules slice is not shared with the original.
func (f Flag) Clone() Flag {
	ret := f
	if f.Rules != nil {
		ret.Rules = make([]TargetRule, len(f.Rules))
		copy(ret.Rules, f.Rules)
	}
	return ret
}
