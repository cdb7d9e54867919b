package ffmodel

import (
	"sort"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// EvalContext holds the caller-supplied attributes used to evaluate rules. It is treated as
// immutable once passed to an evaluation.
type EvalContext struct {
	UserID     ldvalue.OptionalString
	Attributes map[string]string
}

// NewEvalContext creates a context with a user ID and no attributes.
func NewEvalContext(userID string) EvalContext {
	return EvalContext{UserID: ldvalue.NewOptionalString(userID)}
}

// With returns a copy of the context with an attribute added. The original is not modified.
func (c EvalContext) With(name, value string) EvalContext {
	attrs := make(map[string]string, len(c.Attributes)+1)
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	attrs[name] = value
	c.Attributes = attrs
	return c
}

// Attribute looks up an attribute by name. An exact match is preferred; otherwise names are
// compared case-insensitively, and if several keys differ only by case the lowest one in byte order
// is used so that the result does not depend on map iteration order.
func (c EvalContext) Attribute(name string) (string, bool) {
	if c.Attributes == nil {
		return "", false
	}
	if v, ok := c.Attributes[name]; ok {
		return v, true
	}
	var found []string
	for k := range c.Attributes {
		if strings.EqualFold(k, name) {
			found = append(found, k)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return c.Attributes[found[0]], true
}

// Resolve returns the value of a named attribute, treating UserIDAttribute (in any case) as a
// reference to UserID.
func (c EvalContext) Resolve(name string) (string, bool) {
	if strings.EqualFold(name, UserIDAttribute) {
		return c.UserID.Get()
	}
	return c.Attribute(name)
}
