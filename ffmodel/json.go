package ffmodel

import (
	"fmt"
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

var (
	flagRequiredProperties        = []string{"key", "type"}
	ruleRequiredProperties        = []string{"attribute", "operator"}
	evalResultRequiredProperties  = []string{"key", "type", "variant"}
	changeEventRequiredProperties = []string{"type", "version", "payload"}
	payloadRequiredProperties     = []string{"key"}
)

// FormatTime formats a timestamp the way all model types serialize it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp produced by FormatTime, or any RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func readTime(r *jreader.Reader) time.Time {
	s, nonNull := r.StringOrNull()
	if !nonNull || s == "" {
		return time.Time{}
	}
	t, err := ParseTime(s)
	if err != nil {
		r.AddError(err)
	}
	return t
}

func readFlagType(r *jreader.Reader) FlagType {
	s := r.String()
	if r.Error() != nil {
		return ""
	}
	t, ok := ParseFlagType(s)
	if !ok {
		r.AddError(fmt.Errorf("unknown flag type %q", s))
	}
	return t
}

// readTypedValue reads a bool, string, or number value, treating null as absent and any other JSON
// type as an error.
func readTypedValue(r *jreader.Reader, t FlagType) ldvalue.Value {
	switch t {
	case TypeBoolean:
		if b, nonNull := r.BoolOrNull(); nonNull {
			return ldvalue.Bool(b)
		}
	case TypeString:
		if s, nonNull := r.StringOrNull(); nonNull {
			return ldvalue.String(s)
		}
	case TypeNumber:
		if n, nonNull := r.Float64OrNull(); nonNull {
			return ldvalue.Float64(n)
		}
	}
	return ldvalue.Null()
}

// CoerceValue converts an arbitrary JSON value to the representation required by the flag type.
// Null stays null. Any other mismatch is an error.
func CoerceValue(t FlagType, value ldvalue.Value) (ldvalue.Value, error) {
	if value.IsNull() {
		return ldvalue.Null(), nil
	}
	if !t.Accepts(value) {
		return ldvalue.Null(), fmt.Errorf("value %s is not valid for a %s flag", value.JSONString(), t)
	}
	return value, nil
}

// WriteToJSONWriter encodes the flag. Only the default value field matching Type is written.
func (f Flag) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	obj.Maybe("id", f.ID != "").String(f.ID)
	obj.Name("key").String(f.Key)
	obj.Name("type").String(string(f.Type))
	def := f.DefaultValue()
	switch f.Type {
	case TypeBoolean:
		obj.Maybe("boolValue", !def.IsNull()).Bool(def.BoolValue())
	case TypeString:
		obj.Maybe("stringValue", !def.IsNull()).String(def.StringValue())
	case TypeNumber:
		obj.Maybe("numberValue", !def.IsNull()).Float64(def.Float64Value())
	}
	rulesArr := obj.Name("rules").Array()
	for _, rule := range f.Rules {
		rule.WriteToJSONWriter(w)
	}
	rulesArr.End()
	obj.Maybe("updatedAt", !f.UpdatedAt.IsZero()).String(FormatTime(f.UpdatedAt))
	obj.End()
}

// ReadFromJSONReader decodes a flag. All three default value fields are accepted, but only the one
// selected by "type" is kept.
func (f *Flag) ReadFromJSONReader(r *jreader.Reader) {
	f.readObject(r, r.Object())
}

func readOptionalFlag(r *jreader.Reader) *Flag {
	obj := r.ObjectOrNull()
	if !obj.IsDefined() {
		return nil
	}
	var f Flag
	f.readObject(r, obj)
	return &f
}

func (f *Flag) readObject(r *jreader.Reader, obj jreader.ObjectState) {
	var parsed Flag
	var boolValue, stringValue, numberValue ldvalue.Value
	for obj = obj.WithRequiredProperties(flagRequiredProperties); obj.Next(); {
		switch string(obj.Name()) {
		case "id":
			parsed.ID, _ = r.StringOrNull()
		case "key":
			parsed.Key = r.String()
		case "type":
			parsed.Type = readFlagType(r)
		case "boolValue":
			boolValue = readTypedValue(r, TypeBoolean)
		case "stringValue":
			stringValue = readTypedValue(r, TypeString)
		case "numberValue":
			numberValue = readTypedValue(r, TypeNumber)
		case "rules":
			for arr := r.ArrayOrNull(); arr.Next(); {
				var rule TargetRule
				rule.ReadFromJSONReader(r)
				parsed.Rules = append(parsed.Rules, rule)
			}
		case "updatedAt":
			parsed.UpdatedAt = readTime(r)
		}
	}
	if r.Error() != nil {
		return
	}
	switch parsed.Type {
	case TypeBoolean:
		parsed.Default = boolValue
	case TypeString:
		parsed.Default = stringValue
	case TypeNumber:
		parsed.Default = numberValue
	}
	*f = parsed
}

// MarshalJSON implements json.Marshaler.
func (f Flag) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(f)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, f)
}

// WriteToJSONWriter encodes the rule.
func (r TargetRule) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	obj.Name("attribute").String(r.Attribute)
	obj.Name("operator").String(string(r.Operator))
	obj.Name("value").String(r.Value)
	if p, ok := r.Priority.Get(); ok {
		obj.Name("priority").Int(p)
	}
	obj.Maybe("boolOverride", ldvalue.BoolType == r.BoolOverride.Type()).Bool(r.BoolOverride.BoolValue())
	obj.Maybe("stringOverride", ldvalue.StringType == r.StringOverride.Type()).String(r.StringOverride.StringValue())
	obj.Maybe("numberOverride", ldvalue.NumberType == r.NumberOverride.Type()).Float64(r.NumberOverride.Float64Value())
	obj.Maybe("percentage", r.Operator == OperatorPercentage || r.Percentage != 0).Float64(r.Percentage)
	obj.Maybe("percentageAttribute", r.PercentageAttribute != "").String(r.PercentageAttribute)
	obj.Maybe("segmentDelimiter", r.SegmentDelimiter != "").String(r.SegmentDelimiter)
	obj.End()
}

// ReadFromJSONReader decodes a rule.
func (r *TargetRule) ReadFromJSONReader(reader *jreader.Reader) {
	var parsed TargetRule
	for obj := reader.Object().WithRequiredProperties(ruleRequiredProperties); obj.Next(); {
		switch string(obj.Name()) {
		case "attribute":
			parsed.Attribute, _ = reader.StringOrNull()
		case "operator":
			op, _ := reader.StringOrNull()
			parsed.Operator = Operator(op)
		case "value":
			parsed.Value, _ = reader.StringOrNull()
		case "priority":
			if p, nonNull := reader.IntOrNull(); nonNull {
				parsed.Priority = ldvalue.NewOptionalInt(p)
			}
		case "boolOverride":
			parsed.BoolOverride = readTypedValue(reader, TypeBoolean)
		case "stringOverride":
			parsed.StringOverride = readTypedValue(reader, TypeString)
		case "numberOverride":
			parsed.NumberOverride = readTypedValue(reader, TypeNumber)
		case "percentage":
			parsed.Percentage, _ = reader.Float64OrNull()
		case "percentageAttribute":
			parsed.PercentageAttribute, _ = reader.StringOrNull()
		case "segmentDelimiter":
			parsed.SegmentDelimiter, _ = reader.StringOrNull()
		}
	}
	if reader.Error() == nil {
		*r = parsed
	}
}

// MarshalJSON implements json.Marshaler.
func (r TargetRule) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(r)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *TargetRule) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, r)
}

// WriteToJSONWriter encodes the context.
func (c EvalContext) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	if id, ok := c.UserID.Get(); ok {
		obj.Name("userId").String(id)
	}
	if c.Attributes != nil {
		attrsObj := obj.Name("attributes").Object()
		for k, v := range c.Attributes {
			attrsObj.Name(k).String(v)
		}
		attrsObj.End()
	}
	obj.End()
}

// ReadFromJSONReader decodes a context. Attribute values that are not strings are converted to
// their JSON representation.
func (c *EvalContext) ReadFromJSONReader(r *jreader.Reader) {
	var parsed EvalContext
	for obj := r.ObjectOrNull(); obj.Next(); {
		switch string(obj.Name()) {
		case "userId":
			if id, nonNull := r.StringOrNull(); nonNull {
				parsed.UserID = ldvalue.NewOptionalString(id)
			}
		case "attributes":
			for attrsObj := r.ObjectOrNull(); attrsObj.Next(); {
				if parsed.Attributes == nil {
					parsed.Attributes = make(map[string]string)
				}
				name := string(attrsObj.Name())
				var v ldvalue.Value
				v.ReadFromJSONReader(r)
				switch {
				case v.IsNull():
				case v.IsString():
					parsed.Attributes[name] = v.StringValue()
				default:
					parsed.Attributes[name] = v.JSONString()
				}
			}
		}
	}
	if r.Error() == nil {
		*c = parsed
	}
}

// MarshalJSON implements json.Marshaler.
func (c EvalContext) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(c)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *EvalContext) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, c)
}

// WriteToJSONWriter encodes the result.
func (r EvalResult) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	obj.Name("key").String(r.Key)
	r.Value.WriteToJSONWriter(obj.Name("value"))
	obj.Name("type").String(string(r.Type))
	obj.Name("variant").String(r.Variant)
	obj.Name("asOf").String(FormatTime(r.AsOf))
	obj.End()
}

// ReadFromJSONReader decodes a result. The untyped "value" property is converted to the
// representation required by "type" once both have been read.
func (r *EvalResult) ReadFromJSONReader(reader *jreader.Reader) {
	var parsed EvalResult
	var rawValue ldvalue.Value
	for obj := reader.Object().WithRequiredProperties(evalResultRequiredProperties); obj.Next(); {
		switch string(obj.Name()) {
		case "key":
			parsed.Key = reader.String()
		case "value":
			rawValue.ReadFromJSONReader(reader)
		case "type":
			parsed.Type = readFlagType(reader)
		case "variant":
			parsed.Variant = reader.String()
		case "asOf":
			parsed.AsOf = readTime(reader)
		}
	}
	if reader.Error() != nil {
		return
	}
	value, err := CoerceValue(parsed.Type, rawValue)
	if err != nil {
		reader.AddError(err)
		return
	}
	parsed.Value = value
	*r = parsed
}

// MarshalJSON implements json.Marshaler.
func (r EvalResult) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(r)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *EvalResult) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, r)
}

// WriteToJSONWriter encodes the event.
func (e FlagChangeEvent) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	obj.Name("type").String(string(e.Type))
	obj.Name("version").Int(int(e.Version))
	payloadObj := obj.Name("payload").Object()
	payloadObj.Name("key").String(e.Payload.Key)
	if e.Payload.Flag != nil {
		e.Payload.Flag.WriteToJSONWriter(payloadObj.Name("flag"))
	}
	payloadObj.End()
	obj.End()
}

// ReadFromJSONReader decodes an event. A Created or Updated event must carry a flag whose key
// matches the payload key.
func (e *FlagChangeEvent) ReadFromJSONReader(r *jreader.Reader) {
	var parsed FlagChangeEvent
	for obj := r.Object().WithRequiredProperties(changeEventRequiredProperties); obj.Next(); {
		switch string(obj.Name()) {
		case "type":
			s := r.String()
			t, ok := ParseChangeType(s)
			if !ok && r.Error() == nil {
				r.AddError(fmt.Errorf("unknown change type %q", s))
			}
			parsed.Type = t
		case "version":
			parsed.Version = int64(r.Int())
		case "payload":
			for payloadObj := r.Object().WithRequiredProperties(payloadRequiredProperties); payloadObj.Next(); {
				switch string(payloadObj.Name()) {
				case "key":
					parsed.Payload.Key = r.String()
				case "flag":
					parsed.Payload.Flag = readOptionalFlag(r)
				}
			}
		}
	}
	if r.Error() != nil {
		return
	}
	if parsed.Type != ChangeDeleted {
		if parsed.Payload.Flag == nil {
			r.AddError(fmt.Errorf("%s event for %q has no flag", parsed.Type, parsed.Payload.Key))
			return
		}
		if parsed.Payload.Flag.Key != parsed.Payload.Key {
			r.AddError(fmt.Errorf("%s event key %q does not match flag key %q",
				parsed.Type, parsed.Payload.Key, parsed.Payload.Flag.Key))
			return
		}
	}
	*e = parsed
}

// MarshalJSON implements json.Marshaler.
func (e FlagChangeEvent) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(e)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *FlagChangeEvent) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, e)
}

// WriteToJSONWriter encodes the audit entry.
func (a AuditEntry) WriteToJSONWriter(w *jwriter.Writer) {
	obj := w.Object()
	obj.Name("id").String(a.ID)
	obj.Name("actor").String(a.Actor)
	obj.Name("action").String(string(a.Action))
	obj.Name("flagKey").String(a.FlagKey)
	obj.Name("at").String(FormatTime(a.At))
	if a.Before != nil {
		a.Before.WriteToJSONWriter(obj.Name("before"))
	}
	if a.After != nil {
		a.After.WriteToJSONWriter(obj.Name("after"))
	}
	obj.End()
}

// ReadFromJSONReader decodes an audit entry.
func (a *AuditEntry) ReadFromJSONReader(r *jreader.Reader) {
	var parsed AuditEntry
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "id":
			parsed.ID = r.String()
		case "actor":
			parsed.Actor = r.String()
		case "action":
			parsed.Action = AuditAction(r.String())
		case "flagKey":
			parsed.FlagKey = r.String()
		case "at":
			parsed.At = readTime(r)
		case "before":
			parsed.Before = readOptionalFlag(r)
		case "after":
			parsed.After = readOptionalFlag(r)
		}
	}
	if r.Error() == nil {
		*a = parsed
	}
}

// MarshalJSON implements json.Marshaler.
func (a AuditEntry) MarshalJSON() ([]byte, error) {
	return jwriter.MarshalJSONWithWriter(a)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AuditEntry) UnmarshalJSON(data []byte) error {
	return jreader.UnmarshalJSONWithReader(data, a)
}

// ReadFlagList decodes a JSON array of flags.
func ReadFlagList(r *jreader.Reader) []Flag {
	ret := []Flag{}
	for arr := r.Array(); arr.Next(); {
		var f Flag
		f.ReadFromJSONReader(r)
		if r.Error() != nil {
			return nil
		}
		ret = append(ret, f)
	}
	return ret
}

// WriteFlagList encodes a JSON array of flags.
func WriteFlagList(w *jwriter.Writer, flags []Flag) {
	arr := w.Array()
	for _, f := range flags {
		f.WriteToJSONWriter(w)
	}
	arr.End()
}
