package ffserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

// flagDefinition is the request body of a create or update. The default value arrives in one of
// three properties; the one named by "type" is kept.
type flagDefinition struct {
	key                string
	flagType           ffmodel.FlagType
	defaultValue       ldvalue.Value
	rules              []ffmodel.TargetRule
	lastKnownUpdatedAt time.Time
}

func parseFlagDefinition(data []byte) (flagDefinition, error) {
	var def flagDefinition
	var typeName string
	var boolValue, stringValue, numberValue ldvalue.Value
	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "key":
			def.key, _ = r.StringOrNull()
		case "type":
			typeName, _ = r.StringOrNull()
		case "boolValue":
			boolValue.ReadFromJSONReader(&r)
		case "stringValue":
			stringValue.ReadFromJSONReader(&r)
		case "numberValue":
			numberValue.ReadFromJSONReader(&r)
		case "rules":
			for arr := r.ArrayOrNull(); arr.Next(); {
				var rule ffmodel.TargetRule
				rule.ReadFromJSONReader(&r)
				def.rules = append(def.rules, rule)
			}
		case "lastKnownUpdatedAt":
			if s, nonNull := r.StringOrNull(); nonNull && s != "" {
				t, err := ffmodel.ParseTime(s)
				if err != nil {
					r.AddError(err)
				}
				def.lastKnownUpdatedAt = t
			}
		}
	}
	if err := r.Error(); err != nil {
		return flagDefinition{}, err
	}

	t, ok := ffmodel.ParseFlagType(typeName)
	if !ok {
		// Reported by validation, which names the field.
		def.flagType = ffmodel.FlagType(typeName)
		return def, nil
	}
	def.flagType = t
	var raw ldvalue.Value
	switch def.flagType {
	case ffmodel.TypeBoolean:
		raw = boolValue
	case ffmodel.TypeString:
		raw = stringValue
	case ffmodel.TypeNumber:
		raw = numberValue
	}
	value, err := ffmodel.CoerceValue(def.flagType, raw)
	if err != nil {
		return flagDefinition{}, &ValidationError{Field: "default value", Message: err.Error()}
	}
	def.defaultValue = value
	return def, nil
}

func (d flagDefinition) input() FlagInput {
	return FlagInput{Key: d.key, Type: d.flagType, Default: d.defaultValue, Rules: d.rules}
}

func (d flagDefinition) update() FlagUpdate {
	return FlagUpdate{
		Type:               d.flagType,
		Default:            d.defaultValue,
		Rules:              d.rules,
		LastKnownUpdatedAt: d.lastKnownUpdatedAt,
	}
}

func parseEvalContext(data []byte) (ffmodel.EvalContext, error) {
	var c ffmodel.EvalContext
	if len(data) == 0 {
		return c, nil
	}
	r := jreader.NewReader(data)
	c.ReadFromJSONReader(&r)
	return c, r.Error()
}

func writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func marshalFlag(flag ffmodel.Flag) []byte {
	w := jwriter.NewWriter()
	flag.WriteToJSONWriter(&w)
	return w.Bytes()
}

func marshalFlags(flags []ffmodel.Flag) []byte {
	w := jwriter.NewWriter()
	ffmodel.WriteFlagList(&w, flags)
	return w.Bytes()
}

func marshalAudit(entries []ffmodel.AuditEntry) []byte {
	w := jwriter.NewWriter()
	arr := w.Array()
	for _, e := range entries {
		e.WriteToJSONWriter(&w)
	}
	arr.End()
	return w.Bytes()
}

// writeError writes {"error": "..."} with the status of err, adding "currentUpdatedAt" for
// concurrency-token errors. Errors without a status are logged and reported as 500 without
// their details.
func writeError(w http.ResponseWriter, err error, loggers ldlog.Loggers) {
	status := http.StatusInternalServerError
	message := "internal error"
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		status = hse.HTTPStatus()
		message = err.Error()
	} else {
		loggers.Errorf("Request failed: %s", err)
	}

	var current time.Time
	var conflict *ConflictError
	var missing *MissingTokenError
	switch {
	case errors.As(err, &conflict):
		current = conflict.Current
	case errors.As(err, &missing):
		current = missing.Current
	}

	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("error").String(message)
	obj.Maybe("currentUpdatedAt", !current.IsZero()).String(ffmodel.FormatTime(current))
	obj.End()
	writeJSON(w, status, jw.Bytes())
}

// badRequest wraps a request decoding error so that it is reported as 400.
type badRequest struct {
	err error
}

func (e badRequest) Error() string   { return "malformed request body: " + e.err.Error() }
func (e badRequest) Unwrap() error   { return e.err }
func (e badRequest) HTTPStatus() int { return http.StatusBadRequest }
