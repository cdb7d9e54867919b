package feed

import (
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

const (
	// FlagChangeEventName is the event name of a flag mutation.
	FlagChangeEventName = "flag-change"

	// HeartbeatEventName is the event name of a keep-alive.
	HeartbeatEventName = "heartbeat"
)

var heartbeatRequiredProperties = []string{"at"} //nolint:gochecknoglobals

// MarshalChangeEvent returns the JSON body of a flag-change event.
//
// Example:
//
//	{
//	  "type": "updated",
//	  "version": 12,
//	  "payload": {
//	    "key": "ui-ver",
//	    "flag": { "key": "ui-ver", "type": "string", "stringValue": "v1", ...etc. }
//	  }
//	}
//
// For a "deleted" event the payload has only the key.
func MarshalChangeEvent(event ffmodel.FlagChangeEvent) []byte {
	w := jwriter.NewWriter()
	event.WriteToJSONWriter(&w)
	return w.Bytes()
}

// ParseChangeEvent decodes the JSON body of a flag-change event.
func ParseChangeEvent(data []byte) (ffmodel.FlagChangeEvent, error) {
	var event ffmodel.FlagChangeEvent
	r := jreader.NewReader(data)
	event.ReadFromJSONReader(&r)
	if err := r.Error(); err != nil {
		return ffmodel.FlagChangeEvent{}, err
	}
	return event, nil
}

// MarshalHeartbeat returns the JSON body of a heartbeat event: {"at": "<timestamp>"}.
func MarshalHeartbeat(at time.Time) []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("at").String(ffmodel.FormatTime(at))
	obj.End()
	return w.Bytes()
}

// ParseHeartbeat decodes the JSON body of a heartbeat event.
func ParseHeartbeat(data []byte) (time.Time, error) {
	var at time.Time
	r := jreader.NewReader(data)
	for obj := r.Object().WithRequiredProperties(heartbeatRequiredProperties); obj.Next(); {
		if string(obj.Name()) == "at" {
			s := r.String()
			if r.Error() == nil {
				t, err := ffmodel.ParseTime(s)
				if err != nil {
					r.AddError(err)
				}
				at = t
			}
		}
	}
	if err := r.Error(); err != nil {
		return time.Time{}, err
	}
	return at, nil
}
