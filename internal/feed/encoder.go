package feed

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"

	es "github.com/launchdarkly/eventsource"
)

// frame is an es.Event with fixed fields.
type frame struct {
	id   string
	name string
	data string
}

func (f frame) Id() string    { return f.id }   //nolint:revive,stylecheck // interface method name
func (f frame) Event() string { return f.name } //nolint:revive
func (f frame) Data() string  { return f.data } //nolint:revive

// Encoder writes change-feed frames to a stream. It does not flush or synchronize; callers that
// share a stream between goroutines must serialize calls.
type Encoder struct {
	w   io.Writer
	enc *es.Encoder
}

// NewEncoder creates an Encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, enc: es.NewEncoder(w, false)}
}

// WriteRetry writes a retry directive advising consumers to wait at least the given time before
// reconnecting.
func (e *Encoder) WriteRetry(delay time.Duration) error {
	_, err := e.w.Write(EncodeRetry(delay))
	return err
}

// WriteChange writes a flag-change event whose id is the event version.
func (e *Encoder) WriteChange(event ffmodel.FlagChangeEvent) error {
	return e.enc.Encode(ChangeFrame(event))
}

// WriteHeartbeat writes a heartbeat event.
func (e *Encoder) WriteHeartbeat(at time.Time) error {
	return e.enc.Encode(HeartbeatFrame(at))
}

// ChangeFrame returns the frame of a flag-change event.
func ChangeFrame(event ffmodel.FlagChangeEvent) es.Event {
	return frame{
		id:   strconv.FormatInt(event.Version, 10),
		name: FlagChangeEventName,
		data: string(MarshalChangeEvent(event)),
	}
}

// HeartbeatFrame returns the frame of a heartbeat event.
func HeartbeatFrame(at time.Time) es.Event {
	return frame{name: HeartbeatEventName, data: string(MarshalHeartbeat(at))}
}

// EncodeFrame returns the wire form of a frame, so that it can be serialized once and written to
// many streams.
func EncodeFrame(ev es.Event) []byte {
	var buf bytes.Buffer
	_ = es.NewEncoder(&buf, false).Encode(ev)
	return buf.Bytes()
}

// EncodeRetry returns the wire form of a retry directive.
func EncodeRetry(delay time.Duration) []byte {
	return []byte(fmt.Sprintf("retry: %d\n\n", delay.Milliseconds()))
}
