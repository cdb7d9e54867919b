package feed

import (
	"errors"
	"io"
	"math"
	"time"

	es "github.com/launchdarkly/eventsource"
)

const maxRetryMillis = math.MaxInt64 / int64(time.Millisecond)

// ErrReadTimeout is returned by Decode when no data arrived within the read timeout.
var ErrReadTimeout = es.ErrReadTimeout

// Record is one event reconstructed from the stream.
type Record struct {
	ID    string
	Event string
	Data  string
	// Retry is the reconnection delay advised by the server, or zero if the record had none.
	Retry time.Duration
}

// Decoder reads Records from an event stream.
//
// The "data" field may repeat, and its values are joined with newlines. Lines starting with ':'
// are comments. A blank line ends a record; blank lines with nothing before them are skipped.
// Unknown fields are ignored.
type Decoder struct {
	dec *es.Decoder
}

// NewDecoder creates a Decoder. If readTimeout is positive, Decode fails with ErrReadTimeout when
// no line arrives for that long.
func NewDecoder(r io.Reader, readTimeout time.Duration) *Decoder {
	var opts []es.DecoderOption
	if readTimeout > 0 {
		opts = append(opts, es.DecoderOptionReadTimeout(readTimeout))
	}
	return &Decoder{dec: es.NewDecoderWithOptions(r, opts...)}
}

// Decode returns the next record. At the end of the stream it returns io.EOF, or
// io.ErrUnexpectedEOF if the stream ended in the middle of a record.
func (d *Decoder) Decode() (Record, error) {
	event, err := d.dec.Decode()
	if err != nil {
		if errors.Is(err, es.ErrReadTimeout) {
			return Record{}, ErrReadTimeout
		}
		return Record{}, err
	}
	rec := Record{ID: event.Id(), Event: event.Event(), Data: event.Data()}
	if r, ok := event.(interface{ Retry() int64 }); ok {
		if ms := r.Retry(); ms > 0 && ms <= maxRetryMillis {
			rec.Retry = time.Duration(ms) * time.Millisecond
		}
	}
	return rec, nil
}
