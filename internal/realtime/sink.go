package realtime

import (
	"errors"
	"net/http"
	"time"
)

// Sink is the output side of one subscriber connection.
type Sink interface {
	// Write writes one complete frame and makes it visible to the subscriber.
	Write(frame []byte) error
}

type httpSink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

// DefaultWriteTimeout is used by NewHTTPSink when the write timeout is not positive.
const DefaultWriteTimeout = 10 * time.Second

// NewHTTPSink returns a Sink that writes to an HTTP response and flushes after every frame. A
// write that takes longer than writeTimeout fails, which drops a stalled subscriber.
func NewHTTPSink(w http.ResponseWriter, writeTimeout time.Duration) Sink {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &httpSink{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}
}

func (s *httpSink) Write(frame []byte) error {
	err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}
