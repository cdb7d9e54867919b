package realtime

import (
	"net/http"
	"time"

	"github.com/ffaaslite/go-ffaas/internal/endpoints"
)

// StreamHandler returns an HTTP handler that subscribes each request to the broadcaster and keeps
// the response open until the client disconnects or the subscription ends.
func (b *Broadcaster) StreamHandler(writeTimeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Type", endpoints.EventStreamContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sub, err := b.Subscribe(NewHTTPSink(w, writeTimeout))
		if err != nil {
			if b.loggers.IsDebugEnabled() {
				b.loggers.Debugf("Could not subscribe %s: %s", r.RemoteAddr, err)
			}
			return
		}
		defer b.Unsubscribe(sub.ID())
		select {
		case <-r.Context().Done():
		case <-sub.Done():
		}
	})
}
