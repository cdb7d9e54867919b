package datasource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/datastore"
	"github.com/ffaaslite/go-ffaas/internal/endpoints"
	"github.com/ffaaslite/go-ffaas/internal/feed"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// Implementation of the change-feed consumer.
//
// Error handling works as follows:
// 1. A malformed flag-change event is logged and dropped. The connection stays open; one bad event
// must not cost the client every event after it.
// 2. Within one connection, an event whose version is not greater than the last one applied is a
// duplicate and is ignored. Versions are not compared across connections, because the server
// makes no ordering promise there.
// 3. Any network error, non-2xx response, end of stream, or read-idle timeout closes the connection
// and schedules a reconnect. The delay grows from InitialRetryDelay by RetryFactor up to
// MaxRetryDelay, and a retry directive from the server raises it but never lowers it. The backoff
// starts over once a connection has stayed up for RetryResetInterval.
// 4. Events missed while disconnected are not replayed. If ResnapshotOnReconnect is set, OnConnected
// is called after each reconnect so that the owner can fetch a fresh snapshot before any further
// events are applied.

const (
	defaultStreamInitialRetryDelay = 1 * time.Second
	defaultStreamRetryFactor       = 2.0
	defaultStreamMaxRetryDelay     = 30 * time.Second
	defaultStreamHeartbeatTimeout  = 45 * time.Second
	defaultStreamRetryResetDelay   = 60 * time.Second

	streamingErrorContext     = "in stream connection"
	streamingWillRetryMessage = "will retry"
)

// StreamState is a connection state reported by StreamProcessor.
type StreamState int

const (
	// StreamConnected means a connection is open and events are being consumed.
	StreamConnected StreamState = iota
	// StreamInterrupted means the connection was lost and a reconnect is scheduled.
	StreamInterrupted
	// StreamClosed means the processor has stopped for good.
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnected:
		return "CONNECTED"
	case StreamInterrupted:
		return "INTERRUPTED"
	case StreamClosed:
		return "CLOSED"
	default:
		return "???"
	}
}

// StreamConfig describes the configuration of a StreamProcessor. Zero values select defaults.
type StreamConfig struct {
	BaseURI            string
	Headers            http.Header
	InitialRetryDelay  time.Duration
	RetryFactor        float64
	MaxRetryDelay      time.Duration
	HeartbeatTimeout   time.Duration
	RetryResetInterval time.Duration

	// ResnapshotOnReconnect makes the processor call OnConnected after every successful reconnect.
	ResnapshotOnReconnect bool

	// OnEvent is called, on the stream goroutine, after each change event has been applied to the cache.
	OnEvent func(ffmodel.FlagChangeEvent)
	// OnStateChange is called, on the stream goroutine, when the connection state changes.
	OnStateChange func(StreamState, error)
	// OnConnected is called with reconnect=true after every reconnect if ResnapshotOnReconnect is
	// set. Events are not consumed until it returns.
	OnConnected func(ctx context.Context, reconnect bool)
}

// StreamProcessor keeps a FlagCache current by consuming the server's change feed.
type StreamProcessor struct {
	cfg        StreamConfig
	cache      *datastore.FlagCache
	client     *http.Client
	loggers    ldlog.Loggers
	retryFloor time.Duration
	lock       sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
}

// NewStreamProcessor creates a StreamProcessor. It does nothing until Start is called.
func NewStreamProcessor(
	httpClient *http.Client,
	cache *datastore.FlagCache,
	cfg StreamConfig,
	loggers ldlog.Loggers,
) *StreamProcessor {
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = defaultStreamInitialRetryDelay
	}
	if cfg.RetryFactor < 1 {
		cfg.RetryFactor = defaultStreamRetryFactor
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaultStreamMaxRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.InitialRetryDelay {
		cfg.MaxRetryDelay = cfg.InitialRetryDelay
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultStreamHeartbeatTimeout
	}
	if cfg.RetryResetInterval <= 0 {
		cfg.RetryResetInterval = defaultStreamRetryResetDelay
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// Client.Timeout isn't just a connect timeout, it will break the connection if a full response
	// isn't received within that time (which, with the stream, it never will be), so we must make
	// sure it's zero. The heartbeat timeout takes its place.
	streamClient := *httpClient
	streamClient.Timeout = 0

	loggers.SetPrefix("FlagStream:")
	return &StreamProcessor{
		cfg:     cfg,
		cache:   cache,
		client:  &streamClient,
		loggers: loggers,
		done:    make(chan struct{}),
	}
}

// Start begins connecting in the background. Cancelling ctx has the same effect as Close, except
// that it does not wait. Calling Start more than once has no effect.
func (sp *StreamProcessor) Start(ctx context.Context) {
	sp.startOnce.Do(func() {
		var runCtx context.Context
		runCtx, sp.cancel = context.WithCancel(ctx)
		sp.loggers.Info("Starting flag change stream")
		go sp.run(runCtx)
	})
}

// Close stops the stream, including any pending reconnect delay, and waits for the stream goroutine
// to exit. It is safe to call more than once, and before Start.
func (sp *StreamProcessor) Close() error {
	sp.closeOnce.Do(func() {
		started := true
		sp.startOnce.Do(func() { started = false })
		if !started {
			close(sp.done)
			return
		}
		sp.cancel()
		<-sp.done
	})
	return nil
}

// RetryFloor returns the most recent reconnect delay advised by the server.
func (sp *StreamProcessor) RetryFloor() time.Duration {
	sp.lock.Lock()
	defer sp.lock.Unlock()
	return sp.retryFloor
}

func (sp *StreamProcessor) setRetryFloor(d time.Duration) {
	sp.lock.Lock()
	sp.retryFloor = d
	sp.lock.Unlock()
}

func (sp *StreamProcessor) notifyState(state StreamState, err error) {
	if sp.cfg.OnStateChange != nil {
		sp.cfg.OnStateChange(state, err)
	}
}

func (sp *StreamProcessor) run(ctx context.Context) {
	defer close(sp.done)
	defer sp.notifyState(StreamClosed, nil)

	backoff := newBackoff(sp.cfg.InitialRetryDelay, sp.cfg.RetryFactor, sp.cfg.MaxRetryDelay)
	everConnected := false
	for {
		connectedAt, err := sp.connectAndConsume(ctx, everConnected)
		if ctx.Err() != nil {
			return
		}
		if !connectedAt.IsZero() {
			everConnected = true
			if time.Since(connectedAt) >= sp.cfg.RetryResetInterval {
				backoff.reset()
			}
		}
		delay := reconnectDelay(backoff, sp.RetryFloor())
		logConnectionError(sp.loggers, streamingErrorContext, err, streamingWillRetryMessage)
		if sp.loggers.IsDebugEnabled() {
			sp.loggers.Debugf("Reconnecting in %s", delay)
		}
		sp.notifyState(StreamInterrupted, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndConsume makes one connection attempt and consumes events until the connection ends.
// It returns the time the connection was established, or the zero time if it never was.
func (sp *StreamProcessor) connectAndConsume(ctx context.Context, reconnect bool) (time.Time, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, reqErr := http.NewRequestWithContext(connCtx, http.MethodGet,
		endpoints.AddPath(sp.cfg.BaseURI, endpoints.StreamPath), nil)
	if reqErr != nil {
		return time.Time{}, reqErr
	}
	req.Header = cloneHeaders(sp.cfg.Headers)
	req.Header.Set("Accept", endpoints.EventStreamContentType)
	req.Header.Set("Cache-Control", "no-cache")

	if sp.loggers.IsDebugEnabled() {
		sp.loggers.Debugf("Connecting to %s", req.URL)
	}
	resp, err := sp.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkForHTTPError(resp.StatusCode, req.URL.String()); err != nil {
		return time.Time{}, err
	}

	connectedAt := time.Now()
	if reconnect && sp.cfg.ResnapshotOnReconnect && sp.cfg.OnConnected != nil {
		sp.cfg.OnConnected(connCtx, true)
	}
	sp.loggers.Info("Flag change stream is active")
	sp.notifyState(StreamConnected, nil)

	decoder := feed.NewDecoder(resp.Body, sp.cfg.HeartbeatTimeout)
	var lastVersion int64
	for {
		rec, err := decoder.Decode()
		if err != nil {
			switch {
			case errors.Is(err, feed.ErrReadTimeout):
				return connectedAt, errReadTimeout
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return connectedAt, errStreamEnded
			}
			return connectedAt, err
		}
		if rec.Retry > 0 {
			sp.setRetryFloor(rec.Retry)
		}
		switch rec.Event {
		case feed.FlagChangeEventName:
			event, err := feed.ParseChangeEvent([]byte(rec.Data))
			if err != nil {
				sp.loggers.Errorf("Received malformed %q event (%s); ignoring it", rec.Event, err)
				continue
			}
			if event.Version <= lastVersion {
				if sp.loggers.IsDebugEnabled() {
					sp.loggers.Debugf("Ignoring event version %d for %q; already at %d",
						event.Version, event.Payload.Key, lastVersion)
				}
				continue
			}
			lastVersion = event.Version
			sp.cache.Apply(event)
			if sp.loggers.IsDebugEnabled() {
				sp.loggers.Debugf("Applied %s event for %q (version %d)", event.Type, event.Payload.Key, event.Version)
			}
			if sp.cfg.OnEvent != nil {
				sp.cfg.OnEvent(event)
			}
		case feed.HeartbeatEventName, "":
		default:
			if sp.loggers.IsDebugEnabled() {
				sp.loggers.Debugf("Ignoring unknown stream event %q", rec.Event)
			}
		}
	}
}

var (
	errReadTimeout = errors.New("no data received within heartbeat timeout")
	errStreamEnded = errors.New("stream closed by server")
)

// backoff computes reconnect delays: InitialRetryDelay, then multiplied by the factor on each
// attempt, capped at the maximum.
type backoff struct {
	initial time.Duration
	factor  float64
	max     time.Duration
	current time.Duration
}

func newBackoff(initial time.Duration, factor float64, maxDelay time.Duration) *backoff {
	return &backoff{initial: initial, factor: factor, max: maxDelay}
}

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		next := time.Duration(float64(b.current) * b.factor)
		if next > b.max || next < b.current {
			next = b.max
		}
		b.current = next
	}
	return b.current
}

func (b *backoff) reset() {
	b.current = 0
}

// reconnectDelay advances the backoff and raises the result to the server-advised floor.
func reconnectDelay(b *backoff, floor time.Duration) time.Duration {
	delay := b.next()
	if floor > delay {
		return floor
	}
	return delay
}
