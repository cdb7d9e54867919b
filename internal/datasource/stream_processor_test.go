package datasource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/datastore"
	"github.com/ffaaslite/go-ffaas/internal/feed"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	th "github.com/launchdarkly/go-test-helpers/v3"
	"github.com/launchdarkly/go-test-helpers/v3/httphelpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	briefDelay  = 10 * time.Millisecond
	testTimeout = 2 * time.Second
)

type stateChange struct {
	state StreamState
	err   error
}

type streamTestParams struct {
	t        *testing.T
	cache    *datastore.FlagCache
	sp       *StreamProcessor
	events   chan ffmodel.FlagChangeEvent
	states   chan stateChange
	mockLog  *ldlogtest.MockLog
	requests <-chan httphelpers.HTTPRequestInfo
}

func changeSSEEvent(event ffmodel.FlagChangeEvent) httphelpers.SSEEvent {
	return httphelpers.SSEEvent{
		ID:    strconv.FormatInt(event.Version, 10),
		Event: feed.FlagChangeEventName,
		Data:  string(feed.MarshalChangeEvent(event)),
	}
}

func versioned(event ffmodel.FlagChangeEvent, version int64) ffmodel.FlagChangeEvent {
	event.Version = version
	return event
}

func withStreamProcessor(
	t *testing.T,
	handler http.Handler,
	configure func(*StreamConfig),
	action func(p streamTestParams),
) {
	recorder, requests := httphelpers.RecordingHandler(handler)
	httphelpers.WithServer(recorder, func(ts *httptest.Server) {
		p := streamTestParams{
			t:        t,
			cache:    datastore.NewFlagCache(ldlog.NewDisabledLoggers()),
			events:   make(chan ffmodel.FlagChangeEvent, 100),
			states:   make(chan stateChange, 100),
			mockLog:  ldlogtest.NewMockLog(),
			requests: requests,
		}
		cfg := StreamConfig{
			BaseURI:           ts.URL,
			InitialRetryDelay: briefDelay,
			MaxRetryDelay:     briefDelay * 4,
			OnEvent:           func(e ffmodel.FlagChangeEvent) { p.events <- e },
			OnStateChange:     func(s StreamState, err error) { p.states <- stateChange{s, err} },
		}
		if configure != nil {
			configure(&cfg)
		}
		p.sp = NewStreamProcessor(nil, p.cache, cfg, p.mockLog.Loggers)
		defer func() { _ = p.sp.Close() }()
		p.sp.Start(context.Background())
		action(p)
	})
}

func (p streamTestParams) requireState(expected StreamState) stateChange {
	p.t.Helper()
	sc := th.RequireValue(p.t, p.states, testTimeout, "timed out waiting for state %s", expected)
	require.Equal(p.t, expected, sc.state, "unexpected state (error: %v)", sc.err)
	return sc
}

func TestStreamProcessorAppliesEvents(t *testing.T) {
	flag := ffmodel.NewStringFlag("ui-ver", "v1")
	updated := ffmodel.NewStringFlag("ui-ver", "v2")
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)

		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, flag), 1)))
		e := th.RequireValue(t, p.events, testTimeout)
		assert.Equal(t, ffmodel.ChangeCreated, e.Type)
		f, ok := p.cache.Get("ui-ver")
		require.True(t, ok)
		assert.Equal(t, flag.Default, f.Default)

		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeUpdated, updated), 2)))
		th.RequireValue(t, p.events, testTimeout)
		f, _ = p.cache.Get("ui-ver")
		assert.Equal(t, updated.Default, f.Default)

		stream.Send(changeSSEEvent(versioned(ffmodel.NewDeleteEvent("ui-ver"), 3)))
		th.RequireValue(t, p.events, testTimeout)
		_, ok = p.cache.Get("ui-ver")
		assert.False(t, ok)
	})
}

func TestStreamProcessorDropsMalformedEventAndContinues(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)

		stream.Send(httphelpers.SSEEvent{Event: feed.FlagChangeEventName, Data: `{"type":"created"`})
		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, ffmodel.NewBoolFlag("a", true)), 1)))

		e := th.RequireValue(t, p.events, testTimeout)
		assert.Equal(t, "a", e.Payload.Key)
		p.mockLog.AssertMessageMatch(t, true, ldlog.Error, "malformed")
		th.AssertNoMoreValues(t, p.states, briefDelay*5, "stream should not have been restarted")
	})
}

func TestStreamProcessorIgnoresStaleVersions(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)

		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, ffmodel.NewStringFlag("a", "new")), 5)))
		th.RequireValue(t, p.events, testTimeout)

		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeUpdated, ffmodel.NewStringFlag("a", "old")), 4)))
		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeUpdated, ffmodel.NewStringFlag("b", "x")), 6)))
		e := th.RequireValue(t, p.events, testTimeout)
		assert.Equal(t, "b", e.Payload.Key)

		f, _ := p.cache.Get("a")
		assert.Equal(t, "new", f.DefaultValue().StringValue())
	})
}

func TestStreamProcessorIgnoresHeartbeatsAndUnknownEvents(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)
		stream.Send(httphelpers.SSEEvent{Event: feed.HeartbeatEventName, Data: string(feed.MarshalHeartbeat(time.Now()))})
		stream.Send(httphelpers.SSEEvent{Event: "something-else", Data: `{}`})
		th.AssertNoMoreValues(t, p.events, briefDelay*5)
		th.AssertNoMoreValues(t, p.states, briefDelay)
	})
}

func TestStreamProcessorReconnectsAfterStreamEnds(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)
		<-p.requests

		stream.EndAll()
		p.requireState(StreamInterrupted)
		p.requireState(StreamConnected)
		<-p.requests

		stream.Send(changeSSEEvent(versioned(ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, ffmodel.NewBoolFlag("a", true)), 1)))
		th.RequireValue(t, p.events, testTimeout)
	})
}

func TestStreamProcessorRetriesAfterHTTPError(t *testing.T) {
	sseHandler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()
	handler := httphelpers.SequentialHandler(
		httphelpers.HandlerWithStatus(503),
		httphelpers.HandlerWithStatus(401),
		sseHandler,
	)

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		sc := p.requireState(StreamInterrupted)
		var hse HTTPStatusError
		require.ErrorAs(t, sc.err, &hse)
		assert.Equal(t, 503, hse.StatusCode)

		p.requireState(StreamInterrupted)
		p.requireState(StreamConnected)
		p.mockLog.AssertMessageMatch(t, true, ldlog.Warn, "HTTP error 503")
		p.mockLog.AssertMessageMatch(t, true, ldlog.Error, "HTTP error 401")
	})
}

func TestStreamProcessorReconnectsAfterHeartbeatTimeout(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	configure := func(cfg *StreamConfig) { cfg.HeartbeatTimeout = 50 * time.Millisecond }
	withStreamProcessor(t, handler, configure, func(p streamTestParams) {
		p.requireState(StreamConnected)
		sc := p.requireState(StreamInterrupted)
		assert.Equal(t, errReadTimeout, sc.err)
		p.requireState(StreamConnected)
	})
}

func TestStreamProcessorHeartbeatsKeepConnectionOpen(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	configure := func(cfg *StreamConfig) { cfg.HeartbeatTimeout = 100 * time.Millisecond }
	withStreamProcessor(t, handler, configure, func(p streamTestParams) {
		p.requireState(StreamConnected)
		for i := 0; i < 6; i++ {
			stream.Send(httphelpers.SSEEvent{Event: feed.HeartbeatEventName, Data: string(feed.MarshalHeartbeat(time.Now()))})
			time.Sleep(40 * time.Millisecond)
		}
		th.AssertNoMoreValues(t, p.states, time.Millisecond)
	})
}

func TestStreamProcessorRecordsServerRetryAdvice(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	withStreamProcessor(t, handler, nil, func(p streamTestParams) {
		p.requireState(StreamConnected)
		event := changeSSEEvent(versioned(ffmodel.NewDeleteEvent("x"), 1))
		event.RetryMillis = 1500
		stream.Send(event)
		th.RequireValue(t, p.events, testTimeout)
		assert.Equal(t, 1500*time.Millisecond, p.sp.RetryFloor())
	})
}

func TestReconnectDelayUsesServerRetryOnlyWhenLarger(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 2, time.Second)
	assert.Equal(t, 500*time.Millisecond, reconnectDelay(b, 500*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, reconnectDelay(b, 500*time.Millisecond)) // backoff now 200ms
	assert.Equal(t, 400*time.Millisecond, reconnectDelay(b, 50*time.Millisecond))
	assert.Equal(t, 800*time.Millisecond, reconnectDelay(b, 0))
}

func requireReconnectGap(t *testing.T, retryMillis int, configure func(*StreamConfig), atLeast time.Duration) {
	handler, stream := httphelpers.SSEHandler(&httphelpers.SSEEvent{
		Event:       feed.HeartbeatEventName,
		Data:        string(feed.MarshalHeartbeat(time.Now())),
		RetryMillis: retryMillis,
	})
	defer stream.Close()

	withStreamProcessor(t, handler, configure, func(p streamTestParams) {
		p.requireState(StreamConnected)
		require.Eventually(t, func() bool { return p.sp.RetryFloor() == time.Duration(retryMillis)*time.Millisecond },
			testTimeout, time.Millisecond)

		stream.EndAll()
		p.requireState(StreamInterrupted)
		interruptedAt := time.Now()
		p.requireState(StreamConnected)
		assert.GreaterOrEqual(t, time.Since(interruptedAt), atLeast)
	})
}

func TestStreamProcessorServerRetryRaisesReconnectDelay(t *testing.T) {
	requireReconnectGap(t, 300, nil, 250*time.Millisecond)
}

func TestStreamProcessorServerRetryDoesNotLowerReconnectDelay(t *testing.T) {
	configure := func(cfg *StreamConfig) {
		cfg.InitialRetryDelay = 300 * time.Millisecond
		cfg.MaxRetryDelay = time.Second
	}
	requireReconnectGap(t, 20, configure, 250*time.Millisecond)
}

func TestStreamProcessorResnapshotsOnReconnect(t *testing.T) {
	handler, stream := httphelpers.SSEHandler(nil)
	defer stream.Close()

	connected := make(chan bool, 10)
	configure := func(cfg *StreamConfig) {
		cfg.ResnapshotOnReconnect = true
		cfg.OnConnected = func(_ context.Context, reconnect bool) { connected <- reconnect }
	}
	withStreamProcessor(t, handler, configure, func(p streamTestParams) {
		p.requireState(StreamConnected)
		th.AssertNoMoreValues(t, connected, briefDelay)

		stream.EndAll()
		p.requireState(StreamInterrupted)
		p.requireState(StreamConnected)
		assert.True(t, th.RequireValue(t, connected, testTimeout))
	})
}

func TestStreamProcessorCloseStopsPendingReconnect(t *testing.T) {
	handler := httphelpers.HandlerWithStatus(503)
	configure := func(cfg *StreamConfig) {
		cfg.InitialRetryDelay = time.Hour
		cfg.MaxRetryDelay = time.Hour
	}
	withStreamProcessor(t, handler, configure, func(p streamTestParams) {
		p.requireState(StreamInterrupted)

		closed := make(chan struct{})
		go func() {
			_ = p.sp.Close()
			close(closed)
		}()
		th.AssertChannelClosed(t, closed, testTimeout)
		p.requireState(StreamClosed)
	})
}

func TestStreamProcessorCloseBeforeStart(t *testing.T) {
	sp := NewStreamProcessor(nil, datastore.NewFlagCache(ldlog.NewDisabledLoggers()),
		StreamConfig{BaseURI: "http://localhost:1"}, ldlog.NewDisabledLoggers())
	require.NoError(t, sp.Close())
	sp.Start(context.Background())
	require.NoError(t, sp.Close())
}

func TestBackoff(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 2, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.next())
	assert.Equal(t, 20*time.Millisecond, b.next())
	assert.Equal(t, 40*time.Millisecond, b.next())
	assert.Equal(t, 50*time.Millisecond, b.next())
	assert.Equal(t, 50*time.Millisecond, b.next())
	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.next())
}
