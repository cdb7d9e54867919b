package ffclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/endpoints"
	"github.com/ffaaslite/go-ffaas/internal/feed"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
	th "github.com/launchdarkly/go-test-helpers/v3"
	"github.com/launchdarkly/go-test-helpers/v3/httphelpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	briefDelay  = 10 * time.Millisecond
	testTimeout = 2 * time.Second
)

var uiVerFlag = ffmodel.NewStringFlag("ui-ver", "v1", ffmodel.TargetRule{
	Attribute:      "country",
	Operator:       ffmodel.OperatorEqual,
	Value:          "NL",
	Priority:       ldvalue.NewOptionalInt(1),
	StringOverride: ldvalue.String("v2"),
})

type fakeServer struct {
	snapshots   <-chan httphelpers.HTTPRequestInfo
	evaluations <-chan httphelpers.HTTPRequestInfo
	stream      httphelpers.SSEStreamControl
}

// withFakeServer runs a server whose snapshot, evaluate and stream endpoints are served by the
// given handlers. A nil stream handler gets a real SSE stream that the test can push events to.
func withFakeServer(
	t *testing.T,
	snapshotHandler, evaluateHandler, streamHandler http.Handler,
	action func(baseURI string, s fakeServer),
) {
	var s fakeServer
	if streamHandler == nil {
		var stream httphelpers.SSEStreamControl
		streamHandler, stream = httphelpers.SSEHandler(nil)
		defer stream.Close()
		s.stream = stream
	}
	if evaluateHandler == nil {
		evaluateHandler = httphelpers.HandlerWithStatus(http.StatusNotFound)
	}
	snapshotHandler, s.snapshots = httphelpers.RecordingHandler(snapshotHandler)
	evaluateHandler, s.evaluations = httphelpers.RecordingHandler(evaluateHandler)

	mux := http.NewServeMux()
	mux.Handle(endpoints.FlagsPath, snapshotHandler)
	mux.Handle(endpoints.StreamPath, streamHandler)
	mux.Handle("/api/evaluate/", evaluateHandler)
	httphelpers.WithServer(mux, func(ts *httptest.Server) {
		action(ts.URL, s)
	})
}

func snapshotOf(flags ...ffmodel.Flag) http.Handler {
	if flags == nil {
		flags = []ffmodel.Flag{}
	}
	return httphelpers.HandlerWithJSONResponse(flags, nil)
}

func testConfig(baseURI string) Config {
	return Config{
		BaseURI: baseURI,
		Stream: StreamConfig{
			InitialRetryDelay: briefDelay,
			MaxRetryDelay:     briefDelay * 4,
		},
		Loggers: ldlog.NewDisabledLoggers(),
	}
}

func sendChange(stream httphelpers.SSEStreamControl, event ffmodel.FlagChangeEvent) {
	stream.Send(httphelpers.SSEEvent{
		ID:    strconv.FormatInt(event.Version, 10),
		Event: feed.FlagChangeEventName,
		Data:  string(feed.MarshalChangeEvent(event)),
	})
}

func requireState(t *testing.T, ch <-chan StateChange, expected State) StateChange {
	t.Helper()
	for {
		sc := th.RequireValue(t, ch, testTimeout, "timed out waiting for state %s", expected)
		if sc.State == expected {
			return sc
		}
	}
}

func TestNewRequiresBaseURI(t *testing.T) {
	c, err := New(context.Background(), Config{})
	assert.Nil(t, c)
	assert.Equal(t, ErrMissingBaseURI, err)
}

func TestNewBootstrapsCacheAndEvaluatesLocally(t *testing.T) {
	withFakeServer(t, snapshotOf(uiVerFlag), nil, nil, func(baseURI string, s fakeServer) {
		c, err := New(context.Background(), testConfig(baseURI))
		require.NoError(t, err)
		defer c.Close()

		th.RequireValue(t, s.snapshots, testTimeout)
		cached, ok := c.TryGetCachedFlag("ui-ver")
		require.True(t, ok)
		assert.Equal(t, ffmodel.TypeString, cached.Type)

		nl, err := c.Evaluate(context.Background(), "ui-ver", ffmodel.EvalContext{}.With("country", "NL"))
		require.NoError(t, err)
		assert.Equal(t, ldvalue.String("v2"), nl.Value)
		assert.Equal(t, ffmodel.VariantRule, nl.Variant)

		de, err := c.Evaluate(context.Background(), "ui-ver", ffmodel.EvalContext{}.With("country", "DE"))
		require.NoError(t, err)
		assert.Equal(t, ldvalue.String("v1"), de.Value)
		assert.Equal(t, ffmodel.VariantDefault, de.Variant)

		th.AssertNoMoreValues(t, s.evaluations, briefDelay)
	})
}

func TestEvaluateCacheMissGoesRemoteWithoutCaching(t *testing.T) {
	remote := ffmodel.EvalResult{
		Key:     "remote-only",
		Value:   ldvalue.Bool(true),
		Type:    ffmodel.TypeBoolean,
		Variant: ffmodel.VariantDefault,
		AsOf:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	evalHandler := httphelpers.HandlerWithJSONResponse(remote, nil)
	withFakeServer(t, snapshotOf(), evalHandler, nil, func(baseURI string, s fakeServer) {
		c, err := New(context.Background(), testConfig(baseURI))
		require.NoError(t, err)
		defer c.Close()

		evalContext := ffmodel.NewEvalContext("user-1").With("plan", "pro")
		result, err := c.Evaluate(context.Background(), "remote-only", evalContext)
		require.NoError(t, err)
		assert.Equal(t, remote, result)

		req := th.RequireValue(t, s.evaluations, testTimeout)
		assert.Equal(t, http.MethodPost, req.Request.Method)
		assert.Equal(t, endpoints.EvaluatePath("remote-only"), req.Request.URL.Path)
		var sent ffmodel.EvalContext
		require.NoError(t, sent.UnmarshalJSON(req.Body))
		assert.Equal(t, evalContext, sent)

		_, ok := c.TryGetCachedFlag("remote-only")
		assert.False(t, ok)
		assert.Len(t, c.AllCachedFlags(), 0)
	})
}

func TestEvaluateUnknownFlag(t *testing.T) {
	withFakeServer(t, snapshotOf(), nil, nil, func(baseURI string, s fakeServer) {
		c, err := New(context.Background(), testConfig(baseURI))
		require.NoError(t, err)
		defer c.Close()

		_, err = c.Evaluate(context.Background(), "nope", ffmodel.EvalContext{})
		assert.ErrorIs(t, err, ErrFlagNotFound)
	})
}

func TestEvaluateRemoteServerError(t *testing.T) {
	withFakeServer(t, snapshotOf(), httphelpers.HandlerWithStatus(503), nil, func(baseURI string, s fakeServer) {
		c, err := New(context.Background(), testConfig(baseURI))
		require.NoError(t, err)
		defer c.Close()

		_, err = c.Evaluate(context.Background(), "x", ffmodel.EvalContext{})
		var hse HTTPStatusError
		require.ErrorAs(t, err, &hse)
		assert.Equal(t, 503, hse.StatusCode)
		assert.False(t, errors.Is(err, ErrFlagNotFound))
	})
}

func TestStreamEventsUpdateCacheAndNotifyListeners(t *testing.T) {
	withFakeServer(t, snapshotOf(), nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()

		states := c.AddStateListener()
		changes := c.AddFlagChangeListener()
		require.NoError(t, c.StartRealtime(context.Background()))
		requireState(t, states, StateStreaming)

		created := ffmodel.NewUpsertEvent(ffmodel.ChangeCreated, uiVerFlag)
		created.Version = 1
		sendChange(s.stream, created)
		e := th.RequireValue(t, changes, testTimeout)
		assert.Equal(t, ffmodel.ChangeCreated, e.Type)
		_, ok := c.TryGetCachedFlag("ui-ver")
		assert.True(t, ok)

		deleted := ffmodel.NewDeleteEvent("ui-ver")
		deleted.Version = 2
		sendChange(s.stream, deleted)
		e = th.RequireValue(t, changes, testTimeout)
		assert.Equal(t, ffmodel.ChangeDeleted, e.Type)
		_, ok = c.TryGetCachedFlag("ui-ver")
		assert.False(t, ok)
	})
}

func TestStateTransitions(t *testing.T) {
	withFakeServer(t, snapshotOf(uiVerFlag), nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.BootstrapOnStartup = ldvalue.NewOptionalBool(false)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, StateUninitialized, c.State())

		states := c.AddStateListener()
		require.NoError(t, c.RefreshSnapshot(context.Background()))
		assert.Equal(t, StateSynced, th.RequireValue(t, states, testTimeout).State)

		require.NoError(t, c.StartRealtime(context.Background()))
		assert.Equal(t, StateStreaming, th.RequireValue(t, states, testTimeout).State)

		s.stream.EndAll()
		sc := th.RequireValue(t, states, testTimeout)
		assert.Equal(t, StateReconnecting, sc.State)
		assert.Error(t, sc.Err)
		assert.Equal(t, StateStreaming, th.RequireValue(t, states, testTimeout).State)

		c.StopRealtime()
		assert.Equal(t, StateSynced, th.RequireValue(t, states, testTimeout).State)

		require.NoError(t, c.Close())
		assert.Equal(t, StateStopped, th.RequireValue(t, states, testTimeout).State)
		th.AssertChannelClosed(t, states, testTimeout)
		assert.Equal(t, StateStopped, c.State())
	})
}

func TestRefreshSnapshotEvictsMissingFlags(t *testing.T) {
	other := ffmodel.NewBoolFlag("other", true)
	handler := httphelpers.SequentialHandler(snapshotOf(uiVerFlag, other), snapshotOf(other))
	withFakeServer(t, handler, nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()
		require.Len(t, c.AllCachedFlags(), 2)

		require.NoError(t, c.RefreshSnapshot(context.Background()))
		flags := c.AllCachedFlags()
		require.Len(t, flags, 1)
		assert.Equal(t, "other", flags[0].Key)
	})
}

func TestBootstrapFailureStillReturnsUsableClient(t *testing.T) {
	withFakeServer(t, httphelpers.HandlerWithStatus(500), nil, nil, func(baseURI string, s fakeServer) {
		mockLog := ldlogtest.NewMockLog()
		cfg := testConfig(baseURI)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		cfg.Loggers = mockLog.Loggers
		c, err := New(context.Background(), cfg)
		require.NotNil(t, c)
		defer c.Close()

		var hse HTTPStatusError
		require.ErrorAs(t, err, &hse)
		assert.Equal(t, 500, hse.StatusCode)
		assert.Equal(t, StateUninitialized, c.State())
		mockLog.AssertMessageMatch(t, true, ldlog.Warn, "Initial snapshot fetch failed")

		_, err = c.Evaluate(context.Background(), "x", ffmodel.EvalContext{})
		assert.ErrorIs(t, err, ErrFlagNotFound)
	})
}

func TestStartRealtimeWithBootstrapSnapshot(t *testing.T) {
	withFakeServer(t, snapshotOf(uiVerFlag), nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.BootstrapOnStartup = ldvalue.NewOptionalBool(false)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		cfg.Stream.BootstrapSnapshot = true
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()
		th.AssertNoMoreValues(t, s.snapshots, briefDelay)

		require.NoError(t, c.StartRealtime(context.Background()))
		th.RequireValue(t, s.snapshots, testTimeout)
		_, ok := c.TryGetCachedFlag("ui-ver")
		assert.True(t, ok)
	})
}

func TestResnapshotOnReconnect(t *testing.T) {
	withFakeServer(t, snapshotOf(uiVerFlag), nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.Stream.ResnapshotOnReconnect = true
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()

		states := c.AddStateListener()
		th.RequireValue(t, s.snapshots, testTimeout)
		if c.State() != StateStreaming {
			requireState(t, states, StateStreaming)
		}
		th.AssertNoMoreValues(t, s.snapshots, briefDelay)

		s.stream.EndAll()
		requireState(t, states, StateReconnecting)
		th.RequireValue(t, s.snapshots, testTimeout)
	})
}

func TestBackgroundRefreshReportsErrors(t *testing.T) {
	handler := httphelpers.SequentialHandler(snapshotOf(uiVerFlag), httphelpers.HandlerWithStatus(502))
	withFakeServer(t, handler, nil, nil, func(baseURI string, s fakeServer) {
		errs := make(chan error, 10)
		cfg := testConfig(baseURI)
		cfg.StartRealtimeStream = ldvalue.NewOptionalBool(false)
		cfg.BackgroundRefresh = BackgroundRefreshConfig{Enabled: true, Interval: briefDelay}
		cfg.OnBackgroundRefreshError = func(err error) { errs <- err }
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)
		defer c.Close()

		err = th.RequireValue(t, errs, testTimeout)
		var hse HTTPStatusError
		require.ErrorAs(t, err, &hse)
		assert.Equal(t, 502, hse.StatusCode)
		th.RequireValue(t, errs, testTimeout)

		_, ok := c.TryGetCachedFlag("ui-ver")
		assert.True(t, ok, "a failed refresh must leave the cache unchanged")

		c.StopBackgroundRefresh()
		for len(errs) > 0 {
			<-errs
		}
		th.AssertNoMoreValues(t, errs, briefDelay*5)
	})
}

func TestCloseStopsEverything(t *testing.T) {
	withFakeServer(t, snapshotOf(uiVerFlag), nil, nil, func(baseURI string, s fakeServer) {
		cfg := testConfig(baseURI)
		cfg.BackgroundRefresh.Enabled = true
		c, err := New(context.Background(), cfg)
		require.NoError(t, err)

		changes := c.AddFlagChangeListener()
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())

		th.AssertChannelClosed(t, changes, testTimeout)
		assert.Equal(t, StateStopped, c.State())
		assert.Equal(t, ErrClientClosed, c.StartRealtime(context.Background()))
		assert.Equal(t, ErrClientClosed, c.StartBackgroundRefresh())
		assert.Equal(t, ErrClientClosed, c.RefreshSnapshot(context.Background()))

		result, err := c.Evaluate(context.Background(), "ui-ver", ffmodel.EvalContext{})
		require.NoError(t, err)
		assert.Equal(t, ldvalue.String("v1"), result.Value)
		_, err = c.Evaluate(context.Background(), "unknown", ffmodel.EvalContext{})
		assert.Equal(t, ErrClientClosed, err)
	})
}
