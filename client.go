package ffclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ffaaslite/go-ffaas/ffeval"
	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal"
	"github.com/ffaaslite/go-ffaas/internal/datasource"
	"github.com/ffaaslite/go-ffaas/internal/datastore"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// Client is the flag service client. It is safe for concurrent use.
//
// Create a Client with New and release it with Close.
type Client struct {
	config       Config
	loggers      ldlog.Loggers
	cache        *datastore.FlagCache
	requestor    *datasource.Requestor
	evaluator    *ffeval.Evaluator
	flagChanges  *internal.Broadcaster[ffmodel.FlagChangeEvent]
	stateChanges *internal.Broadcaster[StateChange]
	lifetime     context.Context
	cancel       context.CancelFunc

	lock      sync.Mutex
	state     State
	synced    bool
	closed    bool
	stream    *datasource.StreamProcessor
	streamGen int
	refresher *datasource.BackgroundRefresher
	closeOnce sync.Once
}

// New creates a Client.
//
// Unless Config.BootstrapOnStartup is false, New fetches a full snapshot first, bounded by ctx
// and Config.RequestTimeout. If that fails, New still returns a usable Client along with the
// error: the change stream and background refresh are started as configured, and flags that are
// not cached are evaluated remotely until a snapshot arrives.
//
// The only case in which New returns a nil Client is a missing Config.BaseURI.
func New(ctx context.Context, config Config) (*Client, error) {
	if config.BaseURI == "" {
		return nil, ErrMissingBaseURI
	}
	config = config.withDefaults()

	loggers := config.Loggers
	loggers.Init()

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:       config,
		loggers:      loggers,
		cache:        datastore.NewFlagCache(loggers),
		evaluator:    ffeval.NewEvaluator(),
		flagChanges:  internal.NewBroadcaster[ffmodel.FlagChangeEvent](),
		stateChanges: internal.NewBroadcaster[StateChange](),
		lifetime:     lifetime,
		cancel:       cancel,
		state:        StateUninitialized,
	}
	c.requestor = datasource.NewRequestor(config.HTTPClient, config.BaseURI, config.Headers,
		config.RequestTimeout, loggers)

	var bootstrapErr error
	if config.BootstrapOnStartup.OrElse(true) {
		if err := c.RefreshSnapshot(ctx); err != nil {
			loggers.Warnf("Initial snapshot fetch failed: %s", err)
			bootstrapErr = fmt.Errorf("initial snapshot fetch failed: %w", err)
		}
	}
	if config.StartRealtimeStream.OrElse(true) {
		if err := c.StartRealtime(ctx); err != nil && bootstrapErr == nil {
			bootstrapErr = err
		}
	}
	if config.BackgroundRefresh.Enabled {
		_ = c.StartBackgroundRefresh()
	}
	return c, bootstrapErr
}

// Evaluate evaluates a flag for the given context.
//
// If the flag is cached, it is evaluated locally with no network access. Otherwise the server
// evaluates it; the error is then ErrFlagNotFound if the server does not know the flag, or a
// transport error. A remote evaluation does not add the flag to the cache.
func (c *Client) Evaluate(ctx context.Context, key string, evalContext ffmodel.EvalContext) (ffmodel.EvalResult, error) {
	if flag, ok := c.cache.Get(key); ok {
		return c.evaluator.Evaluate(flag, evalContext), nil
	}
	if c.isClosed() {
		return ffmodel.EvalResult{}, ErrClientClosed
	}
	if c.loggers.IsDebugEnabled() {
		c.loggers.Debugf("Flag %q is not cached; evaluating remotely", key)
	}
	return c.requestor.Evaluate(ctx, key, evalContext)
}

// TryGetCachedFlag returns a copy of the cached flag with the given key, if any.
func (c *Client) TryGetCachedFlag(key string) (ffmodel.Flag, bool) {
	return c.cache.Get(key)
}

// AllCachedFlags returns copies of all cached flags, sorted by key.
func (c *Client) AllCachedFlags() []ffmodel.Flag {
	return c.cache.All()
}

// RefreshSnapshot fetches every flag from the server and replaces the cache with exactly that set.
// Cached flags that the server no longer has are evicted. On error the cache is unchanged.
func (c *Client) RefreshSnapshot(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	flags, notModified, err := c.requestor.RequestSnapshot(ctx)
	if err != nil {
		return err
	}
	evicted := c.cache.Replace(flags)
	if c.loggers.IsDebugEnabled() {
		c.loggers.Debugf("Loaded snapshot of %d flags (not modified: %t, evicted: %v)",
			len(flags), notModified, evicted)
	}

	c.lock.Lock()
	c.synced = true
	if c.state == StateUninitialized {
		c.setStateLocked(StateSynced, nil)
	}
	c.lock.Unlock()
	return nil
}

// StartRealtime opens the change stream, if it is not already open. If
// Config.Stream.BootstrapSnapshot is set, a snapshot is fetched first, bounded by ctx; a failure
// there is returned and the stream is not started.
//
// The stream itself runs until StopRealtime or Close, reconnecting as needed.
func (c *Client) StartRealtime(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if c.config.Stream.BootstrapSnapshot {
		if err := c.RefreshSnapshot(ctx); err != nil {
			return fmt.Errorf("snapshot before starting stream failed: %w", err)
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.stream != nil {
		return nil
	}
	c.streamGen++
	gen := c.streamGen
	sc := c.config.Stream
	c.stream = datasource.NewStreamProcessor(c.config.HTTPClient, c.cache, datasource.StreamConfig{
		BaseURI:               c.config.BaseURI,
		Headers:               c.config.Headers,
		InitialRetryDelay:     sc.InitialRetryDelay,
		RetryFactor:           sc.RetryFactor,
		MaxRetryDelay:         sc.MaxRetryDelay,
		HeartbeatTimeout:      sc.HeartbeatTimeout,
		ResnapshotOnReconnect: sc.ResnapshotOnReconnect,
		OnEvent:               c.flagChanges.Broadcast,
		OnStateChange: func(state datasource.StreamState, err error) {
			c.handleStreamState(gen, state, err)
		},
		OnConnected: c.resnapshot,
	}, c.loggers)
	c.stream.Start(c.lifetime)
	return nil
}

// StopRealtime closes the change stream, if it is open, and waits for it to shut down. The cache
// keeps its contents.
func (c *Client) StopRealtime() {
	c.lock.Lock()
	stream := c.stream
	c.stream = nil
	c.lock.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// StartBackgroundRefresh starts the periodic snapshot refresh, if it is not already running.
func (c *Client) StartBackgroundRefresh() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.refresher != nil {
		return nil
	}
	c.refresher = datasource.NewBackgroundRefresher(c.config.BackgroundRefresh.Interval,
		c.RefreshSnapshot, c.config.OnBackgroundRefreshError, c.loggers)
	c.refresher.Start(c.lifetime)
	return nil
}

// StopBackgroundRefresh stops the periodic snapshot refresh, if it is running.
func (c *Client) StopBackgroundRefresh() {
	c.lock.Lock()
	refresher := c.refresher
	c.refresher = nil
	c.lock.Unlock()
	if refresher != nil {
		_ = refresher.Close()
	}
}

// AddFlagChangeListener subscribes to change events applied from the stream. The channel is
// buffered; a listener that falls behind misses events rather than delaying the stream.
func (c *Client) AddFlagChangeListener() <-chan ffmodel.FlagChangeEvent {
	return c.flagChanges.AddListener()
}

// RemoveFlagChangeListener unsubscribes and closes a channel returned by AddFlagChangeListener.
func (c *Client) RemoveFlagChangeListener(ch <-chan ffmodel.FlagChangeEvent) {
	c.flagChanges.RemoveListener(ch)
}

// AddStateListener subscribes to state changes.
func (c *Client) AddStateListener() <-chan StateChange {
	return c.stateChanges.AddListener()
}

// RemoveStateListener unsubscribes and closes a channel returned by AddStateListener.
func (c *Client) RemoveStateListener(ch <-chan StateChange) {
	c.stateChanges.RemoveListener(ch)
}

// State returns the current state.
func (c *Client) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Close stops the change stream and background refresh and releases their connections. Listener
// channels are closed after a final StateStopped notification. The cache remains readable, so
// cached flags can still be evaluated. Close is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.loggers.Info("Closing flag client")
		c.lock.Lock()
		c.closed = true
		stream, refresher := c.stream, c.refresher
		c.stream, c.refresher = nil, nil
		c.setStateLocked(StateStopped, nil)
		c.lock.Unlock()

		if stream != nil {
			_ = stream.Close()
		}
		if refresher != nil {
			_ = refresher.Close()
		}
		c.cancel()
		c.flagChanges.Close()
		c.stateChanges.Close()
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *Client) resnapshot(ctx context.Context, _ bool) {
	if err := c.RefreshSnapshot(ctx); err != nil && ctx.Err() == nil {
		c.loggers.Warnf("Snapshot after reconnect failed: %s", err)
	}
}

func (c *Client) handleStreamState(gen int, state datasource.StreamState, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if gen != c.streamGen || c.closed {
		return
	}
	switch state {
	case datasource.StreamConnected:
		c.setStateLocked(StateStreaming, nil)
	case datasource.StreamInterrupted:
		c.setStateLocked(StateReconnecting, err)
	case datasource.StreamClosed:
		if c.synced {
			c.setStateLocked(StateSynced, nil)
		} else {
			c.setStateLocked(StateUninitialized, nil)
		}
	}
}

// setStateLocked must be called while holding c.lock. StateStopped is terminal. A repeated
// StateReconnecting is reported each time since it carries a new error.
func (c *Client) setStateLocked(state State, err error) {
	if c.state == StateStopped {
		return
	}
	if state == c.state && state != StateReconnecting {
		return
	}
	c.state = state
	if c.loggers.IsDebugEnabled() {
		c.loggers.Debugf("Client state is now %s", state)
	}
	c.stateChanges.Broadcast(StateChange{State: state, Err: err, At: time.Now()})
}
