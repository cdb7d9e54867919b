package ffclient

import (
	"net/http"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldvalue"
)

const (
	// DefaultRequestTimeout is the default value for Config.RequestTimeout.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultInitialRetryDelay is the default value for StreamConfig.InitialRetryDelay.
	DefaultInitialRetryDelay = time.Second

	// DefaultRetryFactor is the default value for StreamConfig.RetryFactor.
	DefaultRetryFactor = 2.0

	// DefaultMaxRetryDelay is the default value for StreamConfig.MaxRetryDelay.
	DefaultMaxRetryDelay = 30 * time.Second

	// DefaultHeartbeatTimeout is the default value for StreamConfig.HeartbeatTimeout.
	DefaultHeartbeatTimeout = 45 * time.Second

	// DefaultBackgroundRefreshInterval is the default value for BackgroundRefreshConfig.Interval.
	DefaultBackgroundRefreshInterval = 2 * time.Minute
)

// Config exposes the configuration options for a Client.
//
// Every field except BaseURI is optional. See the description of each field for the default
// behavior if it is not set.
type Config struct {
	// BaseURI is the root URI of the flag server, such as "http://flags.internal:8080". Required.
	BaseURI string

	// HTTPClient is used for all requests. If nil, http.DefaultClient is used. Its Timeout does not
	// apply to the change stream, which uses Stream.HeartbeatTimeout instead.
	HTTPClient *http.Client

	// Headers are added to every request, for instance an authorization header.
	Headers http.Header

	// RequestTimeout bounds snapshot and remote evaluation requests. The default is
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// BootstrapOnStartup controls whether New fetches a full snapshot before returning. The default
	// is true.
	BootstrapOnStartup ldvalue.OptionalBool

	// StartRealtimeStream controls whether New opens the change stream. The default is true. If
	// false, the stream can be started later with Client.StartRealtime.
	StartRealtimeStream ldvalue.OptionalBool

	// Stream configures the change stream.
	Stream StreamConfig

	// BackgroundRefresh configures the periodic snapshot refresh.
	BackgroundRefresh BackgroundRefreshConfig

	// OnBackgroundRefreshError, if set, is called with every error from a background refresh.
	// It is called on the refresh goroutine and should return promptly.
	OnBackgroundRefreshError func(error)

	// Loggers receives the client's log output. The zero value logs to the standard logger at
	// Info level and above.
	Loggers ldlog.Loggers
}

// StreamConfig configures the change stream.
type StreamConfig struct {
	// InitialRetryDelay is the delay before the first reconnect attempt. The default is
	// DefaultInitialRetryDelay.
	InitialRetryDelay time.Duration

	// RetryFactor multiplies the delay after each failed attempt. The default is DefaultRetryFactor.
	RetryFactor float64

	// MaxRetryDelay caps the reconnect delay. The default is DefaultMaxRetryDelay. A retry
	// directive from the server can still raise the delay above it.
	MaxRetryDelay time.Duration

	// HeartbeatTimeout is how long the stream may go without receiving any data, heartbeats
	// included, before it is considered dead and reconnected. The default is
	// DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration

	// BootstrapSnapshot makes StartRealtime fetch a full snapshot before opening the stream.
	BootstrapSnapshot bool

	// ResnapshotOnReconnect makes the client fetch a full snapshot every time the stream
	// reconnects, so that changes made while it was disconnected are not missed.
	ResnapshotOnReconnect bool
}

// BackgroundRefreshConfig configures the periodic snapshot refresh.
type BackgroundRefreshConfig struct {
	// Enabled makes New start the refresh. It can also be started with
	// Client.StartBackgroundRefresh.
	Enabled bool

	// Interval is the time between refreshes. The default is DefaultBackgroundRefreshInterval.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Stream.InitialRetryDelay <= 0 {
		c.Stream.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if c.Stream.RetryFactor < 1 {
		c.Stream.RetryFactor = DefaultRetryFactor
	}
	if c.Stream.MaxRetryDelay <= 0 {
		c.Stream.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.Stream.HeartbeatTimeout <= 0 {
		c.Stream.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.BackgroundRefresh.Interval <= 0 {
		c.BackgroundRefresh.Interval = DefaultBackgroundRefreshInterval
	}
	return c
}
