package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const (
	refreshErrorContext     = "on background refresh"
	refreshWillRetryMessage = "will retry at next scheduled refresh"
)

// BackgroundRefresher periodically runs a refresh function, normally a full snapshot fetch.
// Failures are logged and passed to an error callback; they never stop the loop.
type BackgroundRefresher struct {
	interval  time.Duration
	refresh   func(context.Context) error
	onError   func(error)
	loggers   ldlog.Loggers
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewBackgroundRefresher creates a BackgroundRefresher. onError may be nil.
func NewBackgroundRefresher(
	interval time.Duration,
	refresh func(context.Context) error,
	onError func(error),
	loggers ldlog.Loggers,
) *BackgroundRefresher {
	return &BackgroundRefresher{
		interval: interval,
		refresh:  refresh,
		onError:  onError,
		loggers:  loggers,
		done:     make(chan struct{}),
	}
}

// Start begins refreshing in the background. The first refresh happens one interval from now.
func (br *BackgroundRefresher) Start(ctx context.Context) {
	br.startOnce.Do(func() {
		var runCtx context.Context
		runCtx, br.cancel = context.WithCancel(ctx)
		br.loggers.Infof("Starting background refresh with interval: %+v", br.interval)
		go br.run(runCtx)
	})
}

func (br *BackgroundRefresher) run(ctx context.Context) {
	defer close(br.done)
	ticker := time.NewTicker(br.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := br.refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logConnectionError(br.loggers, refreshErrorContext, err, refreshWillRetryMessage)
				if br.onError != nil {
					br.onError(err)
				}
			}
		}
	}
}

// Close stops the refresher and waits for any refresh in progress to be abandoned.
func (br *BackgroundRefresher) Close() error {
	br.closeOnce.Do(func() {
		started := true
		br.startOnce.Do(func() { started = false })
		if !started {
			close(br.done)
			return
		}
		br.cancel()
		<-br.done
	})
	return nil
}
