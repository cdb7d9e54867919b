package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/feed"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/exp/maps"
)

const (
	// DefaultHeartbeatInterval is the default value for Config.HeartbeatInterval.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultRetryAdvice is the default value for Config.RetryAdvice.
	DefaultRetryAdvice = 3 * time.Second

	// DefaultQueueSize is the default value for Config.QueueSize.
	DefaultQueueSize = 256
)

var (
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broadcaster is closed")

	errQueueFull = errors.New("subscriber queue is full")
)

// Observer is notified of subscriber and delivery activity, normally to update metrics. Its
// methods are called synchronously and must not block.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
	EventBroadcast(changeType ffmodel.ChangeType)
	WriteFailed()
}

type nullObserver struct{}

func (nullObserver) SubscriberAdded()                  {}
func (nullObserver) SubscriberRemoved()                {}
func (nullObserver) EventBroadcast(ffmodel.ChangeType) {}
func (nullObserver) WriteFailed()                      {}

// Config configures a Broadcaster. Zero values select defaults.
type Config struct {
	HeartbeatInterval time.Duration
	RetryAdvice       time.Duration
	// QueueSize is how many frames may wait for one subscriber. A subscriber that falls further
	// behind is dropped.
	QueueSize int
	Observer  Observer
	Loggers   ldlog.Loggers
}

// Broadcaster delivers change events to every subscribed connection.
//
// Version numbers come from a single counter. An event is assigned its version and queued for
// every subscriber under one publish lock, so each subscriber sees events in version order.
// Broadcast never waits for a write: each subscriber has a bounded queue drained by its own
// writer goroutine, which also sends that subscriber's heartbeats, so writes to one connection
// never overlap. A subscriber whose write fails or whose queue overflows is removed without
// affecting the others.
type Broadcaster struct {
	heartbeatInterval time.Duration
	retryAdvice       time.Duration
	queueSize         int
	observer          Observer
	loggers           ldlog.Loggers
	now               func() time.Time

	version     atomic.Int64
	publishLock sync.Mutex

	lock        sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
}

type subscriber struct {
	id       string
	sink     Sink
	queue    chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// Subscription is a registered subscriber connection.
type Subscription struct {
	id   string
	done <-chan struct{}
}

// ID returns the connection id.
func (s Subscription) ID() string { return s.id }

// Done is closed when the subscription ends: because it was unsubscribed, a write to it failed,
// or the Broadcaster was closed.
func (s Subscription) Done() <-chan struct{} { return s.done }

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RetryAdvice <= 0 {
		cfg.RetryAdvice = DefaultRetryAdvice
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Observer == nil {
		cfg.Observer = nullObserver{}
	}
	loggers := cfg.Loggers
	loggers.SetPrefix("Broadcaster:")
	return &Broadcaster{
		heartbeatInterval: cfg.HeartbeatInterval,
		retryAdvice:       cfg.RetryAdvice,
		queueSize:         cfg.QueueSize,
		observer:          cfg.Observer,
		loggers:           loggers,
		now:               time.Now,
		subscribers:       make(map[string]*subscriber),
	}
}

// Subscribe registers a connection. It writes the retry directive and a first heartbeat before
// returning; if either write fails, the connection is unregistered again and the error is
// returned. Events broadcast in the meantime are queued and written after those two frames.
func (b *Broadcaster) Subscribe(sink Sink) (Subscription, error) {
	sub := &subscriber{
		id:    uuid.NewString(),
		sink:  sink,
		queue: make(chan []byte, b.queueSize),
		done:  make(chan struct{}),
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return Subscription{}, ErrClosed
	}
	b.subscribers[sub.id] = sub
	b.lock.Unlock()
	b.observer.SubscriberAdded()

	err := sink.Write(feed.EncodeRetry(b.retryAdvice))
	if err == nil {
		err = sink.Write(feed.EncodeFrame(feed.HeartbeatFrame(b.now())))
	}
	if err != nil {
		b.observer.WriteFailed()
		b.Unsubscribe(sub.id)
		return Subscription{}, err
	}

	if b.loggers.IsDebugEnabled() {
		b.loggers.Debugf("Subscriber %s connected", sub.id)
	}
	go b.runWriter(sub)
	return Subscription{id: sub.id, done: sub.done}, nil
}

// Unsubscribe removes a connection, stops its writer and discards frames still queued for it.
// Unknown or already removed ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.lock.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.lock.Unlock()
	if !ok {
		return
	}
	sub.doneOnce.Do(func() { close(sub.done) })
	b.observer.SubscriberRemoved()
	if b.loggers.IsDebugEnabled() {
		b.loggers.Debugf("Subscriber %s disconnected", id)
	}
}

// Broadcast assigns the event the next version number and queues it for every subscriber. It
// returns the event as sent, without waiting for it to be written.
func (b *Broadcaster) Broadcast(event ffmodel.FlagChangeEvent) ffmodel.FlagChangeEvent {
	b.publishLock.Lock()
	defer b.publishLock.Unlock()

	event.Version = b.version.Add(1)
	frame := feed.EncodeFrame(feed.ChangeFrame(event))
	b.observer.EventBroadcast(event.Type)

	b.lock.RLock()
	subs := maps.Values(b.subscribers)
	b.lock.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- frame:
		default:
			b.observer.WriteFailed()
			b.loggers.Warnf("Dropping subscriber %s at event %d: %s", sub.id, event.Version, errQueueFull)
			b.Unsubscribe(sub.id)
		}
	}
	return event
}

// Version returns the version of the most recent broadcast, or 0 if there has been none.
func (b *Broadcaster) Version() int64 {
	return b.version.Load()
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber. Subsequent calls to Subscribe fail with ErrClosed.
func (b *Broadcaster) Close() {
	b.lock.Lock()
	b.closed = true
	ids := maps.Keys(b.subscribers)
	b.lock.Unlock()
	for _, id := range ids {
		b.Unsubscribe(id)
	}
}

func (b *Broadcaster) write(sub *subscriber, frame []byte) error {
	select {
	case <-sub.done:
		return nil
	default:
	}
	if err := sub.sink.Write(frame); err != nil {
		b.observer.WriteFailed()
		return err
	}
	return nil
}

// runWriter is the only goroutine that writes to sub after Subscribe returns. It writes queued
// frames in order and a heartbeat whenever the interval elapses.
func (b *Broadcaster) runWriter(sub *subscriber) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.queue:
			if err := b.write(sub, frame); err != nil {
				b.loggers.Warnf("Dropping subscriber %s after failed write: %s", sub.id, err)
				b.Unsubscribe(sub.id)
				return
			}
		case <-ticker.C:
			if err := b.write(sub, feed.EncodeFrame(feed.HeartbeatFrame(b.now()))); err != nil {
				b.loggers.Infof("Heartbeat to subscriber %s failed: %s", sub.id, err)
				b.Unsubscribe(sub.id)
				return
			}
		}
	}
}
