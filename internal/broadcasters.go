package internal

import (
	"sync"
)

// This file defines the publish-subscribe model the client uses for flag change events and
// connection state changes.
//
// AddListener returns a new receive-only channel; RemoveListener unsubscribes that channel and
// closes it; Broadcast sends a value to every subscribed channel; and Close unsubscribes and
// closes all of them.
//
// Delivery never blocks the broadcaster. Each listener has a buffer, and a listener whose buffer
// is full misses the value. Broadcast is called from the stream consumer, which must not stall
// because an application stopped reading a channel.

// DefaultListenerBufferLength is the buffer size used by NewBroadcaster.
const DefaultListenerBufferLength = 100

// Broadcaster is a generic fan-out of values to channel listeners.
type Broadcaster[V any] struct {
	subscribers  []channelPair[V]
	bufferLength int
	dropped      uint64
	closed       bool
	lock         sync.Mutex
}

// We keep both ends of each channel: the send end to deliver and close, and the receive end
// because that is what RemoveListener is given, and the two have different types.
type channelPair[V any] struct {
	sendCh    chan<- V
	receiveCh <-chan V
}

// NewBroadcaster creates a Broadcaster with the default listener buffer size.
func NewBroadcaster[V any]() *Broadcaster[V] {
	return NewBroadcasterWithBuffer[V](DefaultListenerBufferLength)
}

// NewBroadcasterWithBuffer creates a Broadcaster whose listener channels have the given buffer size.
func NewBroadcasterWithBuffer[V any](bufferLength int) *Broadcaster[V] {
	if bufferLength < 1 {
		bufferLength = 1
	}
	return &Broadcaster[V]{bufferLength: bufferLength}
}

// AddListener adds a subscriber and returns a channel for it to receive values. If the Broadcaster
// has already been closed, the returned channel is closed.
func (b *Broadcaster[V]) AddListener() <-chan V {
	ch := make(chan V, b.bufferLength)
	var receiveCh <-chan V = ch
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		close(ch)
		return receiveCh
	}
	b.subscribers = append(b.subscribers, channelPair[V]{sendCh: ch, receiveCh: receiveCh})
	return receiveCh
}

// RemoveListener removes a subscriber. The parameter is the same channel that was returned by
// AddListener. Unknown channels are ignored.
func (b *Broadcaster[V]) RemoveListener(ch <-chan V) {
	b.lock.Lock()
	defer b.lock.Unlock()
	ss := b.subscribers
	for i, s := range ss {
		if s.receiveCh == ch {
			copy(ss[i:], ss[i+1:])
			ss[len(ss)-1] = channelPair[V]{}
			b.subscribers = ss[:len(ss)-1]
			close(s.sendCh)
			break
		}
	}
}

// HasListeners returns true if there are any current subscribers.
func (b *Broadcaster[V]) HasListeners() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subscribers) > 0
}

// Broadcast sends a value to all current subscribers whose buffers have room.
func (b *Broadcaster[V]) Broadcast(value V) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, s := range b.subscribers {
		select {
		case s.sendCh <- value:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a listener's buffer was full.
func (b *Broadcaster[V]) Dropped() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.dropped
}

// Close closes all current subscriber channels. Listeners added afterward receive a closed channel.
func (b *Broadcaster[V]) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, s := range b.subscribers {
		close(s.sendCh)
	}
	b.subscribers = nil
	b.closed = true
}
