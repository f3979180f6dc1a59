package ble

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// notificationBuffer is how many notifications may wait for the handler
// before new ones are dropped.
const notificationBuffer = 64

// Notification is one value pushed by the peer.
type Notification struct {
	UUID string
	Data []byte
	At   time.Time
}

// Subscription delivers notifications from one characteristic to a
// handler. The stack callback only enqueues; the handler runs on the
// subscription's own goroutine so it may call back into the Session.
type Subscription struct {
	session *Session
	char    RemoteCharacteristic
	uuid    string
	handler func(Notification)

	ch       chan Notification
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	dropped  atomic.Uint64
}

func newSubscription(s *Session, c RemoteCharacteristic, handler func(Notification)) *Subscription {
	return &Subscription{
		session:  s,
		char:     c,
		uuid:     c.UUID(),
		handler:  handler,
		ch:       make(chan Notification, notificationBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// UUID returns the characteristic this subscription listens to.
func (sub *Subscription) UUID() string { return sub.uuid }

// Dropped returns how many notifications were discarded because the
// handler fell behind.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

// Done is closed once the subscription has stopped delivering.
func (sub *Subscription) Done() <-chan struct{} { return sub.finished }

// Close unsubscribes from the characteristic.
func (sub *Subscription) Close() error {
	return sub.session.Unsubscribe(sub.uuid)
}

// deliver is registered with the stack and must never block.
func (sub *Subscription) deliver(data []byte) {
	select {
	case <-sub.done:
		return
	default:
	}
	n := Notification{
		UUID: sub.uuid,
		Data: append([]byte(nil), data...),
		At:   time.Now(),
	}
	select {
	case sub.ch <- n:
	default:
		if sub.dropped.Add(1) == 1 {
			slog.Warn("[BLE] notification queue full, dropping", "uuid", sub.uuid)
		}
	}
}

func (sub *Subscription) run() {
	defer close(sub.finished)
	for {
		select {
		case <-sub.done:
			return
		case n := <-sub.ch:
			if sub.handler != nil {
				sub.handler(n)
			}
		}
	}
}

func (sub *Subscription) stop() {
	sub.once.Do(func() { close(sub.done) })
}
