package messaging

import (
	"context"
	"log"
	"sync"
	"time"
)

// Publisher is the subset of Client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Notifier is a bounded, best-effort outbound notification queue. The core's
// correctness never depends on delivery: a full queue drops the notification
// and a publish error is logged, never returned to the caller.
type Notifier struct {
	pub   Publisher
	queue chan UserNotification

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	dropped uint64
}

// NewNotifier creates a notifier with the given queue capacity and starts
// its delivery loop.
func NewNotifier(pub Publisher, capacity int) *Notifier {
	if capacity <= 0 {
		capacity = 1024
	}
	n := &Notifier{
		pub:    pub,
		queue:  make(chan UserNotification, capacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues a notification. Never blocks; drops when the queue is full.
func (n *Notifier) Notify(userID, eventKind string, payload interface{}) {
	note := UserNotification{
		UserID:    userID,
		EventKind: eventKind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	select {
	case n.queue <- note:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
	}
}

// Dropped returns the number of notifications discarded due to backpressure.
func (n *Notifier) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Stop stops the delivery loop after draining queued notifications.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

func (n *Notifier) run() {
	defer close(n.doneCh)
	for {
		select {
		case note := <-n.queue:
			n.deliver(note)
		case <-n.stopCh:
			for {
				select {
				case note := <-n.queue:
					n.deliver(note)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(note UserNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.pub.Publish(ctx, EventTypeNotify, note); err != nil {
		log.Printf("notifier: dropped notification for %s: %v", note.UserID, err)
	}
}
