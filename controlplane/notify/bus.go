// Package notify implements the Notification Bus (C4): topic-tagged
// publication with recipient filtering, a bounded shared work queue, bounded
// history, and optional append-only JSONL export.
package notify

import (
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/observability"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// Subscriber receives notifications delivered to a single client connection.
// Delivery is synchronous on the bus's single publisher goroutine, which
// serves every client.
type Subscriber func(n *protocol.Notification)

type subscriberEntry struct {
	id       uint64
	clientID string
	handler  Subscriber
}

// Bus is the Notification Bus. It owns a bounded work queue drained by one
// publisher goroutine (the server's single publishing thread per §5), a
// bounded per-topic history, and an optional exporter.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriberEntry
	nextSubID   uint64

	history *history

	lossyTopics map[string]bool
	queue       chan *protocol.Notification
	done        chan struct{}
	wg          sync.WaitGroup

	exporter *exporter
	logger   logging.Logger
}

// Config configures a new Bus.
type Config struct {
	QueueSize     int
	HistoryLength int
	LossyTopics   []string
	Exporter      *exporter
	Logger        logging.Logger
}

// New builds and starts a Bus. Callers must call Stop to join the publisher
// goroutine during shutdown.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNoop()
	}

	lossy := make(map[string]bool, len(cfg.LossyTopics))
	for _, t := range cfg.LossyTopics {
		lossy[t] = true
	}

	b := &Bus{
		history:     newHistory(cfg.HistoryLength),
		lossyTopics: lossy,
		queue:       make(chan *protocol.Notification, cfg.QueueSize),
		done:        make(chan struct{}),
		exporter:    cfg.Exporter,
		logger:      cfg.Logger,
	}
	b.wg.Add(1)
	go b.runPublisher()
	return b
}

// Subscribe registers a per-client notification handler. The returned
// function unsubscribes; it is idempotent.
func (b *Bus) Subscribe(clientID string, handler Subscriber) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers = append(b.subscribers, subscriberEntry{id: id, clientID: clientID, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.subscribers {
			if e.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Notify enqueues a notification exactly as given (topic, recipients, and
// payload are the caller's responsibility). It never blocks indefinitely for
// topics marked lossy: the oldest queued notification for that topic is
// dropped instead. Non-lossy topics block the calling goroutine until the
// queue has room — this is the documented backpressure policy (§4.4): an
// unbounded queue is unacceptable, and critical topics like
// ASYNC_QUERY_RESOLVE and EVENTS must never be silently dropped.
func (b *Bus) Notify(n *protocol.Notification) {
	b.mu.RLock()
	lossy := b.lossyTopics[n.Topic]
	b.mu.RUnlock()

	if !lossy {
		select {
		case b.queue <- n:
		case <-b.done:
		}
		return
	}

	select {
	case b.queue <- n:
	default:
		select {
		case dropped := <-b.queue:
			b.logger.Warn("dropping_oldest_notification", "topic", dropped.Topic)
		default:
		}
		select {
		case b.queue <- n:
		default:
			b.logger.Warn("dropping_notification_queue_full", "topic", n.Topic)
		}
	}
}

// Broadcast publishes n to every connected client.
func (b *Bus) Broadcast(topic string, payload map[string]any) {
	b.Notify(&protocol.Notification{Topic: topic, Payload: payload})
}

// Multicast publishes n to the given recipients only.
func (b *Bus) Multicast(topic string, payload map[string]any, recipients []string) {
	b.Notify(&protocol.Notification{Topic: topic, Payload: payload, Recipients: recipients})
}

// Unicast publishes n to a single recipient.
func (b *Bus) Unicast(topic string, payload map[string]any, recipient string) {
	b.Multicast(topic, payload, []string{recipient})
}

// History returns up to the last N notifications published on topic, in
// publication order. The returned slice is a copy; callers may mutate it
// freely.
func (b *Bus) History(topic string) []*protocol.Notification {
	return b.history.snapshot(topic)
}

// Stop signals the publisher to exit and waits for it to finish; the
// publisher first delivers every notification already queued. Safe to call
// once.
func (b *Bus) Stop() {
	close(b.done)
	b.wg.Wait()
	if b.exporter != nil {
		b.exporter.close()
	}
}

func (b *Bus) runPublisher() {
	defer b.wg.Done()
	for {
		select {
		case n := <-b.queue:
			b.deliver(n)
		case <-b.done:
			// Drain remaining queued notifications before exiting so a
			// REQUEST_SHUTDOWN's own response notification is not lost.
			for {
				select {
				case n := <-b.queue:
					b.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(n *protocol.Notification) {
	if n.TS.IsZero() {
		n.TS = time.Now()
	}
	b.history.record(n)
	observability.RecordNotification(n.Topic)

	b.mu.RLock()
	subs := make([]subscriberEntry, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if n.TargetsClient(s.clientID) {
			s.handler(n)
		}
	}

	if b.exporter != nil {
		b.exporter.maybeExport(n)
	}
}
