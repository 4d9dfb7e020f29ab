package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bootmaker/internal/logging"
	"bootmaker/internal/protocol"
)

const (
	// SubscriberSendTimeout is how long the relay waits for a subscriber to accept a
	// message before dropping it.
	SubscriberSendTimeout = 500 * time.Millisecond

	subscriberBuffer = 64
)

// Subscriber is the receiving end of the event stream. Messages is closed when the
// subscriber is superseded, dropped, unsubscribed or the relay closes.
type Subscriber struct {
	id       string
	messages chan protocol.Envelope
	once     sync.Once
}

// ID returns the subscriber id announced in its hello record.
func (s *Subscriber) ID() string {
	return s.id
}

// Messages returns the channel envelopes arrive on.
func (s *Subscriber) Messages() <-chan protocol.Envelope {
	return s.messages
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.messages)
	})
}

type relayItem struct {
	envelope protocol.Envelope
	attach   *Subscriber
	detach   *Subscriber
}

// Relay serialises everything the endpoint pushes. Publishers append to an unbounded
// FIFO and a single goroutine assigns sequence numbers and forwards to the one current
// subscriber, so publishing never blocks on a slow client.
type Relay struct {
	version     string
	heartbeat   time.Duration
	sendTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	pending []relayItem
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	// Owned by the run goroutine.
	seq     uint64
	current *Subscriber
}

// NewRelay starts a relay. version and the heartbeat interval are reported in every
// hello record.
func NewRelay(version string, heartbeat time.Duration) *Relay {
	return newRelay(version, heartbeat, SubscriberSendTimeout)
}

func newRelay(version string, heartbeat, sendTimeout time.Duration) *Relay {
	r := &Relay{
		version:     version,
		heartbeat:   heartbeat,
		sendTimeout: sendTimeout,
		logger:      logging.Component("relay"),
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Subscribe attaches a new subscriber, superseding the current one. Its first message
// is a hello record.
func (r *Relay) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:       uuid.NewString(),
		messages: make(chan protocol.Envelope, subscriberBuffer),
	}
	if !r.enqueue(relayItem{attach: sub}) {
		sub.close()
	}
	return sub
}

// Unsubscribe detaches sub if it is still current.
func (r *Relay) Unsubscribe(sub *Subscriber) {
	r.enqueue(relayItem{detach: sub})
}

// PublishProgress queues a progress event.
func (r *Relay) PublishProgress(ev protocol.ProgressEvent) {
	r.enqueue(relayItem{envelope: protocol.Envelope{Type: protocol.EventProgress, Progress: &ev}})
}

// PublishResult queues a terminal result.
func (r *Relay) PublishResult(result protocol.Result) {
	r.enqueue(relayItem{envelope: protocol.Envelope{Type: protocol.EventResult, Result: &result}})
}

// Heartbeat queues a heartbeat record.
func (r *Relay) Heartbeat() {
	r.enqueue(relayItem{envelope: protocol.Envelope{Type: protocol.EventHeartbeat}})
}

// Close delivers everything already queued, closes the current subscriber and stops the
// relay. Later publishes are discarded.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.stopped
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.signal()
	<-r.stopped
}

func (r *Relay) enqueue(item relayItem) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending, item)
	r.mu.Unlock()

	r.signal()
	return true
}

func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) run() {
	defer close(r.stopped)

	for range r.wake {
		for {
			r.mu.Lock()
			items := r.pending
			r.pending = nil
			closed := r.closed
			r.mu.Unlock()

			if len(items) == 0 {
				if closed {
					if r.current != nil {
						r.current.close()
						r.current = nil
					}
					return
				}
				break
			}
			for _, item := range items {
				r.dispatch(item)
			}
		}
	}
}

func (r *Relay) dispatch(item relayItem) {
	switch {
	case item.attach != nil:
		if r.current != nil {
			r.logger.Info().Str("subscriber", r.current.id).Msg("Subscriber superseded")
			r.current.close()
		}
		r.current = item.attach
		r.logger.Info().Str("subscriber", item.attach.id).Msg("Subscriber attached")
		r.send(protocol.Envelope{
			Type:  protocol.EventHello,
			Hello: &protocol.Hello{
				SubscriberID:        item.attach.id,
				Version:             r.version,
				HeartbeatIntervalMS: r.heartbeat.Milliseconds(),
			},
		})

	case item.detach != nil:
		if r.current == item.detach {
			r.current = nil
			r.logger.Info().Str("subscriber", item.detach.id).Msg("Subscriber detached")
		}
		item.detach.close()

	default:
		r.send(item.envelope)
	}
}

func (r *Relay) send(env protocol.Envelope) {
	r.seq++
	env.Seq = r.seq

	sub := r.current
	if sub == nil {
		if env.Type == protocol.EventResult {
			r.logger.Warn().Str("workflow_id", env.WorkflowID()).Msg("Result dropped, no subscriber")
		}
		return
	}

	select {
	case sub.messages <- env:
		return
	default:
	}

	timer := time.NewTimer(r.sendTimeout)
	defer timer.Stop()
	select {
	case sub.messages <- env:
	case <-timer.C:
		r.logger.Warn().Str("subscriber", sub.id).Uint64("seq", env.Seq).Msg("Subscriber too slow, dropping")
		sub.close()
		r.current = nil
	}
}
