package archive

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/colmate/chat-app/internal/chat"
	"github.com/colmate/chat-app/internal/messaging"
	"github.com/colmate/chat-app/internal/metrics"
	"github.com/colmate/chat-app/internal/room"
)

// Bus publishes raw payloads to a subject. messaging.NATSClient satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
}

type outbound struct {
	subject string
	payload interface{}
}

// Publisher queues archive events and publishes them from its own
// goroutine. Enqueueing never blocks: when the buffer is full the event is
// dropped and counted. It implements chat.Archiver and gateway.RoomEvents.
type Publisher struct {
	bus     Bus
	queue   chan outbound
	now     func() time.Time
	stopped chan struct{}
}

// NewPublisher creates a publisher with room for buffer pending events.
func NewPublisher(bus Bus, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 1
	}
	return &Publisher{
		bus:     bus,
		queue:   make(chan outbound, buffer),
		now:     time.Now,
		stopped: make(chan struct{}),
	}
}

// Archive queues a delivered message.
func (p *Publisher) Archive(msg *chat.Message) {
	p.enqueue(messaging.SubjectChatArchive, messageEvent(msg))
}

// RoomOpened queues the open record for a new room.
func (p *Publisher) RoomOpened(r *room.Room) {
	p.enqueue(messaging.SubjectRoomOpened, roomEvent(r))
}

// RoomClosed queues the close record for an ended room.
func (p *Publisher) RoomClosed(r *room.Room, reason string) {
	ev := roomEvent(r)
	closedAt := p.now()
	ev.ClosedAt = &closedAt
	ev.Reason = reason
	p.enqueue(messaging.SubjectRoomClosed, ev)
}

func (p *Publisher) enqueue(subject string, payload interface{}) {
	select {
	case p.queue <- outbound{subject: subject, payload: payload}:
	default:
		metrics.ArchiveDropped.Inc()
		log.Printf("[archive] buffer full, dropping %s event", subject)
	}
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// already buffered and returns.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.stopped)
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (p *Publisher) Done() <-chan struct{} {
	return p.stopped
}

func (p *Publisher) publish(ev outbound) {
	data, err := json.Marshal(ev.payload)
	if err != nil {
		metrics.ArchiveFailures.WithLabelValues("publish").Inc()
		log.Printf("[archive] encode %s event failed: %v", ev.subject, err)
		return
	}
	if err := p.bus.Publish(ev.subject, data); err != nil {
		metrics.ArchiveFailures.WithLabelValues("publish").Inc()
		log.Printf("[archive] publish %s failed: %v", ev.subject, err)
	}
}
