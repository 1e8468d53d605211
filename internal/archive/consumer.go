package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/colmate/chat-app/internal/messaging"
	"github.com/colmate/chat-app/internal/metrics"
)

const storeTimeout = 5 * time.Second

// Store is the durable side of the archive.
type Store interface {
	SaveMessage(ctx context.Context, ev MessageEvent) error
	OpenMatch(ctx context.Context, ev RoomEvent) error
	CloseMatch(ctx context.Context, ev RoomEvent) error
}

// Subscriber registers queue-group handlers. messaging.NATSClient
// satisfies it.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error
}

// Consumer applies archive events to a Store.
type Consumer struct {
	store Store
}

// NewConsumer creates a consumer writing to store.
func NewConsumer(store Store) *Consumer {
	return &Consumer{store: store}
}

// Start subscribes to every archive subject in the archivers queue group.
func (c *Consumer) Start(sub Subscriber) error {
	handlers := map[string]func(context.Context, []byte) error{
		messaging.SubjectChatArchive: c.HandleMessage,
		messaging.SubjectRoomOpened:  c.HandleRoomOpened,
		messaging.SubjectRoomClosed:  c.HandleRoomClosed,
	}
	for subject, handle := range handlers {
		subject, handle := subject, handle
		err := sub.QueueSubscribe(subject, messaging.QueueArchivers, func(msg *nats.Msg) {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := handle(ctx, msg.Data); err != nil {
				log.Printf("[archive] %s: %v", subject, err)
			}
		})
		if err != nil {
			return fmt.Errorf("archive: subscribe %s: %w", subject, err)
		}
	}
	log.Printf("[archive] consuming %s, %s, %s", messaging.SubjectChatArchive,
		messaging.SubjectRoomOpened, messaging.SubjectRoomClosed)
	return nil
}

// HandleMessage stores one archived message.
func (c *Consumer) HandleMessage(ctx context.Context, data []byte) error {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.ArchiveFailures.WithLabelValues("decode").Inc()
		return fmt.Errorf("archive: decode message: %w", err)
	}
	if ev.ID == "" || ev.MatchID == "" {
		metrics.ArchiveFailures.WithLabelValues("decode").Inc()
		return fmt.Errorf("archive: message missing id or match id")
	}
	if err := c.store.SaveMessage(ctx, ev); err != nil {
		metrics.ArchiveFailures.WithLabelValues("store").Inc()
		return fmt.Errorf("archive: save message %s: %w", ev.ID, err)
	}
	return nil
}

// HandleRoomOpened records a new match.
func (c *Consumer) HandleRoomOpened(ctx context.Context, data []byte) error {
	ev, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if err := c.store.OpenMatch(ctx, ev); err != nil {
		metrics.ArchiveFailures.WithLabelValues("store").Inc()
		return fmt.Errorf("archive: open match %s: %w", ev.MatchID, err)
	}
	return nil
}

// HandleRoomClosed marks a match as ended.
func (c *Consumer) HandleRoomClosed(ctx context.Context, data []byte) error {
	ev, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if ev.ClosedAt == nil {
		metrics.ArchiveFailures.WithLabelValues("decode").Inc()
		return fmt.Errorf("archive: close event for %s has no closed_at", ev.MatchID)
	}
	if err := c.store.CloseMatch(ctx, ev); err != nil {
		metrics.ArchiveFailures.WithLabelValues("store").Inc()
		return fmt.Errorf("archive: close match %s: %w", ev.MatchID, err)
	}
	return nil
}

func decodeRoom(data []byte) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.ArchiveFailures.WithLabelValues("decode").Inc()
		return ev, fmt.Errorf("archive: decode room event: %w", err)
	}
	if ev.MatchID == "" || len(ev.Members) != 2 {
		metrics.ArchiveFailures.WithLabelValues("decode").Inc()
		return ev, fmt.Errorf("archive: room event missing match id or members")
	}
	return ev, nil
}
