package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/colmate/chat-app/loadtest/client"
	"github.com/colmate/chat-app/loadtest/stats"
)

// chatter is one simulated user's view of its room.
type chatter struct {
	c        *client.Client
	joinedAt time.Time

	mu     sync.Mutex
	roomID string
	peerID string

	matched  chan struct{}
	peerLeft chan struct{}
	leftOnce sync.Once
}

func (u *chatter) room() (string, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.roomID, u.peerID
}

// runChat drives the full lifecycle: connect, join_queue, matched, timed
// message exchange, leave_room. It reports match wait and peer-to-peer
// message latency.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Message content size in bytes (max 2000)")
	interests := fs.String("interests", "go,music,hiking,chess,films", "Comma-separated interest pool; each user picks up to three")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matched")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	if *msgSize > 2000 {
		*msgSize = 2000
	}
	pool := splitInterests(*interests)
	total := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *ramp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       total,
		duration:    *ramp,
		concurrency: *concurrency,
		label:       "connect",
	}, collector)
	defer func() {
		closeAll(clients)
		scraper.Stop()
		collector.Report()
	}()
	if interrupted {
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: join the queue and wait for matched
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Matching ---")
	var matchedCount atomic.Int64
	users := make([]*chatter, 0, len(clients))
	for _, c := range clients {
		u := &chatter{c: c, matched: make(chan struct{}), peerLeft: make(chan struct{})}
		users = append(users, u)
		watch(u, collector, &matchedCount)

		u.joinedAt = time.Now()
		if err := c.JoinQueue(client.Profile{Interests: pick(pool)}); err != nil {
			collector.AddError()
		}
	}

	stopProgress := progress("match", 2*time.Second, func() string {
		return fmt.Sprintf("matched: %d/%d  errors: %d", matchedCount.Load(), len(users), collector.ErrorCount())
	})
	matched := awaitAll(ctx, users, *matchTimeout, func(u *chatter) <-chan struct{} { return u.matched })
	stopProgress()
	fmt.Printf("\nMatched %d/%d clients\n", len(matched), len(users))
	for range len(users) - len(matched) {
		collector.AddError()
	}
	if ctx.Err() != nil {
		return
	}

	// -----------------------------------------------------------------------
	// Phase 3: exchange messages
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Chatting ---")
	var sent atomic.Int64
	chatCtx, cancelChat := context.WithTimeout(ctx, *chatDuration)
	var wg sync.WaitGroup
	for _, u := range matched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roomID, _ := u.room()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					if err := u.c.SendMessage(roomID, stampedContent(*msgSize)); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	cancelChat()
	fmt.Printf("Sent %d messages\n", sent.Load())

	// -----------------------------------------------------------------------
	// Phase 4: leave rooms
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 4: Leaving ---")
	var leavers []*chatter
	for _, u := range matched {
		roomID, peerID := u.room()
		// One side of each room leaves; the other must see peer_left.
		if u.c.ConnectionID() < peerID {
			if err := u.c.LeaveRoom(roomID); err != nil {
				collector.AddError()
			}
		} else {
			leavers = append(leavers, u)
		}
	}
	notified := awaitAll(ctx, leavers, 10*time.Second, func(u *chatter) <-chan struct{} { return u.peerLeft })
	fmt.Printf("peer_left received by %d/%d survivors\n", len(notified), len(leavers))
	for range len(leavers) - len(notified) {
		collector.AddError()
	}

	for _, c := range clients {
		collector.AddRateLimited(c.GetMetrics().RateLimited)
	}
}

// watch registers the frame handlers that drive one chatter.
func watch(u *chatter, collector *stats.Collector, matchedCount *atomic.Int64) {
	u.c.On(client.TypeMatched, func(raw json.RawMessage) {
		var m client.Matched
		if err := json.Unmarshal(raw, &m); err != nil || m.RoomID == "" {
			collector.AddError()
			return
		}
		u.mu.Lock()
		u.roomID, u.peerID = m.RoomID, m.PeerID
		u.mu.Unlock()

		collector.Add(stats.SeriesMatch, time.Since(u.joinedAt))
		matchedCount.Add(1)
		close(u.matched)
	})

	u.c.On(client.TypeMessageReceived, func(raw json.RawMessage) {
		var m client.Received
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		// Senders get their own message back; only time the peer's.
		if m.Sender == u.c.ConnectionID() {
			return
		}
		if sentAt, ok := parseStamp(m.Content); ok {
			collector.Add(stats.SeriesMessage, time.Since(sentAt))
		}
	})

	u.c.On(client.TypePeerLeft, func(json.RawMessage) {
		u.leftOnce.Do(func() { close(u.peerLeft) })
	})
}

// awaitAll waits up to timeout for ch(u) to close on every user and
// returns the users that made it, in order.
func awaitAll(ctx context.Context, users []*chatter, timeout time.Duration, ch func(*chatter) <-chan struct{}) []*chatter {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	expired := false
	var ok []*chatter
	for _, u := range users {
		if !expired {
			select {
			case <-ch(u):
				ok = append(ok, u)
				continue
			case <-deadline.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case <-ch(u):
			ok = append(ok, u)
		default:
		}
	}
	return ok
}

// stampedContent builds a message whose prefix is the send time.
func stampedContent(size int) string {
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10) + "|"
	if pad := size - len(stamp); pad > 0 {
		return stamp + strings.Repeat("x", pad)
	}
	return stamp
}

func parseStamp(content string) (time.Time, bool) {
	head, _, found := strings.Cut(content, "|")
	if !found {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func splitInterests(s string) []string {
	var out []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// pick returns up to three distinct interests from pool.
func pick(pool []string) []string {
	if len(pool) == 0 {
		return []string{}
	}
	n := 1 + rand.IntN(min(3, len(pool)))
	out := make([]string, 0, n)
	for _, i := range rand.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}
