package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/colmate/chat-app/loadtest/client"
	"github.com/colmate/chat-app/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	total       int
	duration    time.Duration
	concurrency int
	label       string
}

// rampUp opens cfg.total connections spread over cfg.duration, at most
// cfg.concurrency dialing at once, and waits for each greeting. It returns
// the connected clients and whether ctx was cancelled part way.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.duration / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, cfg.total)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, cfg.concurrency)
	)

	stopProgress := progress(cfg.label, time.Second, func() string {
		return fmt.Sprintf("connections: %d/%d  errors: %d",
			collector.ConnectionCount(), cfg.total, collector.ErrorCount())
	})

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for launched := 0; launched < cfg.total; launched++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, cfg.url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	wg.Wait()
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.total, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	if interrupted {
		fmt.Println("Interrupted during ramp-up.")
	}
	return clients, interrupted
}

// progress prints line() every interval until the returned stop func is
// called.
func progress(label string, interval time.Duration, line func() string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [%s] %s\n", label, line())
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// closeAll closes every client.
func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
