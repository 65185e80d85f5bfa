// Command sse_load opens many subscribers on the wallet dashboard's
// transaction stream and reports how many events of each kind arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	pings       atomic.Int64

	mu     sync.Mutex
	events map[string]int64
}

func (c *counters) event(name string) {
	c.mu.Lock()
	c.events[name]++
	c.mu.Unlock()
}

func (c *counters) fields() []zap.Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []zap.Field{
		zap.Int64("connected", c.connected.Load()),
		zap.Int64("connect_errs", c.connectErrs.Load()),
		zap.Int64("stream_errs", c.streamErrs.Load()),
		zap.Int64("pings", c.pings.Load()),
	}
	for name, n := range c.events {
		out = append(out, zap.Int64("event_"+name, n))
	}
	return out
}

func main() {
	var (
		targetURL   string
		connections int
		duration    time.Duration
		rampUp      time.Duration
		lastEventID string
	)
	flag.StringVar(&targetURL, "url", "http://127.0.0.1:8090/transactions/stream", "dashboard stream URL")
	flag.IntVar(&connections, "conns", 200, "number of concurrent subscribers")
	flag.DurationVar(&duration, "dur", 60*time.Second, "test duration (0 runs until interrupted)")
	flag.DurationVar(&rampUp, "ramp", time.Second, "spread subscriber starts across this window")
	flag.StringVar(&lastEventID, "last-event-id", "", "resume subscribers after this change index")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client := &http.Client{Transport: &http.Transport{
		MaxConnsPerHost:     connections + 10,
		MaxIdleConnsPerHost: connections + 10,
		DisableCompression:  true,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
	}}

	c := &counters{events: make(map[string]int64)}
	start := time.Now()
	logger.Info("starting stream load", zap.String("url", targetURL), zap.Int("conns", connections), zap.Duration("dur", duration))

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("status", append(c.fields(), zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))...)
			}
		}
	}()

	interval := rampUp / time.Duration(connections)
	g := new(errgroup.Group)
	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
		g.Go(func() error {
			subscribe(ctx, client, targetURL, lastEventID, c)
			return nil
		})
	}
	_ = g.Wait()

	fmt.Println("done")
	logger.Info("finished", append(c.fields(), zap.Duration("elapsed", time.Since(start)))...)
}

// subscribe reads one stream until ctx ends, counting frames by event name.
func subscribe(ctx context.Context, client *http.Client, url, lastEventID string, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.connectErrs.Add(1)
		return
	}
	c.connected.Add(1)

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			c.pings.Add(1)
		case strings.HasPrefix(line, "event: "):
			c.event(strings.TrimPrefix(line, "event: "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		c.streamErrs.Add(1)
	}
}
