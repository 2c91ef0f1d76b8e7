package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSSEEvent is the event name the controller uses for packets.
	DefaultSSEEvent = "network"

	sseMaxLine = 64 * 1024
)

// SSEOptions tunes the event stream client.
type SSEOptions struct {
	// Event selects which event type carries packets; empty uses "network".
	Event string
	// InitialDelay and MaxDelay bound the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Client overrides the HTTP client (tests). It must not set a total
	// timeout since the stream is long-lived.
	Client *http.Client
}

// SSEClient follows the controller's server-sent event stream and forwards
// every packet event as a datagram.
type SSEClient struct {
	counters
	name     string
	url      string
	out      chan<- Datagram
	opts     SSEOptions
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSSEClient builds a client for url (e.g. http://pool.local/events).
func NewSSEClient(name, url string, out chan<- Datagram, opts SSEOptions) *SSEClient {
	if opts.Event == "" {
		opts.Event = DefaultSSEEvent
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 60 * time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &SSEClient{name: name, url: url, out: out, opts: opts}
}

// Start runs the stream supervisor until ctx is cancelled or Stop is called.
func (c *SSEClient) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.supervise(ctx)
}

// supervise reconnects with exponential backoff; a stream that delivered at
// least one event resets the delay.
func (c *SSEClient) supervise(ctx context.Context) {
	defer c.wg.Done()
	delay := c.opts.InitialDelay
	for {
		delivered, err := c.stream(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			delay = c.opts.InitialDelay
		}
		log.Printf("SSE %s: stream ended: %v (retry in %s)", c.name, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		delay *= 2
		if delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
		}
	}
}

// stream consumes one connection. It reports whether any event was
// dispatched so the caller can reset its backoff.
func (c *SSEClient) stream(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("ingest: sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ingest: sse connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ingest: sse status %s", resp.Status)
	}
	c.connected.Store(true)
	log.Printf("SSE %s: connected to %s", c.name, c.url)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), sseMaxLine)
	delivered := false
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 && c.dispatch(event, data.String()) {
				delivered = true
			}
			event = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("ingest: sse read: %w", err)
	}
	return delivered, errors.New("ingest: sse stream closed by server")
}

func (c *SSEClient) dispatch(event, data string) bool {
	if event == "" {
		event = "message"
	}
	if event != c.opts.Event {
		return false
	}
	now := time.Now().UTC()
	raw, err := DecodeEnvelope([]byte(data))
	if err != nil {
		if c.parseError(now) {
			log.Printf("SSE %s: %v (parse errors=%d)", c.name, err, c.parseErrors.Load())
		}
		return false
	}
	c.emit(c.out, Datagram{
		Source:   SourceSSE,
		Name:     c.name,
		Remote:   c.url,
		Payload:  raw,
		Received: now,
	})
	return true
}

// HealthSnapshot reports the stream state.
func (c *SSEClient) HealthSnapshot() Health {
	return c.health(c.out)
}

// Stop cancels the stream and waits for the supervisor to exit.
func (c *SSEClient) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
	})
	c.wg.Wait()
}
