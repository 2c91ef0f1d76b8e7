package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSSEClientForwardsNetworkEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected accept header %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "event: status\ndata: {\"speed\":10}\n\n")
		fmt.Fprint(w, "event: network\ndata: {\"packet\":\"0A24\"}\n\n")
		fmt.Fprint(w, "event: network\ndata: {\"packet\":\"nothex\"}\n\n")
		fmt.Fprint(w, "event: network\ndata: {\"packet\":\"ff00\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	out := make(chan Datagram, 4)
	c := NewSSEClient("web", srv.URL, out, SSEOptions{InitialDelay: 10 * time.Millisecond})
	c.Start(context.Background())
	defer c.Stop()

	want := [][]byte{{0x0A, 0x24}, {0xFF, 0x00}}
	for i, w := range want {
		select {
		case d := <-out:
			if d.Source != SourceSSE || !bytes.Equal(d.Payload, w) {
				t.Fatalf("datagram %d: unexpected %+v", i, d)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for datagram %d", i)
		}
	}
	h := c.HealthSnapshot()
	if !h.Connected || h.ParseErrors != 1 || h.Received != 2 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestSSEClientReconnects(t *testing.T) {
	hits := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		fmt.Fprint(w, "event: network\ndata: {\"packet\":\"01\"}\n\n")
	}))
	defer srv.Close()

	out := make(chan Datagram, 8)
	c := NewSSEClient("web", srv.URL, out, SSEOptions{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	c.Start(context.Background())
	defer c.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for connection %d", i)
		}
	}
}

func TestSSEClientStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewSSEClient("web", srv.URL, make(chan Datagram, 1), SSEOptions{InitialDelay: time.Hour})
	c.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not stop after cancel")
	}
}
