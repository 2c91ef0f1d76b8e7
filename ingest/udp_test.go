package ingest

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func startLoopbackListener(t *testing.T, out chan Datagram) *UDPListener {
	t.Helper()
	l := NewUDPListener("control", "127.0.0.1:0", out)
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func sendUDP(t *testing.T, addr net.Addr, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestUDPListenerForwardsDatagrams(t *testing.T) {
	out := make(chan Datagram, 4)
	l := startLoopbackListener(t, out)
	payload := bytes.Repeat([]byte{0xAB}, 44)
	sendUDP(t, l.Addr(), payload)

	select {
	case d := <-out:
		if d.Source != SourceUDP || d.Name != "control" {
			t.Fatalf("unexpected source: %+v", d)
		}
		if !bytes.Equal(d.Payload, payload) {
			t.Fatalf("payload mismatch: %x", d.Payload)
		}
		if int(d.Port) != l.Addr().(*net.UDPAddr).Port {
			t.Fatalf("expected local port %d, got %d", l.Addr().(*net.UDPAddr).Port, d.Port)
		}
		if d.Remote == "" || d.Received.IsZero() {
			t.Fatalf("expected remote and receive time, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
	h := l.HealthSnapshot()
	if !h.Connected || h.Received != 1 || h.QueueCap != 4 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestUDPListenerDropsWhenQueueFull(t *testing.T) {
	out := make(chan Datagram, 1)
	l := startLoopbackListener(t, out)
	for i := 0; i < 3; i++ {
		sendUDP(t, l.Addr(), []byte{byte(i)})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h := l.HealthSnapshot()
		if h.Received == 3 {
			if h.Dropped != 2 {
				t.Fatalf("expected 2 drops, got %d", h.Dropped)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for datagrams: %+v", l.HealthSnapshot())
}

func TestUDPListenerStopIsIdempotent(t *testing.T) {
	out := make(chan Datagram, 1)
	l := NewUDPListener("status", "127.0.0.1:0", out)
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Stop()
	l.Stop()
	if l.HealthSnapshot().Connected {
		t.Fatalf("expected listener to report disconnected after stop")
	}
}
