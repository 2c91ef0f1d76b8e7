package ingest

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/szsz/endless-pools-controller/internal/ratelimit"
)

// maxDatagramSize comfortably exceeds both telemetry layouts so oversized
// packets are read whole and rejected by length downstream.
const maxDatagramSize = 2048

// UDPListener receives datagrams on one UDP port.
type UDPListener struct {
	counters
	name     string
	addr     string
	out      chan<- Datagram
	conn     *net.UDPConn
	port     uint16
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	readErrs ratelimit.Counter
}

// NewUDPListener creates a listener for addr ("host:port", host optional).
func NewUDPListener(name, addr string, out chan<- Datagram) *UDPListener {
	return &UDPListener{
		name:     name,
		addr:     addr,
		out:      out,
		shutdown: make(chan struct{}),
	}
}

// Start binds the socket and begins reading in the background.
func (l *UDPListener) Start() error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("ingest: udp %s: resolve %q: %w", l.name, l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("ingest: udp %s: listen %q: %w", l.name, l.addr, err)
	}
	l.conn = conn
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		l.port = uint16(local.Port)
	}
	l.connected.Store(true)
	log.Printf("UDP %s: listening on %s", l.name, conn.LocalAddr())
	l.wg.Add(1)
	go l.readLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()
	defer l.connected.Store(false)
	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if l.isShutdown() || errors.Is(err, net.ErrClosed) {
				return
			}
			if total, ok := l.readErrs.Inc(); ok {
				log.Printf("UDP %s: read error: %v (total=%d)", l.name, err, total)
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d := Datagram{
			Source:   SourceUDP,
			Name:     l.name,
			Port:     l.port,
			Payload:  payload,
			Received: time.Now().UTC(),
		}
		if remote != nil {
			d.Remote = remote.String()
		}
		l.emit(l.out, d)
	}
}

// HealthSnapshot reports the listener state.
func (l *UDPListener) HealthSnapshot() Health {
	return l.health(l.out)
}

// Stop closes the socket and waits for the reader to exit.
func (l *UDPListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.shutdown)
		if l.conn != nil {
			_ = l.conn.Close()
		}
	})
	l.wg.Wait()
}

func (l *UDPListener) isShutdown() bool {
	select {
	case <-l.shutdown:
		return true
	default:
		return false
	}
}
