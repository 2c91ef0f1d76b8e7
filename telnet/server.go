// Package telnet serves the live packet log to terminal clients.
//
// Each session gets a greeting, a command prompt (HELP, SHOW/LOG, SHOW/STATS,
// SHOW/OPCODE, FEED, BYE) and, while FEED is on, one line per row event:
//
//	+ <row>   a new row opened
//	= <row>   a row closed with its final count and ranges
//
// Architecture:
//   - one goroutine per connected client (handleClient) plus a sender
//     goroutine draining that client's line queue
//   - Publish fans a row event out to every feeding client with
//     non-blocking sends; a full client queue drops the line for that
//     client only
package telnet

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"github.com/szsz/endless-pools-controller/aggregate"
	"github.com/szsz/endless-pools-controller/commands"
	"github.com/szsz/endless-pools-controller/livelog"
)

// Telnet protocol IAC (Interpret As Command) constants.
const (
	IAC  = 255
	DONT = 254
	DO   = 253
	WONT = 252
	WILL = 251
	SB   = 250
	SE   = 240
)

const (
	transportNative = "native"
	transportZiutek = "ziutek"
)

const (
	defaultClientBufferSize = 128
	defaultSendDeadline     = 2 * time.Second
	defaultCommandLineLimit = 128
	defaultWelcomeMessage   = "Swim telemetry log. Type HELP for commands.\n"
	defaultPrompt           = "> "
)

// ServerOptions configures the telnet server instance.
type ServerOptions struct {
	// Address overrides Port when set ("127.0.0.1:0" in tests).
	Address          string
	Port             int
	WelcomeMessage   string
	Prompt           string
	MaxConnections   int
	ClientBuffer     int
	KeepaliveSeconds int
	SkipHandshake    bool
	// Transport selects the telnet backend: "native" or "ziutek".
	Transport        string
	CommandLineLimit int
	// FeedOnConnect starts new sessions with the row feed enabled.
	FeedOnConnect bool
	// Location is the zone row timestamps are rendered in.
	Location *time.Location
}

// Server accepts telnet sessions and fans live rows out to them.
type Server struct {
	opts      ServerOptions
	useZiutek bool
	processor *commands.Processor
	listener  net.Listener

	clients      map[uint64]*Client
	clientsMutex sync.RWMutex
	nextID       atomic.Uint64

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lineDrops      atomic.Uint64
	senderFailures atomic.Uint64
}

// NewServer creates a new telnet server.
func NewServer(opts ServerOptions, processor *commands.Processor) *Server {
	config := normalizeServerOptions(opts)
	return &Server{
		opts:      config,
		useZiutek: config.Transport == transportZiutek,
		processor: processor,
		clients:   make(map[uint64]*Client),
		shutdown:  make(chan struct{}),
	}
}

func normalizeServerOptions(opts ServerOptions) ServerOptions {
	config := opts
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = defaultClientBufferSize
	}
	if config.CommandLineLimit <= 0 {
		config.CommandLineLimit = defaultCommandLineLimit
	}
	if strings.TrimSpace(config.WelcomeMessage) == "" {
		config.WelcomeMessage = defaultWelcomeMessage
	}
	if config.Prompt == "" {
		config.Prompt = defaultPrompt
	}
	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	if config.Transport == "" {
		config.Transport = transportNative
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return config
}

// Start begins listening for telnet connections.
func (s *Server) Start() error {
	addr := s.opts.Address
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.opts.Port)
	}
	lc := net.ListenConfig{KeepAlive: 2 * time.Minute}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start telnet server: %w", err)
	}
	s.listener = listener
	log.Printf("Telnet server listening on %s (transport=%s)", listener.Addr(), s.opts.Transport)

	if s.opts.KeepaliveSeconds > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop(time.Duration(s.opts.KeepaliveSeconds) * time.Second)
	}
	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// keepaliveLoop emits periodic CRLF so idle sessions survive NAT timeouts
// while the pool is quiet.
func (s *Server) keepaliveLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.broadcast("\r\n", false)
		}
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Error accepting connection: %v", err)
				continue
			}
		}
		if s.opts.MaxConnections > 0 && s.GetClientCount() >= s.opts.MaxConnections {
			_, _ = conn.Write([]byte("Server full. Try again later.\r\n"))
			conn.Close()
			log.Printf("Rejected connection from %s: max connections reached (%d)", conn.RemoteAddr(), s.opts.MaxConnections)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(conn)
		}()
	}
}

// handleClient manages a single client connection.
func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()
	address := conn.RemoteAddr().String()

	rw := conn
	if s.useZiutek {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			log.Printf("telnet: failed to wrap connection from %s: %v", address, err)
			return
		}
		rw = tconn
	}
	client := newClient(s, conn, rw, s.opts.ClientBuffer)
	client.feed.Store(s.opts.FeedOnConnect)
	if !s.opts.SkipHandshake {
		// Full-duplex session: suppress go-ahead.
		client.sendOption(WILL, 3)
		client.sendOption(DO, 3)
	}

	s.registerClient(client)
	defer s.unregisterClient(client)
	go client.sender()

	if err := client.Send(s.opts.WelcomeMessage); err != nil {
		return
	}
	for {
		if err := client.Send(s.opts.Prompt); err != nil {
			return
		}
		line, err := client.ReadLine(s.opts.CommandLineLimit)
		if err != nil {
			if tooLong, ok := err.(*InputTooLongError); ok {
				_ = client.Send(tooLong.Error() + "\n")
				continue
			}
			return
		}
		if s.processor == nil {
			continue
		}
		resp := s.processor.ProcessCommandForClient(line, client)
		if resp == commands.Bye {
			_ = client.Send("73!\n")
			return
		}
		if resp != "" {
			if err := client.Send(resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) registerClient(client *Client) {
	s.clientsMutex.Lock()
	s.clients[client.id] = client
	total := len(s.clients)
	s.clientsMutex.Unlock()
	log.Printf("Telnet client %s connected (total: %d)", client.address, total)
}

func (s *Server) unregisterClient(client *Client) {
	s.clientsMutex.Lock()
	delete(s.clients, client.id)
	total := len(s.clients)
	close(client.lines)
	s.clientsMutex.Unlock()
	log.Printf("Telnet client %s disconnected (total: %d, dropped lines: %d)", client.address, total, client.dropCount.Load())
}

// Publish renders a live log update for feeding clients: "-" for a row that
// fell out of the history, "=" for the row just closed, "+" for a new row.
func (s *Server) Publish(upd livelog.Update) {
	if upd.Evicted != nil {
		s.PublishRow("-", upd.Evicted)
	}
	if upd.Closed != nil {
		s.PublishRow("=", upd.Closed)
	}
	if upd.Outcome == aggregate.Mismatch {
		open := upd.Open
		s.PublishRow("+", &open)
	}
}

// PublishRow sends one row line with the given marker to feeding clients.
func (s *Server) PublishRow(marker string, row *aggregate.Row) {
	s.broadcast(marker+" "+row.View(s.opts.Location).Line()+"\n", true)
}

// broadcast queues line for every client (only feeding clients when
// feedOnly). The clients lock is held while sending so unregister cannot
// close a queue mid-send.
func (s *Server) broadcast(line string, feedOnly bool) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	for _, client := range s.clients {
		if feedOnly && !client.Feed() {
			continue
		}
		select {
		case client.lines <- line:
		default:
			client.dropCount.Add(1)
			if total := s.lineDrops.Add(1); total == 1 || total%100 == 0 {
				log.Printf("Telnet: client queue full, dropped lines total=%d", total)
			}
		}
	}
}

// GetClientCount returns the number of connected clients.
func (s *Server) GetClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// DropSnapshot reports lines dropped on full client queues and sender write
// failures.
func (s *Server) DropSnapshot() (lineDrops, senderFailures uint64) {
	return s.lineDrops.Load(), s.senderFailures.Load()
}

// Stop closes the listener, disconnects all clients and waits for their
// goroutines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Stopping telnet server...")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.clientsMutex.RLock()
		for _, client := range s.clients {
			client.conn.Close()
		}
		s.clientsMutex.RUnlock()
	})
	s.wg.Wait()
}
