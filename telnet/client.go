package telnet

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client represents a connected telnet session.
//
// The session goroutine reads commands; a sender goroutine drains lines so
// a slow terminal never stalls Publish. Both write through Send, which holds
// writeMu.
type Client struct {
	id        uint64
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	writeMu   sync.Mutex
	server    *Server
	address   string
	connected time.Time
	lines     chan string
	feed      atomic.Bool
	dropCount atomic.Uint64

	skipNextEOL bool
}

// InputTooLongError is returned by ReadLine when a command exceeds the line
// limit. The session stays open.
type InputTooLongError struct {
	Limit int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("Input too long (max %d characters).", e.Limit)
}

func newClient(s *Server, conn net.Conn, rw io.ReadWriter, buffer int) *Client {
	return &Client{
		id:        s.nextID.Add(1),
		conn:      conn,
		reader:    bufio.NewReader(rw),
		writer:    bufio.NewWriter(rw),
		server:    s,
		address:   conn.RemoteAddr().String(),
		connected: time.Now().UTC(),
		lines:     make(chan string, buffer),
	}
}

// SetFeed toggles the live row feed for this session.
func (c *Client) SetFeed(on bool) { c.feed.Store(on) }

// Feed reports whether the session receives live rows.
func (c *Client) Feed() bool { return c.feed.Load() }

// sender drains queued lines until the queue is closed by unregisterClient.
func (c *Client) sender() {
	for line := range c.lines {
		if err := c.Send(line); err != nil {
			failures := c.server.senderFailures.Add(1)
			log.Printf("Telnet client %s disconnecting: sender write failure: %v (total sender failures=%d)", c.address, err, failures)
			// Closing the connection forces the session read loop to exit.
			_ = c.conn.Close()
			for range c.lines {
			}
			return
		}
	}
}

// Send writes message with CRLF line endings under a bounded write deadline.
func (c *Client) Send(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\n", "\r\n")
	if _, err := c.writer.WriteString(message); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) sendOption(command, option byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return
	}
	_, _ = c.conn.Write([]byte{IAC, command, option})
	_ = c.conn.SetWriteDeadline(time.Time{})
}

// ReadLine reads one line, consuming telnet IAC sequences, handling
// backspace and bounding the line to maxLen bytes. Control bytes are
// dropped. An over-long line is discarded up to its terminator and reported
// as *InputTooLongError.
func (c *Client) ReadLine(maxLen int) (string, error) {
	var line []byte
	tooLong := false
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if c.skipNextEOL {
			c.skipNextEOL = false
			if b == '\n' || b == 0x00 {
				continue
			}
		}
		switch {
		case b == IAC:
			if err := c.consumeIACSequence(); err != nil {
				return "", err
			}
			continue
		case b == '\n':
		case b == '\r':
			c.skipNextEOL = true
		case b == 0x08 || b == 0x7f:
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
			continue
		case b < 0x20 || b > 0x7e:
			continue
		default:
			if len(line) >= maxLen {
				tooLong = true
				continue
			}
			line = append(line, b)
			continue
		}
		// Line terminator.
		if tooLong {
			return "", &InputTooLongError{Limit: maxLen}
		}
		return string(line), nil
	}
}

// consumeIACSequence drains a single telnet IAC sequence.
func (c *Client) consumeIACSequence() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case DO, DONT, WILL, WONT:
		_, err = c.reader.ReadByte()
		return err
	case SB:
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if b != IAC {
				continue
			}
			next, err := c.reader.ReadByte()
			if err != nil {
				return err
			}
			if next == SE {
				return nil
			}
		}
	default:
		return nil
	}
}
