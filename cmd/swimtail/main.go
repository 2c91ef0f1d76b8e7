// Command swimtail connects to the swimlog telnet server, turns the live row
// feed on and prints row events to stdout until interrupted. It reconnects
// after a dropped session.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ziutek/telnet"
)

type tailConfig struct {
	addr        string
	show        string
	dialTimeout time.Duration
	idleTimeout time.Duration
	retry       time.Duration
	once        bool
}

func main() {
	host := flag.String("host", "localhost", "Telnet server host")
	port := flag.Int("port", 7373, "Telnet server port")
	show := flag.String("show", "all", "Events to print: all, open, closed (all also prints evicted rows)")
	dialSec := flag.Int("dial_timeout", 10, "Dial timeout seconds")
	idleSec := flag.Int("idle_seconds", 0, "Reconnect when nothing arrives for this many seconds (0 disables)")
	retrySec := flag.Int("retry_seconds", 5, "Delay before reconnecting")
	once := flag.Bool("once", false, "Exit when the session ends instead of reconnecting")
	flag.Parse()

	switch *show {
	case "all", "open", "closed":
	default:
		log.Fatalf("invalid -show %q (want all, open or closed)", *show)
	}
	cfg := tailConfig{
		addr:        net.JoinHostPort(*host, strconv.Itoa(*port)),
		show:        *show,
		dialTimeout: time.Duration(*dialSec) * time.Second,
		idleTimeout: time.Duration(*idleSec) * time.Second,
		retry:       time.Duration(*retrySec) * time.Second,
		once:        *once,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		err := runSession(ctx, cfg, os.Stdout)
		if ctx.Err() != nil {
			return
		}
		if cfg.once {
			if err != nil {
				log.Fatalf("session ended: %v", err)
			}
			return
		}
		log.Printf("Session ended: %v; reconnecting in %s", err, cfg.retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.retry):
		}
	}
}

func runSession(ctx context.Context, cfg tailConfig, out io.Writer) error {
	conn, err := telnet.DialTimeout("tcp", cfg.addr, cfg.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	// Translate \n to \r\n on write so the server sees telnet line endings.
	conn.SetUnixWriteMode(true)

	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	if _, err := conn.Write([]byte("FEED ON\n")); err != nil {
		return fmt.Errorf("enable feed: %w", err)
	}
	log.Printf("Connected to %s, feed enabled", cfg.addr)

	reader := bufio.NewReader(conn)
	for {
		if cfg.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.idleTimeout))
		}
		line, err := reader.ReadString('\n')
		if text, ok := feedLine(line, cfg.show); ok {
			fmt.Fprintln(out, text)
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("server closed the connection")
			}
			return err
		}
	}
}

// feedLine reports whether line is a row event selected by show and returns
// it without its line ending. Prompts and command replies are skipped.
func feedLine(line, show string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	// The prompt may precede an event written while the session sat idle.
	line = strings.TrimPrefix(line, "> ")
	switch {
	case strings.HasPrefix(line, "+ "):
		return line, show == "all" || show == "open"
	case strings.HasPrefix(line, "= "):
		return line, show == "all" || show == "closed"
	case strings.HasPrefix(line, "- "):
		return line, show == "all"
	default:
		return "", false
	}
}
