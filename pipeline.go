package main

import (
	"context"
	"log"

	"github.com/szsz/endless-pools-controller/ingest"
	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/stats"
)

// captureSink receives every datagram before decoding; the recorder
// implements it.
type captureSink interface {
	Record(d ingest.Datagram) bool
}

// pipeline is the single writer of the live log. Every source feeds one
// channel; run drains it on one goroutine so Ingest order is arrival order.
type pipeline struct {
	log     *livelog.Log
	stats   *stats.Tracker
	capture captureSink
	// publish receives each decoded update (telnet feed). Must not block.
	publish func(livelog.Update)
	// logDrops enables one (deduped) log line per unrecognized datagram.
	logDrops bool
	deduper  *dropLogDeduper
}

func (p *pipeline) run(ctx context.Context, in <-chan ingest.Datagram) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-in:
			p.handle(d)
		}
	}
}

// drain handles whatever is already queued without waiting for more.
func (p *pipeline) drain(in <-chan ingest.Datagram) int {
	n := 0
	for {
		select {
		case d := <-in:
			p.handle(d)
			n++
		default:
			return n
		}
	}
}

func (p *pipeline) handle(d ingest.Datagram) {
	if p.capture != nil {
		p.capture.Record(d)
	}
	upd, ok := p.log.Ingest(d.Payload)
	if !ok {
		p.stats.RecordDropped(string(d.Source), len(d.Payload))
		if p.logDrops {
			if line, emit := p.deduper.Process(formatDropLine(d)); emit {
				log.Print(line)
			}
		}
		return
	}
	h := upd.Record.Head()
	p.stats.RecordDecoded(string(d.Source), upd.Record.Kind().String(), h.Command, upd.Outcome.String())
	if p.publish != nil {
		p.publish(upd)
	}
}
