package ingest

import (
	"bytes"
	"testing"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 0 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 0 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

func TestMQTTMessageHandlerAcceptsRawAndEnvelope(t *testing.T) {
	out := make(chan Datagram, 4)
	c := NewMQTTClient("bridge", MQTTOptions{Broker: "tcp://localhost:1883", Topic: "pool/packets"}, out)

	raw := bytes.Repeat([]byte{0x11}, 111)
	c.messageHandler(nil, testMessage{topic: "pool/packets/status", payload: raw})
	c.messageHandler(nil, testMessage{topic: "pool/packets/web", payload: []byte(`{"packet":"0a0b"}`)})
	c.messageHandler(nil, testMessage{topic: "pool/packets/web", payload: []byte(`{"packet":"0a0"}`)})

	first := <-out
	if first.Source != SourceMQTT || first.Remote != "pool/packets/status" || !bytes.Equal(first.Payload, raw) {
		t.Fatalf("unexpected raw datagram: %+v", first)
	}
	second := <-out
	if !bytes.Equal(second.Payload, []byte{0x0A, 0x0B}) {
		t.Fatalf("unexpected envelope payload: %x", second.Payload)
	}
	select {
	case d := <-out:
		t.Fatalf("expected malformed envelope to be rejected, got %+v", d)
	default:
	}
	h := c.HealthSnapshot()
	if h.Received != 2 || h.ParseErrors != 1 || h.Connected {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestMQTTMessageHandlerDropsWhenFull(t *testing.T) {
	out := make(chan Datagram, 1)
	c := NewMQTTClient("bridge", MQTTOptions{}, out)
	for i := 0; i < 3; i++ {
		c.messageHandler(nil, testMessage{payload: []byte{byte(i)}})
	}
	if got := c.HealthSnapshot().Dropped; got != 2 {
		t.Fatalf("expected 2 drops, got %d", got)
	}
	if c.opts.ClientID == "" {
		t.Fatalf("expected generated client id")
	}
}
