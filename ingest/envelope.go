package ingest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/szsz/endless-pools-controller/packet"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoPacket is returned for envelopes without a packet field.
var ErrNoPacket = errors.New("ingest: envelope has no packet")

// Envelope is the JSON wrapper the controller's web UI pushes on its event
// stream: {"packet":"<HEX>"}.
type Envelope struct {
	Packet string `json:"packet"`
}

// DecodeEnvelope extracts the raw datagram from a JSON envelope. The hex
// string may use either case and may contain whitespace.
func DecodeEnvelope(data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ingest: envelope: %w", err)
	}
	text := strings.Join(strings.Fields(env.Packet), "")
	if text == "" {
		return nil, ErrNoPacket
	}
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("ingest: envelope hex: %w", err)
	}
	return raw, nil
}

// DecodePayload accepts either a raw datagram or a JSON envelope (a braced
// payload whose length is not a datagram size). Raw payloads are copied and
// passed through whatever their length; the live log decides whether they
// are recognized.
func DecodePayload(payload []byte) ([]byte, error) {
	if n := len(payload); n == packet.ControlSize || n == packet.StatusSize {
		return bytes.Clone(payload), nil
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		return DecodeEnvelope(trimmed)
	}
	return bytes.Clone(payload), nil
}
