package relay

import (
	"encoding/binary"
	"errors"
)

// Frame types on the websocket. Sync frames carry a subtype selecting the
// step of the catch-up exchange.
const (
	MessageSync      = 0
	MessageAwareness = 1
)

const (
	// SyncStep1 carries a state summary and asks for what it is missing.
	SyncStep1 = 0
	// SyncStep2 answers a step 1 with the missing operations.
	SyncStep2 = 1
	// SyncUpdate carries an incremental update to rebroadcast.
	SyncUpdate = 2
)

// ErrProtocol is returned for frames that do not parse. Malformed frames are
// dropped whole; they never partially apply.
var ErrProtocol = errors.New("relay: malformed frame")

// Message is one decoded websocket frame.
type Message struct {
	Type    uint64
	Sub     uint64
	Payload []byte
}

// EncodeSync builds a sync frame of the given step around payload.
func EncodeSync(step uint64, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, step)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeAwareness builds an awareness frame around payload.
func EncodeAwareness(payload []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageAwareness)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// DecodeMessage parses one frame. Unknown frame types decode successfully
// with an empty payload so callers can ignore them.
func DecodeMessage(b []byte) (Message, error) {
	pos := 0
	next := func() (uint64, bool) {
		v, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return 0, false
		}
		pos += n
		return v, true
	}
	var m Message
	var ok bool
	if m.Type, ok = next(); !ok {
		return Message{}, ErrProtocol
	}
	if m.Type != MessageSync && m.Type != MessageAwareness {
		return m, nil
	}
	if m.Type == MessageSync {
		if m.Sub, ok = next(); !ok {
			return Message{}, ErrProtocol
		}
	}
	n, ok := next()
	if !ok || n > uint64(len(b)-pos) {
		return Message{}, ErrProtocol
	}
	m.Payload = b[pos : pos+int(n)]
	return m, nil
}
