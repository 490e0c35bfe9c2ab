// Package protocol implements the status channel test processes use to
// report progress and issues to the launcher.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxMessageSize bounds a single framed message.
const MaxMessageSize = 64 << 20

// Message types sent by gst-validate.
const (
	TypePosition   = "position"
	TypeBuffering  = "buffering"
	TypeAction     = "action"
	TypeActionDone = "action-done"
	TypeReport     = "report"
	TypeSkipTest   = "skip-test"
)

// Message is a decoded status message.
type Message map[string]any

// Type returns the message type.
func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// UUID returns the uuid field, empty when absent.
func (m Message) UUID() string {
	s, _ := m["uuid"].(string)
	return s
}

// Int returns a numeric field truncated to int64.
func (m Message) Int(key string) int64 {
	switch v := m[key].(type) {
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0
		}
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Float returns a numeric field.
func (m Message) Float(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// ReadMessage reads one length prefixed message. It returns io.EOF when the
// peer closed the connection between messages.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated message: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes msg as JSON and writes it with its length prefix.
func WriteMessage(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// Decode parses a message payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}
