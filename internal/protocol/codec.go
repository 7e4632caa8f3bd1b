package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize caps a single frame. A peer announcing a larger frame is
// corrupt or hostile and the connection must be dropped.
const MaxFrameSize = 4 << 20

// WriteMsg encodes env as JSON and writes it with a 4-byte big-endian length
// prefix. The caller serializes writes on the same connection.
func WriteMsg(w io.Writer, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Message, err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadMsg reads one length-prefixed frame and decodes the envelope. It
// returns io.EOF unwrapped when the peer closes cleanly between frames.
func ReadMsg(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Message == "" {
		return nil, fmt.Errorf("envelope missing message field")
	}
	return &env, nil
}

// NewEnvelope wraps payload in an envelope stamped with the current time.
func NewEnvelope(msg Message, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg, err)
	}
	return &Envelope{
		ClientTime: float64(time.Now().UnixNano()) / float64(time.Second),
		Message:    msg,
		Payload:    raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Message)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Message, err)
	}
	return nil
}
