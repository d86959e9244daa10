// Package protocol defines the line-oriented wire format exchanged between
// processes and the coordinator.
//
// Every message is a single JSON object terminated by a newline:
//
//	{"processId":5,"kind":"Request"}
//
// There is no framing beyond the line terminator, no length prefix and no
// version field. Correctness of the mutual exclusion protocol depends on
// connection lifetime (held open or closed), not on sequence numbers.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedMessage indicates a line that cannot be parsed into a Message.
var ErrMalformedMessage = errors.New("malformed message")

// ProcessID identifies a process among the currently active ones.
type ProcessID int

// Kind is the type of a protocol message.
type Kind int

const (
	// KindRequest asks the coordinator for exclusive use of the resource.
	KindRequest Kind = iota + 1
	// KindDenied tells a requester the resource is busy and its request was queued.
	KindDenied
	// KindGranted hands the resource to a queued requester.
	KindGranted
	// KindRelease tells the coordinator the holder is done with the resource.
	KindRelease
)

var kindNames = map[Kind]string{
	KindRequest: "Request",
	KindDenied:  "Denied",
	KindGranted: "Granted",
	KindRelease: "Release",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the four protocol kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, s)
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: kind is not a string", ErrMalformedMessage)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Message is the only value carried by the protocol.
type Message struct {
	ProcessID ProcessID `json:"processId"`
	Kind      Kind      `json:"kind"`
}

// Request builds a request message for id.
func Request(id ProcessID) Message { return Message{ProcessID: id, Kind: KindRequest} }

// Denied builds a denial addressed to id.
func Denied(id ProcessID) Message { return Message{ProcessID: id, Kind: KindDenied} }

// Granted builds a grant addressed to id.
func Granted(id ProcessID) Message { return Message{ProcessID: id, Kind: KindGranted} }

// Release builds a release message from id.
func Release(id ProcessID) Message { return Message{ProcessID: id, Kind: KindRelease} }

// String returns a compact human-readable form, e.g. "Request(5)".
func (m Message) String() string {
	return fmt.Sprintf("%s(%d)", m.Kind, m.ProcessID)
}

// rawMessage detects missing fields, which plain unmarshaling would zero-fill.
type rawMessage struct {
	ProcessID *ProcessID `json:"processId"`
	Kind      *Kind      `json:"kind"`
}

// Encode serializes m to a single newline-terminated line.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line. A trailing newline (and carriage return) is allowed.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", ErrMalformedMessage)
	}

	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw.ProcessID == nil {
		return Message{}, fmt.Errorf("%w: missing processId", ErrMalformedMessage)
	}
	if raw.Kind == nil {
		return Message{}, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}

	return Message{ProcessID: *raw.ProcessID, Kind: *raw.Kind}, nil
}

// WriteMessage encodes m and writes it to w in one call.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one line from r and decodes it.
//
// It returns io.EOF when the peer closed the connection before sending
// anything, and ErrMalformedMessage for a line that does not parse. A last
// line without terminator is still decoded.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return Message{}, io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return Message{}, err
		}
	}
	return Decode(line)
}
