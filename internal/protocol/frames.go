// Package protocol defines the wire vocabulary exchanged between clients and
// the gateway. Frames are JSON objects discriminated by a "type" tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version advertised in the hello frame.
const Version = 1

// FrameType discriminates wire frames.
type FrameType string

// Client -> gateway frames.
const (
	FrameJoinRoom      FrameType = "join_room"
	FrameResumeFromSeq FrameType = "resume_from_seq"
	FrameAck           FrameType = "ack"
	FramePresence      FrameType = "presence"
	FrameHeartbeat     FrameType = "heartbeat"
)

// Gateway -> client frames.
const (
	FrameHello    FrameType = "hello"
	FrameJoined   FrameType = "joined"
	FrameEnvelope FrameType = "envelope"
	FrameControl  FrameType = "control"
)

// Control actions the gateway may send.
const (
	// ControlResync tells the client its resume point predates the log's
	// retained history; it should fetch a fresh snapshot from the system
	// of record instead of waiting for missing envelopes.
	ControlResync = "resync"
)

var (
	// ErrUnknownFrame is returned by Decode for an unrecognized type tag.
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrMalformedFrame is returned by Decode for structurally invalid frames.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Inbound is implemented by every client->gateway frame. The set is closed:
// Decode switches exhaustively over the enumerated kinds, so adding a frame
// type is a compile-time-visible change.
type Inbound interface {
	inbound()
}

// JoinRoom attaches the connection to a room. When ResumeFromSeq is set the
// gateway replays every retained envelope with a higher sequence.
type JoinRoom struct {
	Type          FrameType `json:"type"`
	RoomID        string    `json:"roomId"`
	ResumeFromSeq *uint64   `json:"resumeFromSeq,omitempty"`
}

// ResumeFromSeq requests replay without re-joining.
type ResumeFromSeq struct {
	Type     FrameType `json:"type"`
	RoomID   string    `json:"roomId"`
	Sequence uint64    `json:"sequence"`
}

// Ack records the highest sequence the client has processed for a room.
// Advisory bookkeeping only; live-tail delivery does not depend on it.
type Ack struct {
	Type        FrameType `json:"type"`
	RoomID      string    `json:"roomId"`
	Sequence    uint64    `json:"sequence"`
	ReceivedIDs []string  `json:"receivedIds,omitempty"`
}

// Presence reports an ephemeral user state for a room.
type Presence struct {
	Type     FrameType       `json:"type"`
	RoomID   string          `json:"roomId"`
	State    string          `json:"state"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Heartbeat is sent by the client and echoed by the gateway with the
// server's current time.
type Heartbeat struct {
	Type FrameType `json:"type"`
	TS   int64     `json:"ts"`
}

func (JoinRoom) inbound()      {}
func (ResumeFromSeq) inbound() {}
func (Ack) inbound()           {}
func (Presence) inbound()      {}
func (Heartbeat) inbound()     {}

// Hello is sent once when a connection opens.
type Hello struct {
	Type            FrameType `json:"type"`
	ProtocolVersion int       `json:"protocolVersion"`
	ConnectionID    string    `json:"connectionId"`
}

// NewHello builds the hello frame for a connection.
func NewHello(connectionID string) Hello {
	return Hello{Type: FrameHello, ProtocolVersion: Version, ConnectionID: connectionID}
}

// Joined confirms a join_room frame.
type Joined struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"roomId"`
}

// Control carries out-of-band gateway-initiated instructions.
type Control struct {
	Type    FrameType `json:"type"`
	Action  string    `json:"action"`
	RoomID  string    `json:"roomId,omitempty"`
	FromSeq uint64    `json:"fromSeq,omitempty"`
}

// Envelope is the durable unit delivered to clients. Sequence is assigned by
// the broker, strictly increasing per room and never reused. Replay is set by
// the gateway when the envelope is redelivered rather than freshly tailed.
type Envelope struct {
	Type      FrameType       `json:"type"`
	Sequence  uint64          `json:"sequence"`
	RoomID    string          `json:"roomId"`
	Event     json.RawMessage `json:"event"`
	EmittedAt time.Time       `json:"emittedAt"`
	Replay    bool            `json:"replay"`
}

// Decode parses a client->gateway frame. Unknown or structurally invalid
// frames return an error; the caller drops them without closing the socket.
func Decode(data []byte) (Inbound, error) {
	var probe struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch probe.Type {
	case FrameJoinRoom:
		var f JoinRoom
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: join_room missing roomId", ErrMalformedFrame)
		}
		return f, nil
	case FrameResumeFromSeq:
		var f ResumeFromSeq
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: resume_from_seq missing roomId", ErrMalformedFrame)
		}
		return f, nil
	case FrameAck:
		var f Ack
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: ack missing roomId", ErrMalformedFrame)
		}
		return f, nil
	case FramePresence:
		var f Presence
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: presence missing roomId", ErrMalformedFrame)
		}
		return f, nil
	case FrameHeartbeat:
		var f Heartbeat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, probe.Type)
	}
}
