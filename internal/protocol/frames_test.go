package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	seq := uint64(42)

	tests := []struct {
		name string
		data string
		want Inbound
	}{
		{
			name: "join_room",
			data: `{"type":"join_room","roomId":"conv-1"}`,
			want: JoinRoom{Type: FrameJoinRoom, RoomID: "conv-1"},
		},
		{
			name: "join_room with resume",
			data: `{"type":"join_room","roomId":"conv-1","resumeFromSeq":42}`,
			want: JoinRoom{Type: FrameJoinRoom, RoomID: "conv-1", ResumeFromSeq: &seq},
		},
		{
			name: "resume_from_seq",
			data: `{"type":"resume_from_seq","roomId":"conv-1","sequence":42}`,
			want: ResumeFromSeq{Type: FrameResumeFromSeq, RoomID: "conv-1", Sequence: 42},
		},
		{
			name: "ack",
			data: `{"type":"ack","roomId":"conv-1","sequence":7,"receivedIds":["a","b"]}`,
			want: Ack{Type: FrameAck, RoomID: "conv-1", Sequence: 7, ReceivedIDs: []string{"a", "b"}},
		},
		{
			name: "presence",
			data: `{"type":"presence","roomId":"conv-1","state":"active","metadata":{"client":"desktop"}}`,
			want: Presence{Type: FramePresence, RoomID: "conv-1", State: "active", Metadata: json.RawMessage(`{"client":"desktop"}`)},
		},
		{
			name: "heartbeat",
			data: `{"type":"heartbeat","ts":1700000000000}`,
			want: Heartbeat{Type: FrameHeartbeat, TS: 1700000000000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"invalid json", `{not json`, ErrMalformedFrame},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownFrame},
		{"empty type", `{"roomId":"conv-1"}`, ErrUnknownFrame},
		{"join without room", `{"type":"join_room"}`, ErrMalformedFrame},
		{"ack without room", `{"type":"ack","sequence":3}`, ErrMalformedFrame},
		{"presence without room", `{"type":"presence","state":"idle"}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		Type:     FrameEnvelope,
		Sequence: 9,
		RoomID:   "conv-1",
		Event:    json.RawMessage(`{"kind":"message","body":"hi"}`),
		Replay:   true,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, env.Sequence, got.Sequence)
	assert.Equal(t, env.RoomID, got.RoomID)
	assert.True(t, got.Replay)
	assert.JSONEq(t, string(env.Event), string(got.Event))
}

func TestNewHello(t *testing.T) {
	h := NewHello("conn-1")
	assert.Equal(t, FrameHello, h.Type)
	assert.Equal(t, Version, h.ProtocolVersion)
	assert.Equal(t, "conn-1", h.ConnectionID)
}
