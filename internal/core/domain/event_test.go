package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		want    RealtimeEvent
		wantErr error
	}{
		{
			name:  "participant joined without payload",
			frame: `{"type":"participant_joined","room_id":"r1","user_id":"u2"}`,
			want:  RealtimeEvent{Type: EventParticipantJoined, RoomID: "r1", UserID: "u2", Payload: ParticipantJoined{}},
		},
		{
			name:  "participant left with null payload",
			frame: `{"type":"participant_left","room_id":"r1","user_id":"u2","payload":null}`,
			want:  RealtimeEvent{Type: EventParticipantLeft, RoomID: "r1", UserID: "u2", Payload: ParticipantLeft{}},
		},
		{
			name:  "chat message as echoed by the hub",
			frame: `{"type":"chat_message","room_id":"r1","user_id":"u1","payload":{"id":"m1","message":"hi","user_name":"Ann"}}`,
			want: RealtimeEvent{Type: EventChatMessage, RoomID: "r1", UserID: "u1",
				Payload: ChatMessage{ID: "m1", Text: "hi", UserName: "Ann"}},
		},
		{
			name:  "chat message using text field",
			frame: `{"type":"chat_message","room_id":"r1","user_id":"u1","payload":{"text":"hello"}}`,
			want:  RealtimeEvent{Type: EventChatMessage, RoomID: "r1", UserID: "u1", Payload: ChatMessage{Text: "hello"}},
		},
		{
			name:  "room ended",
			frame: `{"type":"room_ended","room_id":"r1","user_id":"u1"}`,
			want:  RealtimeEvent{Type: EventRoomEnded, RoomID: "r1", UserID: "u1", Payload: RoomEnded{}},
		},
		{name: "unknown type", frame: `{"type":"typing","room_id":"r1"}`, wantErr: ErrUnknownEventType},
		{name: "not json", frame: `hello`, wantErr: ErrMalformedEvent},
		{name: "missing room", frame: `{"type":"room_ended"}`, wantErr: ErrMalformedEvent},
		{name: "join without user", frame: `{"type":"participant_joined","room_id":"r1"}`, wantErr: ErrMalformedEvent},
		{name: "chat payload wrong shape", frame: `{"type":"chat_message","room_id":"r1","payload":[1,2]}`, wantErr: ErrMalformedEvent},
		{name: "empty chat", frame: `{"type":"chat_message","room_id":"r1","payload":{}}`, wantErr: ErrMalformedEvent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tc.frame))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeEvent_ChatRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := RealtimeEvent{
		Type:    EventChatMessage,
		RoomID:  "r1",
		UserID:  "u1",
		Payload: ChatMessage{ID: "m1", Text: "hi", UserName: "Ann", Timestamp: ts},
	}

	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, `"chat_message"`, string(wire["type"]))
	assert.Contains(t, string(wire["payload"]), `"message":"hi"`)

	back, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestEncodeEvent_RejectsMismatchedPayload(t *testing.T) {
	_, err := EncodeEvent(RealtimeEvent{Type: EventRoomEnded, RoomID: "r1", Payload: ChatMessage{Text: "x"}})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRealtimeEvent_Key(t *testing.T) {
	join := RealtimeEvent{Type: EventParticipantJoined, RoomID: "r1", UserID: "u1", Payload: ParticipantJoined{}}
	chat := RealtimeEvent{Type: EventChatMessage, RoomID: "r1", UserID: "u1", Payload: ChatMessage{ID: "m9", Text: "x"}}

	assert.Equal(t, "participant_joined/r1/u1", join.Key())
	assert.Equal(t, "chat_message/m9", chat.Key())
}

func TestRoomNormalize(t *testing.T) {
	var zero time.Time
	early := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	room := Room{
		ID:      "r1",
		EndedAt: &zero,
		Participants: []Participant{
			{UserID: "u2", JoinedAt: late, LeftAt: &zero},
			{UserID: "u1", JoinedAt: early},
		},
	}
	room.Normalize()

	assert.Nil(t, room.EndedAt)
	require.Len(t, room.Participants, 2)
	assert.Equal(t, UserID("u1"), room.Participants[0].UserID)
	assert.Nil(t, room.Participants[1].LeftAt)
	assert.Len(t, room.ActiveParticipants(), 2)
}

func TestMeetingState(t *testing.T) {
	assert.Equal(t, "session-provisioning", MeetingSessionProvisioning.String())
	assert.True(t, MeetingFailed.Terminal())
	assert.True(t, MeetingJoining.InFlight())
	assert.False(t, MeetingIdle.InFlight())
	assert.False(t, MeetingEnded.InFlight())
}
