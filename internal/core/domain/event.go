package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventChatMessage       EventType = "chat_message"
	EventRoomEnded         EventType = "room_ended"
)

// Payload is implemented only by the payload types below.
type Payload interface {
	eventType() EventType
}

type ParticipantJoined struct {
	Name     string    `json:"name,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

type ParticipantLeft struct {
	LeftAt time.Time `json:"left_at,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"message"`
	UserName  string    `json:"user_name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type RoomEnded struct {
	EndedAt time.Time `json:"ended_at,omitempty"`
}

func (ParticipantJoined) eventType() EventType { return EventParticipantJoined }
func (ParticipantLeft) eventType() EventType   { return EventParticipantLeft }
func (ChatMessage) eventType() EventType       { return EventChatMessage }
func (RoomEnded) eventType() EventType         { return EventRoomEnded }

// RealtimeEvent is one frame of the room event stream.
type RealtimeEvent struct {
	Type    EventType
	RoomID  RoomID
	UserID  UserID
	Payload Payload
}

// Key identifies the event for duplicate detection: presence events by
// (type, room, user), chat by message id when one is present.
func (e RealtimeEvent) Key() string {
	if msg, ok := e.Payload.(ChatMessage); ok && msg.ID != "" {
		return fmt.Sprintf("%s/%s", e.Type, msg.ID)
	}
	return fmt.Sprintf("%s/%s/%s", e.Type, e.RoomID, e.UserID)
}

type wireEvent struct {
	Type    EventType       `json:"type"`
	RoomID  RoomID          `json:"room_id"`
	UserID  UserID          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEvent parses an inbound frame. Unknown types and payloads that do not
// match their type are rejected.
func DecodeEvent(data []byte) (RealtimeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return RealtimeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.RoomID == "" {
		return RealtimeEvent{}, fmt.Errorf("%w: missing room_id", ErrMalformedEvent)
	}

	ev := RealtimeEvent{Type: w.Type, RoomID: w.RoomID, UserID: w.UserID}

	var err error
	switch w.Type {
	case EventParticipantJoined:
		var p ParticipantJoined
		err = decodePayload(w.Payload, &p)
		ev.Payload = p
	case EventParticipantLeft:
		var p ParticipantLeft
		err = decodePayload(w.Payload, &p)
		ev.Payload = p
	case EventChatMessage:
		var p struct {
			ChatMessage
			AltText string `json:"text"`
		}
		err = decodePayload(w.Payload, &p)
		if p.Text == "" {
			p.Text = p.AltText
		}
		if err == nil && p.Text == "" {
			err = errors.New("chat message without text")
		}
		ev.Payload = p.ChatMessage
	case EventRoomEnded:
		var p RoomEnded
		err = decodePayload(w.Payload, &p)
		ev.Payload = p
	default:
		return RealtimeEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
	if err != nil {
		return RealtimeEvent{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, w.Type, err)
	}

	if (ev.Type == EventParticipantJoined || ev.Type == EventParticipantLeft) && ev.UserID == "" {
		return RealtimeEvent{}, fmt.Errorf("%w: %s without user_id", ErrMalformedEvent, ev.Type)
	}
	return ev, nil
}

func decodePayload(raw json.RawMessage, dst interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// EncodeEvent serializes an outbound frame.
func EncodeEvent(ev RealtimeEvent) ([]byte, error) {
	if ev.Payload != nil && ev.Payload.eventType() != ev.Type {
		return nil, fmt.Errorf("%w: payload %T does not match type %s", ErrMalformedEvent, ev.Payload, ev.Type)
	}

	w := wireEvent{Type: ev.Type, RoomID: ev.RoomID, UserID: ev.UserID}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}
