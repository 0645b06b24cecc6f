package ports

import (
	"context"
	"time"

	"meetclient/internal/core/domain"
)

// RoomAPI is the bearer-authenticated room request/response API.
type RoomAPI interface {
	CreateRoom(ctx context.Context) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Room, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	EndRoom(ctx context.Context, roomID domain.RoomID) error
	GetParticipants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error)
	ListMyRooms(ctx context.Context) ([]*domain.Room, error)
	ListMessages(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error)
}

// MediaSessionAPI provisions sessions on the external realtime media service.
type MediaSessionAPI interface {
	CreateSession(ctx context.Context, roomID domain.RoomID) (string, error)
	GenerateToken(ctx context.Context, sessionID string) (domain.SessionCredential, error)
}

// ConferencingClient is the embedded conferencing SDK, driven only through its token initializer.
type ConferencingClient interface {
	Init(ctx context.Context, authToken string) error
	Leave(ctx context.Context) error
}

// CredentialSource supplies the bearer credential.
type CredentialSource interface {
	Credential() (string, bool)
	OnCredentialCleared(handler func()) (unsubscribe func())
}

// UserIdentifier is implemented by credential sources that know the caller's user id.
type UserIdentifier interface {
	UserID() domain.UserID
}

// EventChannel is the persistent realtime connection for one room.
type EventChannel interface {
	Connect(ctx context.Context, roomID domain.RoomID, token string) error
	Send(event domain.RealtimeEvent) bool
	OnEvent(handler func(domain.RealtimeEvent)) (unsubscribe func())
	OnStateChange(handler func(domain.ChannelState)) (unsubscribe func())
	OnExhausted(handler func(error)) (unsubscribe func())
	State() domain.ChannelState
	Disconnect()
}

// TransitionPublisher forwards meeting transitions to companion processes.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, t domain.Transition) error
}

// MeetingMetrics receives coordinator-level measurements.
type MeetingMetrics interface {
	RecordMeetingEntered(d time.Duration)
	RecordMeetingFailed(stage string)
	RecordEventReceived(eventType domain.EventType)
	SetActiveParticipants(n int)
}

// Meeting is the caller's view of one meeting attempt.
type Meeting interface {
	ID() string
	RoomID() domain.RoomID
	State() domain.MeetingState
	Err() error
	Room() *domain.Room
	Participants() []domain.Participant
	Messages() []domain.Message
	Leave(ctx context.Context) (*domain.Room, error)
}
