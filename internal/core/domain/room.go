package domain

import (
	"sort"
	"time"
)

type RoomID string
type UserID string

type RoomStatus string

const (
	RoomStatusActive RoomStatus = "active"
	RoomStatusEnded  RoomStatus = "ended"
)

// DefaultMaxCapacity is what the backend assigns to new rooms.
const DefaultMaxCapacity = 10

type Room struct {
	ID           RoomID        `json:"id"`
	CreatedBy    UserID        `json:"created_by"`
	Status       RoomStatus    `json:"status"`
	Participants []Participant `json:"participants"`
	MaxCapacity  int           `json:"max_capacity"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

type Participant struct {
	UserID   UserID     `json:"user_id"`
	Name     string     `json:"name"`
	Avatar   string     `json:"avatar,omitempty"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Identity is how the local user presents itself when joining a room.
type Identity struct {
	Name   string `json:"user_name" validate:"required,max=100"`
	Avatar string `json:"avatar" validate:"max=2048"`
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

func (r *Room) Ended() bool {
	return r.Status == RoomStatusEnded
}

// Normalize clears zero timestamps the backend emits for unset fields and
// orders participants by join time.
func (r *Room) Normalize() {
	if r.EndedAt != nil && r.EndedAt.IsZero() {
		r.EndedAt = nil
	}
	if r.Participants == nil {
		r.Participants = []Participant{}
	}
	for i := range r.Participants {
		r.Participants[i].Normalize()
	}
	sort.SliceStable(r.Participants, func(i, j int) bool {
		return r.Participants[i].JoinedAt.Before(r.Participants[j].JoinedAt)
	})
}

func (p *Participant) Normalize() {
	if p.LeftAt != nil && p.LeftAt.IsZero() {
		p.LeftAt = nil
	}
}

// ActiveParticipants returns the participants that have not left, in join order.
func (r *Room) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active
}

// Clone returns a deep copy safe to hand to observers.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Participants = append([]Participant(nil), r.Participants...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Message is a chat message as stored by the backend.
type Message struct {
	ID        string    `json:"id"`
	RoomID    RoomID    `json:"room_id"`
	UserID    UserID    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionCredential is what the media session API hands back for one room.
type SessionCredential struct {
	SessionID string
	AuthToken string
	ExpiresAt time.Time
}
