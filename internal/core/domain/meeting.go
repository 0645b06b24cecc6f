package domain

import "time"

type MeetingState int

const (
	MeetingIdle MeetingState = iota
	MeetingJoining
	MeetingSessionProvisioning
	MeetingChannelConnecting
	MeetingJoined
	MeetingEnded
	MeetingFailed
)

func (s MeetingState) String() string {
	switch s {
	case MeetingIdle:
		return "idle"
	case MeetingJoining:
		return "joining"
	case MeetingSessionProvisioning:
		return "session-provisioning"
	case MeetingChannelConnecting:
		return "channel-connecting"
	case MeetingJoined:
		return "joined"
	case MeetingEnded:
		return "ended"
	case MeetingFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a meeting attempt in this state is over.
func (s MeetingState) Terminal() bool {
	return s == MeetingEnded || s == MeetingFailed
}

// InFlight reports whether an attempt is between idle and a terminal state.
func (s MeetingState) InFlight() bool {
	return s != MeetingIdle && !s.Terminal()
}

func (s MeetingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stage names used on errors returned by enterMeeting.
const (
	StageJoining             = "joining"
	StageSessionProvisioning = "session-provisioning"
	StageTokenExchange       = "token-exchange"
	StageConferencingInit    = "conferencing-init"
	StageChannelConnecting   = "channel-connecting"
)

// Transition is published every time a meeting attempt changes state.
type Transition struct {
	RoomID    RoomID       `json:"room_id"`
	AttemptID string       `json:"attempt_id"`
	From      MeetingState `json:"from"`
	To        MeetingState `json:"to"`
	Stage     string       `json:"stage,omitempty"`
	Err       error        `json:"-"`
	At        time.Time    `json:"at"`
}

type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	default:
		return "unknown"
	}
}

func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
