package services

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/pkg/observer"
)

// Stamp orders signals applied to the registry. Higher is newer.
type Stamp uint64

type SignalKind int

const (
	SignalSnapshot SignalKind = iota
	SignalEvent
)

// Signal is one input to Apply: either a baseline participants snapshot or a realtime event.
type Signal struct {
	Kind  SignalKind
	Stamp Stamp

	// At is when the signal was received. It dates leaves and room ends whose
	// payload carries no time.
	At time.Time

	// Snapshot fields. RoomEnded marks a snapshot of an ended room.
	Participants []domain.Participant
	RoomEnded    bool
	EndedAt      time.Time

	Event domain.RealtimeEvent
}

func SnapshotSignal(room *domain.Room, stamp Stamp) Signal {
	var endedAt time.Time
	if room.EndedAt != nil {
		endedAt = *room.EndedAt
	}
	return Signal{
		Kind:         SignalSnapshot,
		Stamp:        stamp,
		At:           time.Now().UTC(),
		Participants: room.Participants,
		RoomEnded:    room.Ended(),
		EndedAt:      endedAt,
	}
}

func ParticipantsSignal(participants []domain.Participant, stamp Stamp) Signal {
	return Signal{Kind: SignalSnapshot, Stamp: stamp, At: time.Now().UTC(), Participants: participants}
}

func EventSignal(ev domain.RealtimeEvent, stamp Stamp) Signal {
	return Signal{Kind: SignalEvent, Stamp: stamp, At: time.Now().UTC(), Event: ev}
}

type ChangeKind string

const (
	ChangeJoined  ChangeKind = "joined"
	ChangeLeft    ChangeKind = "left"
	ChangeUpdated ChangeKind = "updated"
	ChangeEnded   ChangeKind = "ended"
)

type Change struct {
	Kind   ChangeKind
	UserID domain.UserID
}

// Entry is a participant plus the stamp of the last signal that wrote it.
// A tombstone records the leave of a user never seen present; it orders
// later signals but is not a participant.
type Entry struct {
	domain.Participant
	Stamp     Stamp
	Tombstone bool
}

// RegistryState is an immutable participant set. Apply never mutates its input.
type RegistryState struct {
	RoomID  domain.RoomID
	Entries map[domain.UserID]Entry
	Ended   bool

	// Baseline is the stamp of the newest snapshot applied so far.
	Baseline Stamp
}

func NewRegistryState(roomID domain.RoomID) RegistryState {
	return RegistryState{RoomID: roomID, Entries: map[domain.UserID]Entry{}}
}

func (s RegistryState) clone() RegistryState {
	cp := RegistryState{
		RoomID:   s.RoomID,
		Ended:    s.Ended,
		Baseline: s.Baseline,
		Entries:  make(map[domain.UserID]Entry, len(s.Entries)),
	}
	for k, v := range s.Entries {
		cp.Entries[k] = v
	}
	return cp
}

// Active returns the participants with no leftAt, ordered by join time.
func (s RegistryState) Active() []domain.Participant {
	return s.list(true)
}

func (s RegistryState) list(activeOnly bool) []domain.Participant {
	entries := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Tombstone || (activeOnly && !e.Active()) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].JoinedAt.Before(entries[j].JoinedAt)
		}
		if entries[i].Stamp != entries[j].Stamp {
			return entries[i].Stamp < entries[j].Stamp
		}
		return entries[i].UserID < entries[j].UserID
	})

	out := make([]domain.Participant, len(entries))
	for i, e := range entries {
		out[i] = e.Participant
	}
	return out
}

// Apply computes the participant set after sig. A write only replaces an entry
// when its stamp is newer; on equal stamps a leave wins. Once the room has
// ended every signal is ignored.
func Apply(state RegistryState, sig Signal) (RegistryState, []Change) {
	if state.Ended {
		return state, nil
	}

	switch sig.Kind {
	case SignalSnapshot:
		return applySnapshot(state, sig)
	case SignalEvent:
		if state.RoomID != "" && sig.Event.RoomID != state.RoomID {
			return state, nil
		}
		switch sig.Event.Type {
		case domain.EventParticipantJoined:
			return applyJoined(state, sig)
		case domain.EventParticipantLeft:
			return applyLeft(state, sig)
		case domain.EventRoomEnded:
			next := state.clone()
			changes := endRoom(&next, sig.Stamp, orAt(endedAt(sig.Event), sig))
			return next, changes
		}
	}
	return state, nil
}

func applyJoined(state RegistryState, sig Signal) (RegistryState, []Change) {
	payload, _ := sig.Event.Payload.(domain.ParticipantJoined)
	userID := sig.Event.UserID
	cur, exists := state.Entries[userID]

	if !exists && sig.Stamp <= state.Baseline {
		// a newer snapshot did not list this user
		return state, nil
	}

	next := state.clone()
	switch {
	case !exists:
		next.Entries[userID] = Entry{
			Participant: domain.Participant{
				UserID:   userID,
				Name:     payload.Name,
				Avatar:   payload.Avatar,
				JoinedAt: payload.JoinedAt,
			},
			Stamp: sig.Stamp,
		}
		return next, []Change{{Kind: ChangeJoined, UserID: userID}}

	case cur.Active():
		if sig.Stamp > cur.Stamp {
			cur.Stamp = sig.Stamp
		}
		updated := fillProfile(&cur.Participant, payload.Name, payload.Avatar)
		next.Entries[userID] = cur
		if updated {
			return next, []Change{{Kind: ChangeUpdated, UserID: userID}}
		}
		return next, nil

	case sig.Stamp > cur.Stamp:
		cur.LeftAt = nil
		cur.Stamp = sig.Stamp
		cur.Tombstone = false
		if !payload.JoinedAt.IsZero() {
			cur.JoinedAt = payload.JoinedAt
		}
		fillProfile(&cur.Participant, payload.Name, payload.Avatar)
		next.Entries[userID] = cur
		return next, []Change{{Kind: ChangeJoined, UserID: userID}}
	}

	// join older than the recorded leave
	return state, nil
}

func applyLeft(state RegistryState, sig Signal) (RegistryState, []Change) {
	payload, _ := sig.Event.Payload.(domain.ParticipantLeft)
	userID := sig.Event.UserID
	leftAt := orAt(payload.LeftAt, sig)
	cur, exists := state.Entries[userID]

	next := state.clone()
	switch {
	case !exists:
		// tombstone so an older snapshot cannot bring the user back; being
		// absent from the baseline already counts as a leave at its stamp
		stamp := sig.Stamp
		if state.Baseline > stamp {
			stamp = state.Baseline
		}
		next.Entries[userID] = Entry{
			Participant: domain.Participant{UserID: userID, LeftAt: &leftAt},
			Stamp:       stamp,
			Tombstone:   true,
		}
		return next, nil

	case cur.Active():
		if sig.Stamp < cur.Stamp {
			return state, nil
		}
		cur.LeftAt = &leftAt
		cur.Stamp = sig.Stamp
		next.Entries[userID] = cur
		return next, []Change{{Kind: ChangeLeft, UserID: userID}}

	case sig.Stamp > cur.Stamp:
		cur.Stamp = sig.Stamp
		next.Entries[userID] = cur
		return next, nil
	}
	return state, nil
}

func applySnapshot(state RegistryState, sig Signal) (RegistryState, []Change) {
	next := state.clone()
	var changes []Change
	rows := collapseRows(sig.Participants)
	seen := make(map[domain.UserID]bool, len(rows))

	for _, p := range rows {
		seen[p.UserID] = true

		cur, exists := next.Entries[p.UserID]
		if !exists && sig.Stamp < state.Baseline {
			continue
		}
		if !exists {
			next.Entries[p.UserID] = Entry{Participant: p, Stamp: sig.Stamp}
			if p.Active() {
				changes = append(changes, Change{Kind: ChangeJoined, UserID: p.UserID})
			}
			continue
		}

		newer := sig.Stamp > cur.Stamp || (sig.Stamp == cur.Stamp && !p.Active())
		if !newer {
			// stale for presence, but may still know the profile
			if fillProfile(&cur.Participant, p.Name, p.Avatar) {
				if cur.JoinedAt.IsZero() {
					cur.JoinedAt = p.JoinedAt
				}
				cur.Tombstone = false
				next.Entries[p.UserID] = cur
				changes = append(changes, Change{Kind: ChangeUpdated, UserID: p.UserID})
			}
			continue
		}

		next.Entries[p.UserID] = Entry{Participant: p, Stamp: sig.Stamp}
		switch {
		case cur.Active() && !p.Active():
			changes = append(changes, Change{Kind: ChangeLeft, UserID: p.UserID})
		case !cur.Active() && p.Active():
			changes = append(changes, Change{Kind: ChangeJoined, UserID: p.UserID})
		case cur.Name != p.Name || cur.Avatar != p.Avatar:
			changes = append(changes, Change{Kind: ChangeUpdated, UserID: p.UserID})
		}
	}

	// Users missing from the snapshot are gone as of its stamp. They stay as
	// tombstones so older joins delivered later cannot resurrect them.
	for userID, cur := range next.Entries {
		if seen[userID] || cur.Stamp > sig.Stamp {
			continue
		}
		wasActive := cur.Active()
		if wasActive {
			leftAt := sig.At
			cur.LeftAt = &leftAt
		}
		cur.Stamp = sig.Stamp
		next.Entries[userID] = cur
		if wasActive {
			changes = append(changes, Change{Kind: ChangeLeft, UserID: userID})
		}
	}

	if sig.Stamp > next.Baseline {
		next.Baseline = sig.Stamp
	}

	if sig.RoomEnded {
		changes = append(changes, endRoom(&next, sig.Stamp, orAt(sig.EndedAt, sig))...)
	}

	sortChanges(changes)
	return next, changes
}

// collapseRows keeps one row per user: the active one if any, else the latest.
func collapseRows(participants []domain.Participant) []domain.Participant {
	index := make(map[domain.UserID]int, len(participants))
	rows := make([]domain.Participant, 0, len(participants))
	for _, p := range participants {
		p.Normalize()
		i, dup := index[p.UserID]
		if !dup {
			index[p.UserID] = len(rows)
			rows = append(rows, p)
			continue
		}
		if rows[i].Active() && !p.Active() {
			continue
		}
		rows[i] = p
	}
	return rows
}

func endRoom(state *RegistryState, stamp Stamp, at time.Time) []Change {
	changes := []Change{}
	for userID, e := range state.Entries {
		if !e.Active() {
			continue
		}
		leftAt := at
		e.LeftAt = &leftAt
		if stamp > e.Stamp {
			e.Stamp = stamp
		}
		state.Entries[userID] = e
		changes = append(changes, Change{Kind: ChangeLeft, UserID: userID})
	}
	sortChanges(changes)
	state.Ended = true
	return append(changes, Change{Kind: ChangeEnded})
}

// orAt falls back to the receipt time of sig when t is unset.
func orAt(t time.Time, sig Signal) time.Time {
	if t.IsZero() {
		return sig.At
	}
	return t
}

func endedAt(ev domain.RealtimeEvent) time.Time {
	if p, ok := ev.Payload.(domain.RoomEnded); ok {
		return p.EndedAt
	}
	return time.Time{}
}

func fillProfile(p *domain.Participant, name, avatar string) bool {
	changed := false
	if p.Name == "" && name != "" {
		p.Name = name
		changed = true
	}
	if p.Avatar == "" && avatar != "" {
		p.Avatar = avatar
		changed = true
	}
	return changed
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Kind == ChangeEnded || changes[j].Kind == ChangeEnded {
			return changes[j].Kind == ChangeEnded && changes[i].Kind != ChangeEnded
		}
		return changes[i].UserID < changes[j].UserID
	})
}

// ParticipantRegistry holds the participant set for the current room. It is
// the only writer of participant presence.
type ParticipantRegistry struct {
	mu    sync.RWMutex
	state RegistryState
	clock atomic.Uint64

	subscribers observer.Set[Change]
}

func NewParticipantRegistry(roomID domain.RoomID) *ParticipantRegistry {
	return &ParticipantRegistry{state: NewRegistryState(roomID)}
}

// Reset starts over for another room. Stamps keep increasing.
func (r *ParticipantRegistry) Reset(roomID domain.RoomID) {
	r.mu.Lock()
	r.state = NewRegistryState(roomID)
	r.mu.Unlock()
}

// NextStamp issues a stamp. Callers fetching a snapshot take the stamp before
// sending the request so that events received meanwhile count as newer.
func (r *ParticipantRegistry) NextStamp() Stamp {
	return Stamp(r.clock.Add(1))
}

func (r *ParticipantRegistry) ApplySnapshot(room *domain.Room, stamp Stamp) []Change {
	return r.apply(SnapshotSignal(room, stamp))
}

func (r *ParticipantRegistry) ApplyParticipants(participants []domain.Participant, stamp Stamp) []Change {
	return r.apply(ParticipantsSignal(participants, stamp))
}

// ApplyEvent stamps ev at receipt and applies it.
func (r *ParticipantRegistry) ApplyEvent(ev domain.RealtimeEvent) []Change {
	return r.apply(EventSignal(ev, r.NextStamp()))
}

func (r *ParticipantRegistry) apply(sig Signal) []Change {
	r.mu.Lock()
	next, changes := Apply(r.state, sig)
	r.state = next
	r.mu.Unlock()

	for _, c := range changes {
		r.subscribers.Publish(c)
	}
	return changes
}

// Active returns the participants currently believed present.
func (r *ParticipantRegistry) Active() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Active()
}

// All includes participants that have left and are still retained. Users only
// ever seen leaving are not listed.
func (r *ParticipantRegistry) All() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.list(false)
}

// Get returns the entry for userID, active or not.
func (r *ParticipantRegistry) Get(userID domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.state.Entries[userID]
	if !ok || e.Tombstone {
		return domain.Participant{}, false
	}
	return e.Participant, true
}

func (r *ParticipantRegistry) Ended() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Ended
}

func (r *ParticipantRegistry) RoomID() domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.RoomID
}

// Subscribe registers fn for every change; the returned func unsubscribes.
func (r *ParticipantRegistry) Subscribe(fn func(Change)) func() {
	return r.subscribers.Add(fn)
}
