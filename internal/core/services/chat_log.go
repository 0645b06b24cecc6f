package services

import (
	"sort"
	"sync"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/pkg/cache"
	"meetclient/pkg/observer"
)

// historyMatchWindow bounds how far apart a live message and its stored copy in
// fetched history may be stamped and still count as the same message.
const historyMatchWindow = 5 * time.Second

// ChatLog is the ordered chat view of the current room. Messages carrying an
// id are kept once even when the channel replays them after a reconnect.
type ChatLog struct {
	mu       sync.RWMutex
	roomID   domain.RoomID
	messages []chatEntry
	ids      map[string]struct{}
	seen     *cache.Cache[string, struct{}]
	limit    int

	subscribers observer.Set[domain.Message]
}

type chatEntry struct {
	domain.Message
	live bool
}

// NewChatLog keeps at most limit messages (0 means unbounded) and remembers
// message ids for dedupeTTL.
func NewChatLog(dedupeTTL time.Duration, limit int) *ChatLog {
	return &ChatLog{
		ids:   map[string]struct{}{},
		seen:  cache.New[string, struct{}](dedupeTTL, dedupeTTL),
		limit: limit,
	}
}

// Reset clears the log for another room.
func (l *ChatLog) Reset(roomID domain.RoomID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roomID = roomID
	l.messages = nil
	l.ids = map[string]struct{}{}
	l.seen.Clear()
}

// Seed merges history fetched over the room API and places it by timestamp.
// History may be fetched after live messages arrived; a history row matching
// a live message by sender, text and time replaces it instead of repeating it.
func (l *ChatLog) Seed(history []domain.Message) {
	l.mu.Lock()
	for _, m := range history {
		if l.knownLocked(m.ID) {
			continue
		}
		if i := l.liveMatchLocked(m); i >= 0 {
			l.messages[i] = chatEntry{Message: m}
			l.rememberLocked(m.ID)
			continue
		}
		l.messages = append(l.messages, chatEntry{Message: m})
		l.rememberLocked(m.ID)
	}
	sort.SliceStable(l.messages, func(i, j int) bool {
		return l.messages[i].Timestamp.Before(l.messages[j].Timestamp)
	})
	l.trimLocked()
	l.mu.Unlock()
}

// knownLocked reports whether id is in the log or was seen within the dedupe TTL.
func (l *ChatLog) knownLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := l.ids[id]; ok {
		return true
	}
	_, ok := l.seen.Get(id)
	return ok
}

func (l *ChatLog) rememberLocked(id string) {
	if id == "" {
		return
	}
	l.ids[id] = struct{}{}
	l.seen.Set(id, struct{}{})
}

func (l *ChatLog) liveMatchLocked(m domain.Message) int {
	for i, e := range l.messages {
		if !e.live || e.UserID != m.UserID || e.Message.Message != m.Message {
			continue
		}
		if d := e.Timestamp.Sub(m.Timestamp); d <= historyMatchWindow && d >= -historyMatchWindow {
			return i
		}
	}
	return -1
}

// Append records a chat_message event. It reports whether the message was new.
func (l *ChatLog) Append(ev domain.RealtimeEvent) bool {
	chat, ok := ev.Payload.(domain.ChatMessage)
	if !ok {
		return false
	}

	l.mu.Lock()
	if l.roomID != "" && ev.RoomID != l.roomID {
		l.mu.Unlock()
		return false
	}
	if l.knownLocked(chat.ID) {
		l.mu.Unlock()
		return false
	}
	l.rememberLocked(chat.ID)

	ts := chat.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg := domain.Message{
		ID:        chat.ID,
		RoomID:    ev.RoomID,
		UserID:    ev.UserID,
		UserName:  chat.UserName,
		Message:   chat.Text,
		Timestamp: ts,
	}
	l.messages = append(l.messages, chatEntry{Message: msg, live: true})
	l.trimLocked()
	l.mu.Unlock()

	l.subscribers.Publish(msg)
	return true
}

// trimLocked drops the oldest messages over the limit. Their ids stay in the
// TTL cache only.
func (l *ChatLog) trimLocked() {
	if l.limit <= 0 || len(l.messages) <= l.limit {
		return
	}
	cut := len(l.messages) - l.limit
	for _, e := range l.messages[:cut] {
		delete(l.ids, e.ID)
	}
	l.messages = append([]chatEntry(nil), l.messages[cut:]...)
}

// Messages returns a copy of the log in display order.
func (l *ChatLog) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.messages))
	for i, e := range l.messages {
		out[i] = e.Message
	}
	return out
}

// Subscribe registers fn for every newly appended live message.
func (l *ChatLog) Subscribe(fn func(domain.Message)) func() {
	return l.subscribers.Add(fn)
}

// Close stops the dedupe sweeper.
func (l *ChatLog) Close() {
	l.seen.Stop()
}
