package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"meetclient/internal/core/domain"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/observer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockRoomAPI struct {
	mock.Mock
}

func (m *MockRoomAPI) CreateRoom(ctx context.Context) (*domain.Room, error) {
	args := m.Called(ctx)
	return roomArg(args, 0), args.Error(1)
}

func (m *MockRoomAPI) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, roomID)
	return roomArg(args, 0), args.Error(1)
}

func (m *MockRoomAPI) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Room, error) {
	args := m.Called(ctx, roomID, identity)
	return roomArg(args, 0), args.Error(1)
}

func (m *MockRoomAPI) LeaveRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, roomID)
	return roomArg(args, 0), args.Error(1)
}

func (m *MockRoomAPI) EndRoom(ctx context.Context, roomID domain.RoomID) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockRoomAPI) GetParticipants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	args := m.Called(ctx, roomID)
	ps, _ := args.Get(0).([]domain.Participant)
	return ps, args.Error(1)
}

func (m *MockRoomAPI) ListMyRooms(ctx context.Context) ([]*domain.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]*domain.Room)
	return rooms, args.Error(1)
}

func (m *MockRoomAPI) ListMessages(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, limit, offset)
	msgs, _ := args.Get(0).([]domain.Message)
	return msgs, args.Error(1)
}

func roomArg(args mock.Arguments, i int) *domain.Room {
	room, _ := args.Get(i).(*domain.Room)
	return room
}

type MockMediaSessionAPI struct {
	mock.Mock
}

func (m *MockMediaSessionAPI) CreateSession(ctx context.Context, roomID domain.RoomID) (string, error) {
	args := m.Called(ctx, roomID)
	return args.String(0), args.Error(1)
}

func (m *MockMediaSessionAPI) GenerateToken(ctx context.Context, sessionID string) (domain.SessionCredential, error) {
	args := m.Called(ctx, sessionID)
	cred, _ := args.Get(0).(domain.SessionCredential)
	return cred, args.Error(1)
}

type MockConferencing struct {
	mock.Mock
}

func (m *MockConferencing) Init(ctx context.Context, authToken string) error {
	return m.Called(ctx, authToken).Error(0)
}

func (m *MockConferencing) Leave(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeCredentials struct {
	mu      sync.Mutex
	token   string
	userID  domain.UserID
	cleared observer.Set[struct{}]
}

func (f *fakeCredentials) Credential() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.token != ""
}

func (f *fakeCredentials) OnCredentialCleared(handler func()) func() {
	return f.cleared.Add(func(struct{}) { handler() })
}

func (f *fakeCredentials) UserID() domain.UserID { return f.userID }

func (f *fakeCredentials) Clear() {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
	f.cleared.Publish(struct{}{})
}

type fakeChannel struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	state       domain.ChannelState
	sent        []domain.RealtimeEvent

	events    observer.Set[domain.RealtimeEvent]
	states    observer.Set[domain.ChannelState]
	exhausted observer.Set[error]
}

func (f *fakeChannel) Connect(ctx context.Context, roomID domain.RoomID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		f.state = domain.ChannelConnecting
		return f.connectErr
	}
	f.state = domain.ChannelOpen
	return nil
}

func (f *fakeChannel) Send(ev domain.RealtimeEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != domain.ChannelOpen {
		return false
	}
	f.sent = append(f.sent, ev)
	return true
}

func (f *fakeChannel) OnEvent(h func(domain.RealtimeEvent)) func()      { return f.events.Add(h) }
func (f *fakeChannel) OnStateChange(h func(domain.ChannelState)) func() { return f.states.Add(h) }
func (f *fakeChannel) OnExhausted(h func(error)) func()                 { return f.exhausted.Add(h) }

func (f *fakeChannel) State() domain.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.state = domain.ChannelDisconnected
	f.mu.Unlock()
}

func (f *fakeChannel) setState(s domain.ChannelState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.states.Publish(s)
}

func (f *fakeChannel) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type coordinatorFixture struct {
	rooms    *MockRoomAPI
	sessions *MockMediaSessionAPI
	conf     *MockConferencing
	creds    *fakeCredentials
	channel  *fakeChannel
	registry *ParticipantRegistry
	coord    *RoomSessionCoordinator

	mu          sync.Mutex
	transitions []domain.Transition
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		rooms:    new(MockRoomAPI),
		sessions: new(MockMediaSessionAPI),
		conf:     new(MockConferencing),
		creds:    &fakeCredentials{token: "bearer-1", userID: "u1"},
		channel:  &fakeChannel{},
		registry: NewParticipantRegistry(""),
	}
	chat := NewChatLog(time.Minute, 0)
	t.Cleanup(chat.Close)

	cfg := DefaultCoordinatorConfig()
	cfg.ChatHistoryLimit = 0
	f.coord = NewRoomSessionCoordinator(CoordinatorDeps{
		Rooms:        f.rooms,
		Sessions:     f.sessions,
		Conferencing: f.conf,
		Credentials:  f.creds,
		Channel:      f.channel,
		Registry:     f.registry,
		Chat:         chat,
	}, cfg, zap.NewNop().Sugar())
	f.coord.Subscribe(func(tr domain.Transition) {
		f.mu.Lock()
		f.transitions = append(f.transitions, tr)
		f.mu.Unlock()
	})

	f.conf.On("Leave", mock.Anything).Return(nil).Maybe()
	return f
}

func (f *coordinatorFixture) states() []domain.MeetingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MeetingState, 0, len(f.transitions))
	for _, tr := range f.transitions {
		out = append(out, tr.To)
	}
	return out
}

func (f *coordinatorFixture) expectEnter(room *domain.Room) {
	f.rooms.On("JoinRoom", mock.Anything, room.ID, mock.Anything).Return(room, nil)
	f.sessions.On("CreateSession", mock.Anything, room.ID).Return("sess-1", nil)
	f.sessions.On("GenerateToken", mock.Anything, "sess-1").
		Return(domain.SessionCredential{SessionID: "sess-1", AuthToken: "media-token"}, nil)
	f.conf.On("Init", mock.Anything, "media-token").Return(nil)
}

func testRoom(id domain.RoomID, names ...string) *domain.Room {
	room := &domain.Room{
		ID:          id,
		CreatedBy:   "u1",
		Status:      domain.RoomStatusActive,
		MaxCapacity: domain.DefaultMaxCapacity,
		CreatedAt:   time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	for i, name := range names {
		room.Participants = append(room.Participants, domain.Participant{
			UserID:   domain.UserID("u" + string(rune('1'+i))),
			Name:     name,
			JoinedAt: room.CreatedAt.Add(time.Duration(i) * time.Minute),
		})
	}
	return room
}

var ann = domain.Identity{Name: "Ann"}

func TestCoordinator_CreateThenJoin(t *testing.T) {
	f := newCoordinatorFixture(t)
	created := testRoom("r1")
	f.rooms.On("CreateRoom", mock.Anything).Return(created, nil).Once()
	f.rooms.On("JoinRoom", mock.Anything, domain.RoomID("r1"), ann).Return(testRoom("r1", "Ann"), nil).Once()

	room, err := f.coord.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusActive, room.Status)
	assert.Empty(t, room.Participants)

	joined, err := f.coord.JoinRoom(context.Background(), room.ID, ann)
	require.NoError(t, err)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "Ann", joined.Participants[0].Name)
	assert.Nil(t, joined.Participants[0].LeftAt)
	f.rooms.AssertExpectations(t)
}

func TestCoordinator_JoinRejectsInvalidIdentity(t *testing.T) {
	f := newCoordinatorFixture(t)

	_, err := f.coord.JoinRoom(context.Background(), "r1", domain.Identity{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	f.rooms.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_EnterMeeting(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann", "Bob"))

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	assert.Equal(t, domain.MeetingJoined, handle.State())
	assert.Equal(t, domain.MeetingJoined, f.coord.State())
	assert.Equal(t, "media-token", handle.Credential().AuthToken)
	assert.Len(t, handle.Participants(), 2)
	assert.Equal(t, []domain.MeetingState{
		domain.MeetingJoining,
		domain.MeetingSessionProvisioning,
		domain.MeetingChannelConnecting,
		domain.MeetingJoined,
	}, f.states())
	assert.Same(t, handle, f.coord.Meeting())
}

func TestCoordinator_EnterMeetingConcurrent(t *testing.T) {
	f := newCoordinatorFixture(t)
	room := testRoom("r1", "Ann")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.rooms.On("JoinRoom", mock.Anything, room.ID, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(room, nil).Once()
	f.sessions.On("CreateSession", mock.Anything, room.ID).Return("sess-1", nil).Once()
	f.sessions.On("GenerateToken", mock.Anything, "sess-1").Return(domain.SessionCredential{AuthToken: "t"}, nil).Once()
	f.conf.On("Init", mock.Anything, "t").Return(nil).Once()

	type result struct {
		handle *MeetingHandle
		err    error
	}
	first := make(chan result, 1)
	go func() {
		h, err := f.coord.EnterMeeting(context.Background(), room.ID, ann)
		first <- result{h, err}
	}()

	<-entered
	_, err := f.coord.EnterMeeting(context.Background(), room.ID, ann)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadyInProgress))
	close(release)

	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, domain.MeetingJoined, res.handle.State())

	_, err = f.coord.EnterMeeting(context.Background(), room.ID, ann)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAlreadyInProgress), "a live meeting also blocks")
	f.sessions.AssertNumberOfCalls(t, "CreateSession", 1)
	assert.Equal(t, 1, f.channel.connects)
}

func TestCoordinator_EndedRoomNeverProvisions(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.rooms.On("JoinRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).
		Return(nil, apperrors.NewRoomEndedError("room has ended")).Once()

	_, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomEnded))
	assert.Equal(t, domain.StageJoining, apperrors.StageOf(err))

	assert.Equal(t, domain.MeetingFailed, f.coord.State())
	assert.NotContains(t, f.states(), domain.MeetingSessionProvisioning)
	f.sessions.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything)
	f.rooms.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything)
}

func TestCoordinator_RoomEndedEvent(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann", "Bob"))

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	f.channel.events.Publish(domain.RealtimeEvent{Type: domain.EventRoomEnded, RoomID: "r1", UserID: "u1"})

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("meeting was not torn down")
	}
	assert.Equal(t, domain.MeetingEnded, handle.State())
	assert.Empty(t, f.registry.Active())
	assert.True(t, f.registry.Ended())
	assert.True(t, handle.Room().Ended())
	assert.Equal(t, 1, f.channel.Disconnects())
	f.rooms.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything)
}

func TestCoordinator_DisconnectKeepsParticipants(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	f.channel.events.Publish(domain.RealtimeEvent{
		Type:    domain.EventParticipantJoined,
		RoomID:  "r1",
		UserID:  "u7",
		Payload: domain.ParticipantJoined{Name: "Cid"},
	})
	f.channel.setState(domain.ChannelDisconnected)
	f.channel.setState(domain.ChannelConnecting)

	assert.Equal(t, domain.MeetingJoined, handle.State())
	assert.Len(t, handle.Participants(), 2)
}

func TestCoordinator_RoomOmitsUsersOnlySeenLeaving(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann", "Bob"))

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	f.channel.events.Publish(domain.RealtimeEvent{Type: domain.EventParticipantLeft, RoomID: "r1", UserID: "u2"})
	f.channel.events.Publish(domain.RealtimeEvent{Type: domain.EventParticipantLeft, RoomID: "r1", UserID: "ghost"})

	room := handle.Room()
	require.NotNil(t, room)
	require.Len(t, room.Participants, 2)
	for _, p := range room.Participants {
		assert.NotEqual(t, domain.UserID("ghost"), p.UserID)
	}
	bob := room.Participants[1]
	assert.Equal(t, domain.UserID("u2"), bob.UserID)
	require.NotNil(t, bob.LeftAt)
	assert.False(t, bob.LeftAt.IsZero())
	assert.Len(t, room.ActiveParticipants(), 1)
}

func TestCoordinator_ReopenRefreshesBaseline(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann", "Bob"))
	f.rooms.On("GetParticipants", mock.Anything, domain.RoomID("r1")).
		Return(testRoom("r1", "Ann").Participants, nil)

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)
	require.Len(t, handle.Participants(), 2)

	f.channel.setState(domain.ChannelOpen)

	assert.Eventually(t, func() bool {
		return len(handle.Participants()) == 1
	}, time.Second, 10*time.Millisecond, "Bob left while the channel was down")
}

func TestCoordinator_LeaveTwice(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))
	leftAt := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	after := testRoom("r1", "Ann")
	after.Participants[0].LeftAt = &leftAt
	f.rooms.On("LeaveRoom", mock.Anything, domain.RoomID("r1")).Return(after, nil).Once()

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	first, err := f.coord.LeaveRoom(context.Background(), "r1")
	require.NoError(t, err)
	again, err := handle.Leave(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.NotNil(t, again.Participants[0].LeftAt)
	assert.Equal(t, domain.MeetingEnded, handle.State())
	f.rooms.AssertNumberOfCalls(t, "LeaveRoom", 1)
	<-handle.Done()
}

func TestCoordinator_SoftChannelFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))
	f.channel.connectErr = apperrors.NewChannelError("dial failed", nil)

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingJoined, handle.State())
	assert.Equal(t, 0, f.channel.Disconnects(), "channel keeps reconnecting")
}

func TestCoordinator_ChannelAuthFailureReleasesEverything(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))
	f.channel.connectErr = apperrors.NewAuthError("handshake rejected")
	f.rooms.On("LeaveRoom", mock.Anything, domain.RoomID("r1")).Return(testRoom("r1"), nil).Once()

	_, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))
	assert.Equal(t, domain.StageChannelConnecting, apperrors.StageOf(err))

	f.rooms.AssertCalled(t, "LeaveRoom", mock.Anything, domain.RoomID("r1"))
	f.conf.AssertCalled(t, "Leave", mock.Anything)
	assert.Equal(t, 1, f.channel.Disconnects())
}

func TestCoordinator_AbandonedDuringProvisioning(t *testing.T) {
	f := newCoordinatorFixture(t)
	room := testRoom("r1", "Ann")
	ctx, cancel := context.WithCancel(context.Background())
	f.rooms.On("JoinRoom", mock.Anything, room.ID, mock.Anything).Return(room, nil).Once()
	f.sessions.On("CreateSession", mock.Anything, room.ID).
		Run(func(mock.Arguments) { cancel() }).
		Return("", context.Canceled).Once()
	f.rooms.On("LeaveRoom", mock.Anything, room.ID).Return(testRoom("r1"), nil).Once()

	_, err := f.coord.EnterMeeting(ctx, room.ID, ann)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCanceled))
	assert.Equal(t, domain.StageSessionProvisioning, apperrors.StageOf(err))

	f.sessions.AssertNotCalled(t, "GenerateToken", mock.Anything, mock.Anything)
	f.conf.AssertNotCalled(t, "Init", mock.Anything, mock.Anything)
	f.rooms.AssertExpectations(t)
	assert.Equal(t, 0, f.channel.connects)
}

func TestCoordinator_ChannelExhausted(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))
	f.rooms.On("LeaveRoom", mock.Anything, domain.RoomID("r1")).Return(testRoom("r1"), nil).Maybe()

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	f.channel.exhausted.Publish(apperrors.NewChannelError("gave up after 5 attempts", nil))
	<-handle.Done()

	assert.Equal(t, domain.MeetingFailed, handle.State())
	assert.True(t, apperrors.Is(handle.Err(), apperrors.ErrCodeChannel))
}

func TestCoordinator_CredentialCleared(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	f.creds.Clear()
	<-handle.Done()

	assert.Equal(t, domain.MeetingFailed, handle.State())
	assert.True(t, apperrors.Is(handle.Err(), apperrors.ErrCodeAuth))

	_, err = f.coord.EnterMeeting(context.Background(), "r1", ann)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))
}

func TestCoordinator_EndRoom(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann", "Bob"))
	f.rooms.On("EndRoom", mock.Anything, domain.RoomID("r1")).Return(nil).Once()

	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	require.NoError(t, f.coord.EndRoom(context.Background(), "r1"))
	assert.Equal(t, domain.MeetingEnded, handle.State())
	assert.Empty(t, handle.Participants())
}

func TestCoordinator_EndRoomForbidden(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.rooms.On("EndRoom", mock.Anything, domain.RoomID("r1")).
		Return(apperrors.NewForbiddenError("only the room creator can end the room")).Once()

	err := f.coord.EndRoom(context.Background(), "r1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeForbidden))
}

func TestCoordinator_SendChat(t *testing.T) {
	f := newCoordinatorFixture(t)
	assert.False(t, f.coord.SendChat("hello"), "no meeting")

	f.expectEnter(testRoom("r1", "Ann"))
	handle, err := f.coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)

	assert.True(t, f.coord.SendChat("hello"))
	assert.False(t, f.coord.SendChat("   "))

	require.Len(t, f.channel.sent, 1)
	sent := f.channel.sent[0]
	assert.Equal(t, domain.UserID("u1"), sent.UserID)
	chat := sent.Payload.(domain.ChatMessage)
	assert.NotEmpty(t, chat.ID)

	// the hub echoes the message back with the same id
	f.channel.events.Publish(sent)
	msgs := handle.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Message)
	assert.Equal(t, "Ann", msgs[0].UserName)
}

func TestCoordinator_CredentialClearedDuringConferencingInit(t *testing.T) {
	f := newCoordinatorFixture(t)
	room := testRoom("r1", "Ann")
	initStarted := make(chan struct{})
	releaseInit := make(chan struct{})
	f.rooms.On("JoinRoom", mock.Anything, room.ID, mock.Anything).Return(room, nil).Once()
	f.sessions.On("CreateSession", mock.Anything, room.ID).Return("sess-1", nil).Once()
	f.sessions.On("GenerateToken", mock.Anything, "sess-1").
		Return(domain.SessionCredential{SessionID: "sess-1", AuthToken: "media-token"}, nil).Once()
	f.conf.On("Init", mock.Anything, "media-token").
		Run(func(mock.Arguments) {
			close(initStarted)
			<-releaseInit
		}).
		Return(nil).Once()

	errc := make(chan error, 1)
	go func() {
		_, err := f.coord.EnterMeeting(context.Background(), room.ID, ann)
		errc <- err
	}()

	<-initStarted
	f.creds.Clear()
	require.Eventually(t, func() bool { return f.channel.Disconnects() >= 1 }, time.Second, 5*time.Millisecond,
		"teardown should run while Init is still blocked")
	close(releaseInit)

	err := <-errc
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeAuth))

	select {
	case <-f.coord.Meeting().Done():
	case <-time.After(time.Second):
		t.Fatal("attempt was never fully released")
	}

	f.conf.AssertNumberOfCalls(t, "Leave", 1)
	assert.Equal(t, 0, f.channel.events.Len())
	assert.Equal(t, 0, f.channel.states.Len())
	assert.Equal(t, 0, f.channel.exhausted.Len())
	assert.Equal(t, 0, f.channel.connects)
	f.rooms.AssertNotCalled(t, "LeaveRoom", mock.Anything, mock.Anything)
}

type blockingPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	states []domain.MeetingState
}

func (p *blockingPublisher) PublishTransition(ctx context.Context, t domain.Transition) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.states = append(p.states, t.To)
	p.mu.Unlock()
	return nil
}

func (p *blockingPublisher) published() []domain.MeetingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.MeetingState(nil), p.states...)
}

func TestCoordinator_SlowRelayDoesNotBlockMeeting(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.expectEnter(testRoom("r1", "Ann"))
	pub := &blockingPublisher{release: make(chan struct{})}

	cfg := DefaultCoordinatorConfig()
	cfg.ChatHistoryLimit = 0
	cfg.PublishTimeout = 10 * time.Second
	coord := NewRoomSessionCoordinator(CoordinatorDeps{
		Rooms:        f.rooms,
		Sessions:     f.sessions,
		Conferencing: f.conf,
		Credentials:  f.creds,
		Channel:      f.channel,
		Registry:     f.registry,
		Publisher:    pub,
	}, cfg, zap.NewNop().Sugar())

	start := time.Now()
	handle, err := coord.EnterMeeting(context.Background(), "r1", ann)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.MeetingJoined, handle.State())
	assert.Empty(t, pub.published(), "relay is still blocked")

	close(pub.release)
	coord.Close()
	assert.Equal(t, []domain.MeetingState{
		domain.MeetingJoining,
		domain.MeetingSessionProvisioning,
		domain.MeetingChannelConnecting,
		domain.MeetingJoined,
	}, pub.published())

	// transitions after Close are not relayed
	handle.Close()
	assert.Len(t, pub.published(), 4)
}
