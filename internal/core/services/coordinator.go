package services

import (
	"context"
	"sync"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/logger"
	"meetclient/pkg/observer"
	"meetclient/pkg/tracing"
	"meetclient/pkg/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type CoordinatorConfig struct {
	// ChatHistoryLimit is how many past messages are fetched when entering a
	// meeting. Zero skips the fetch.
	ChatHistoryLimit int
	TeardownTimeout  time.Duration
	PublishTimeout   time.Duration

	// PublishQueue bounds transitions waiting for the relay publisher. When
	// it is full new transitions are not relayed.
	PublishQueue int
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ChatHistoryLimit: 50,
		TeardownTimeout:  5 * time.Second,
		PublishTimeout:   2 * time.Second,
		PublishQueue:     64,
	}
}

// CoordinatorDeps are the collaborators of a RoomSessionCoordinator.
// Publisher and Metrics are optional.
type CoordinatorDeps struct {
	Rooms        ports.RoomAPI
	Sessions     ports.MediaSessionAPI
	Conferencing ports.ConferencingClient
	Credentials  ports.CredentialSource
	Channel      ports.EventChannel
	Registry     *ParticipantRegistry
	Chat         *ChatLog
	Publisher    ports.TransitionPublisher
	Metrics      ports.MeetingMetrics
}

// RoomSessionCoordinator drives rooms and meetings: the room API calls, the
// media session bridge, the realtime channel and the participant registry.
// It is the only writer of meeting state.
type RoomSessionCoordinator struct {
	rooms        ports.RoomAPI
	sessions     ports.MediaSessionAPI
	conferencing ports.ConferencingClient
	credentials  ports.CredentialSource
	channel      ports.EventChannel
	registry     *ParticipantRegistry
	chat         *ChatLog
	publisher    ports.TransitionPublisher
	metrics      ports.MeetingMetrics

	cfg    CoordinatorConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *meetingAttempt

	subscribers observer.Set[domain.Transition]

	relayq     chan domain.Transition
	relayDone  chan struct{}
	relayClose sync.Once
}

// meetingAttempt is one run of the meeting state machine. Fields below the
// blank line are guarded by the coordinator mutex.
//
// Teardown and EnterMeeting may overlap. Whichever of them sees a resource
// acquired after releasing started releases it, and done is closed only
// once both have finished.
type meetingAttempt struct {
	id       string
	roomID   domain.RoomID
	identity domain.Identity
	started  time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	handle   *MeetingHandle
	done     chan struct{}
	once     sync.Once

	state        domain.MeetingState
	err          error
	room         *domain.Room
	credential   domain.SessionCredential
	joined       bool
	conferencing bool
	lateChannel  bool
	unsubscribe  []func()
	entering     bool
	releasing    bool
	tornDown     bool
}

func NewRoomSessionCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig, logger *zap.SugaredLogger) *RoomSessionCoordinator {
	if deps.Registry == nil {
		deps.Registry = NewParticipantRegistry("")
	}
	if deps.Chat == nil {
		deps.Chat = NewChatLog(10*time.Minute, 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultCoordinatorConfig().TeardownTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultCoordinatorConfig().PublishTimeout
	}
	if cfg.PublishQueue <= 0 {
		cfg.PublishQueue = DefaultCoordinatorConfig().PublishQueue
	}
	c := &RoomSessionCoordinator{
		rooms:        deps.Rooms,
		sessions:     deps.Sessions,
		conferencing: deps.Conferencing,
		credentials:  deps.Credentials,
		channel:      deps.Channel,
		registry:     deps.Registry,
		chat:         deps.Chat,
		publisher:    deps.Publisher,
		metrics:      deps.Metrics,
		cfg:          cfg,
		logger:       logger,
	}
	if c.publisher != nil {
		c.relayq = make(chan domain.Transition, cfg.PublishQueue)
		c.relayDone = make(chan struct{})
		go c.relayLoop()
	}
	return c
}

// Close stops relaying transitions after the queued ones are published.
func (c *RoomSessionCoordinator) Close() {
	if c.relayDone == nil {
		return
	}
	c.relayClose.Do(func() {
		c.mu.Lock()
		close(c.relayq)
		c.relayq = nil
		c.mu.Unlock()
	})
	<-c.relayDone
}

func (c *RoomSessionCoordinator) relayLoop() {
	defer close(c.relayDone)
	for t := range c.relayq {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PublishTimeout)
		if err := c.publisher.PublishTransition(ctx, t); err != nil {
			c.logger.Warnw("failed to relay meeting transition", "room_id", t.RoomID, "error", err)
		}
		cancel()
	}
}

// CreateRoom asks the backend for a new room. It is never retried.
func (c *RoomSessionCoordinator) CreateRoom(ctx context.Context) (*domain.Room, error) {
	room, err := c.rooms.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Infow("room created", "room_id", room.ID, "max_capacity", room.MaxCapacity)
	return room, nil
}

func (c *RoomSessionCoordinator) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return c.rooms.GetRoom(ctx, roomID)
}

// JoinRoom joins roomID with the given display identity and returns the
// server snapshot, which includes the caller.
func (c *RoomSessionCoordinator) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Room, error) {
	if err := validateJoin(roomID, identity); err != nil {
		return nil, err
	}
	return c.rooms.JoinRoom(ctx, roomID, identity)
}

// LeaveRoom leaves roomID. When a meeting for that room is live it is ended
// and torn down as well. Leaving a room twice is not an error.
func (c *RoomSessionCoordinator) LeaveRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	if a := c.liveAttempt(roomID); a != nil {
		return a.handle.Leave(ctx)
	}
	return c.rooms.LeaveRoom(ctx, roomID)
}

// EndRoom ends roomID for everyone. Only the creator may do this.
func (c *RoomSessionCoordinator) EndRoom(ctx context.Context, roomID domain.RoomID) error {
	if err := c.rooms.EndRoom(ctx, roomID); err != nil {
		return err
	}
	c.logger.Infow("room ended", "room_id", roomID)

	if a := c.liveAttempt(roomID); a != nil {
		c.registry.ApplyEvent(domain.RealtimeEvent{
			Type:    domain.EventRoomEnded,
			RoomID:  roomID,
			Payload: domain.RoomEnded{EndedAt: time.Now().UTC()},
		})
		c.transition(a, domain.MeetingEnded, "", nil)
		c.teardown(a, false)
	}
	return nil
}

func (c *RoomSessionCoordinator) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	return c.rooms.GetParticipants(ctx, roomID)
}

func (c *RoomSessionCoordinator) MyRooms(ctx context.Context) ([]*domain.Room, error) {
	return c.rooms.ListMyRooms(ctx)
}

func (c *RoomSessionCoordinator) ChatHistory(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	return c.rooms.ListMessages(ctx, roomID, limit, offset)
}

// EnterMeeting joins roomID, provisions a media session and token, initializes
// the conferencing client and opens the realtime channel, in that order. The
// first hard failure aborts the sequence; the returned error carries the
// failed stage. Cancelling ctx abandons the attempt and releases whatever was
// already set up. A second call while one attempt is in flight or live fails
// with ALREADY_IN_PROGRESS.
func (c *RoomSessionCoordinator) EnterMeeting(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*MeetingHandle, error) {
	if err := validateJoin(roomID, identity); err != nil {
		return nil, err
	}
	bearer, ok := c.credentials.Credential()
	if !ok {
		return nil, apperrors.NewAuthError("sign in before entering a meeting").WithStage(domain.StageJoining)
	}

	if err := c.awaitPreviousTeardown(ctx); err != nil {
		return nil, err
	}
	a, err := c.begin(ctx, roomID, identity)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithMeeting(ctx, string(roomID), a.id)
	ctx, span := tracing.StartSpan(ctx, "meeting.enter", trace.WithAttributes(
		tracing.RoomIDKey.String(string(roomID)),
		tracing.AttemptIDKey.String(a.id),
	))
	defer c.finishEnter(a)
	handle, err := c.enter(ctx, a, bearer)
	tracing.End(span, err)
	if err != nil {
		c.teardown(a, true)
		return nil, err
	}
	return handle, nil
}

// finishEnter releases what enter acquired after a concurrent teardown had
// already started, then lets done close.
func (c *RoomSessionCoordinator) finishEnter(a *meetingAttempt) {
	c.mu.Lock()
	var unsubscribe []func()
	var conferencing, channel bool
	if a.releasing {
		unsubscribe, a.unsubscribe = a.unsubscribe, nil
		conferencing, a.conferencing = a.conferencing, false
		channel = a.lateChannel
	}
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	if channel {
		c.channel.Disconnect()
	}
	if conferencing {
		c.leaveConferencing(a)
	}

	c.mu.Lock()
	a.entering = false
	closeDone := a.tornDown
	c.mu.Unlock()
	if closeDone {
		close(a.done)
	}
}

func (c *RoomSessionCoordinator) awaitPreviousTeardown(ctx context.Context) error {
	c.mu.Lock()
	prev := c.current
	pending := prev != nil && prev.state.Terminal()
	c.mu.Unlock()
	if !pending {
		return nil
	}
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		return apperrors.NewCanceledError(ctx.Err())
	}
}

func (c *RoomSessionCoordinator) begin(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*meetingAttempt, error) {
	c.mu.Lock()
	if c.current != nil && c.current.state.InFlight() {
		c.mu.Unlock()
		return nil, apperrors.NewAlreadyInProgressError("enter meeting")
	}
	a := &meetingAttempt{
		id:       uuid.NewString(),
		roomID:   roomID,
		identity: identity,
		started:  time.Now(),
		done:     make(chan struct{}),
		state:    domain.MeetingJoining,
		entering: true,
	}
	a.ctx, a.cancel = context.WithCancel(logger.WithMeeting(context.WithoutCancel(ctx), string(roomID), a.id))
	a.handle = &MeetingHandle{c: c, a: a}
	c.current = a
	c.mu.Unlock()

	c.registry.Reset(roomID)
	c.chat.Reset(roomID)
	c.addUnsubscribe(a, c.credentials.OnCredentialCleared(func() { c.handleCredentialCleared(a) }))

	c.publish(domain.Transition{
		RoomID:    roomID,
		AttemptID: a.id,
		From:      domain.MeetingIdle,
		To:        domain.MeetingJoining,
		Stage:     domain.StageJoining,
		At:        time.Now().UTC(),
	})
	return a, nil
}

func (c *RoomSessionCoordinator) enter(ctx context.Context, a *meetingAttempt, bearer string) (*MeetingHandle, error) {
	var room *domain.Room
	stamp := c.registry.NextStamp()
	if err := c.runStage(ctx, a, domain.StageJoining, func(ctx context.Context) error {
		r, err := c.rooms.JoinRoom(ctx, a.roomID, a.identity)
		if err != nil {
			return err
		}
		if r.Ended() {
			return apperrors.NewRoomEndedError("room has ended")
		}
		room = r
		return nil
	}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	a.joined = true
	a.room = room.Clone()
	c.mu.Unlock()
	c.registry.ApplySnapshot(room, stamp)
	c.reportParticipants()

	c.transition(a, domain.MeetingSessionProvisioning, domain.StageSessionProvisioning, nil)

	var sessionID string
	if err := c.runStage(ctx, a, domain.StageSessionProvisioning, func(ctx context.Context) error {
		id, err := c.sessions.CreateSession(ctx, a.roomID)
		sessionID = id
		return err
	}); err != nil {
		return nil, err
	}

	var credential domain.SessionCredential
	if err := c.runStage(ctx, a, domain.StageTokenExchange, func(ctx context.Context) error {
		cred, err := c.sessions.GenerateToken(ctx, sessionID)
		credential = cred
		return err
	}); err != nil {
		return nil, err
	}
	if credential.SessionID == "" {
		credential.SessionID = sessionID
	}
	c.mu.Lock()
	a.credential = credential
	c.mu.Unlock()

	if err := c.runStage(ctx, a, domain.StageConferencingInit, func(ctx context.Context) error {
		if err := c.conferencing.Init(ctx, credential.AuthToken); err != nil {
			return err
		}
		c.mu.Lock()
		a.conferencing = true
		c.mu.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}

	if !c.transition(a, domain.MeetingChannelConnecting, domain.StageChannelConnecting, nil) {
		return nil, stageError(domain.StageChannelConnecting, c.attemptErr(ctx, a))
	}
	c.watchChannel(a)

	if err := c.runStage(ctx, a, domain.StageChannelConnecting, func(ctx context.Context) error {
		err := c.channel.Connect(ctx, a.roomID, bearer)
		// teardown may have disconnected before the session existed
		c.mu.Lock()
		a.lateChannel = a.releasing
		c.mu.Unlock()
		if err == nil || apperrors.Is(err, apperrors.ErrCodeAuth) || ctx.Err() != nil {
			return err
		}
		c.logger.Warnw("realtime channel not open yet, reconnecting in background",
			"room_id", a.roomID, "attempt_id", a.id, "error", err)
		return nil
	}); err != nil {
		return nil, err
	}

	c.seedChat(ctx, a)

	if !c.transition(a, domain.MeetingJoined, "", nil) {
		return nil, stageError(domain.StageChannelConnecting, c.attemptErr(ctx, a))
	}
	c.metrics.RecordMeetingEntered(time.Since(a.started))
	c.logger.Infow("meeting entered",
		"room_id", a.roomID,
		"attempt_id", a.id,
		"participants", len(c.registry.Active()),
		"took", time.Since(a.started),
	)
	return a.handle, nil
}

// runStage checks that the attempt may still proceed, then runs fn in a span.
func (c *RoomSessionCoordinator) runStage(ctx context.Context, a *meetingAttempt, stage string, fn func(context.Context) error) error {
	if err := c.attemptErr(ctx, a); err != nil {
		return c.fail(a, stage, err)
	}
	stageCtx, span := tracing.TraceStage(ctx, stage, string(a.roomID))
	err := fn(stageCtx)
	if err != nil && ctx.Err() != nil && !apperrors.Is(err, apperrors.ErrCodeCanceled) {
		err = apperrors.NewCanceledError(ctx.Err())
	}
	tracing.End(span, err)
	if err != nil {
		return c.fail(a, stage, err)
	}
	return nil
}

// attemptErr reports why a can no longer proceed, or nil.
func (c *RoomSessionCoordinator) attemptErr(ctx context.Context, a *meetingAttempt) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCanceledError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !a.state.Terminal() {
		return nil
	}
	if a.err != nil {
		return a.err
	}
	if a.state == domain.MeetingEnded {
		return apperrors.NewRoomEndedError("meeting ended while entering")
	}
	return apperrors.NewCanceledError(nil)
}

func (c *RoomSessionCoordinator) fail(a *meetingAttempt, stage string, err error) error {
	appErr := stageError(stage, err)
	if c.transition(a, domain.MeetingFailed, stage, appErr) {
		c.metrics.RecordMeetingFailed(stage)
		c.logger.Warnw("meeting attempt failed",
			"room_id", a.roomID,
			"attempt_id", a.id,
			"stage", stage,
			"code", appErr.Code,
			"error", appErr.Error(),
		)
	}
	return appErr
}

func stageError(stage string, err error) *apperrors.AppError {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeAPI, "unexpected failure", 0)
	}
	return appErr.WithStage(stage)
}

func (c *RoomSessionCoordinator) seedChat(ctx context.Context, a *meetingAttempt) {
	if c.cfg.ChatHistoryLimit <= 0 {
		return
	}
	history, err := c.rooms.ListMessages(ctx, a.roomID, c.cfg.ChatHistoryLimit, 0)
	if err != nil {
		c.logger.Warnw("chat history unavailable", "room_id", a.roomID, "error", err)
		return
	}
	c.chat.Seed(history)
}

func (c *RoomSessionCoordinator) watchChannel(a *meetingAttempt) {
	c.addUnsubscribe(a,
		c.channel.OnEvent(func(ev domain.RealtimeEvent) { c.handleEvent(a, ev) }),
		c.channel.OnStateChange(func(s domain.ChannelState) { c.handleChannelState(a, s) }),
		c.channel.OnExhausted(func(err error) { c.handleExhausted(a, err) }),
	)
}

// addUnsubscribe keeps fns for teardown, or runs them at once when the
// attempt is already being released.
func (c *RoomSessionCoordinator) addUnsubscribe(a *meetingAttempt, fns ...func()) {
	c.mu.Lock()
	if a.releasing {
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		return
	}
	a.unsubscribe = append(a.unsubscribe, fns...)
	c.mu.Unlock()
}

func (c *RoomSessionCoordinator) handleEvent(a *meetingAttempt, ev domain.RealtimeEvent) {
	if ev.RoomID != a.roomID || !c.isLive(a) {
		return
	}
	_, span := tracing.TraceChannelEvent(a.ctx, string(ev.Type), string(ev.RoomID))
	defer span.End()
	c.metrics.RecordEventReceived(ev.Type)

	switch ev.Type {
	case domain.EventChatMessage:
		c.chat.Append(ev)
		return
	case domain.EventParticipantJoined:
		c.registry.ApplyEvent(ev)
		if p, ok := c.registry.Get(ev.UserID); ok && p.Active() && p.Name == "" {
			go c.refreshBaseline(a)
		}
	case domain.EventParticipantLeft:
		c.registry.ApplyEvent(ev)
	case domain.EventRoomEnded:
		c.registry.ApplyEvent(ev)
		if c.transition(a, domain.MeetingEnded, "", nil) {
			c.logger.Infow("room ended by host", "room_id", a.roomID, "attempt_id", a.id)
			go c.teardown(a, false)
		}
	}
	c.reportParticipants()
}

func (c *RoomSessionCoordinator) handleChannelState(a *meetingAttempt, s domain.ChannelState) {
	c.logger.Debugw("realtime channel state", "room_id", a.roomID, "state", s.String())
	if s == domain.ChannelOpen {
		go c.refreshBaseline(a)
	}
}

func (c *RoomSessionCoordinator) handleExhausted(a *meetingAttempt, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil || appErr.Code != apperrors.ErrCodeChannel {
		appErr = apperrors.NewChannelError("realtime channel lost", err)
	}
	if c.transition(a, domain.MeetingFailed, domain.StageChannelConnecting, appErr) {
		c.metrics.RecordMeetingFailed(domain.StageChannelConnecting)
		c.logger.Errorw("realtime channel exhausted reconnect attempts", "room_id", a.roomID, "error", err)
		go c.teardown(a, true)
	}
}

func (c *RoomSessionCoordinator) handleCredentialCleared(a *meetingAttempt) {
	c.mu.Lock()
	from := a.state
	c.mu.Unlock()
	if c.transition(a, domain.MeetingFailed, "", apperrors.NewAuthError("credential cleared")) {
		c.metrics.RecordMeetingFailed(from.String())
		c.logger.Warnw("credential cleared, leaving meeting", "room_id", a.roomID, "attempt_id", a.id)
		go c.teardown(a, false)
	}
}

// refreshBaseline reconciles the registry against the server participant list.
// The stamp is taken before the request so events received meanwhile win.
func (c *RoomSessionCoordinator) refreshBaseline(a *meetingAttempt) {
	if !c.isLive(a) {
		return
	}
	stamp := c.registry.NextStamp()
	participants, err := c.rooms.GetParticipants(a.ctx, a.roomID)
	if err != nil {
		if a.ctx.Err() == nil {
			c.logger.Warnw("participant baseline refresh failed", "room_id", a.roomID, "error", err)
		}
		return
	}
	if !c.isLive(a) {
		return
	}
	c.registry.ApplyParticipants(participants, stamp)
	c.reportParticipants()
}

func (c *RoomSessionCoordinator) reportParticipants() {
	c.metrics.SetActiveParticipants(len(c.registry.Active()))
}

// transition moves a to state to. It does nothing and returns false when a is
// no longer the current attempt or has already reached a terminal state.
func (c *RoomSessionCoordinator) transition(a *meetingAttempt, to domain.MeetingState, stage string, err error) bool {
	c.mu.Lock()
	if c.current != a || a.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	from := a.state
	a.state = to
	if err != nil {
		a.err = err
	}
	c.mu.Unlock()

	c.publish(domain.Transition{
		RoomID:    a.roomID,
		AttemptID: a.id,
		From:      from,
		To:        to,
		Stage:     stage,
		Err:       err,
		At:        time.Now().UTC(),
	})
	return true
}

func (c *RoomSessionCoordinator) publish(t domain.Transition) {
	c.logger.Infow("meeting state changed",
		"room_id", t.RoomID,
		"attempt_id", t.AttemptID,
		"from", t.From.String(),
		"to", t.To.String(),
		"stage", t.Stage,
	)
	c.subscribers.Publish(t)

	// the queue is sent to under the mutex so Close cannot close it meanwhile
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayq == nil {
		return
	}
	select {
	case c.relayq <- t:
	default:
		c.logger.Warnw("relay queue full, dropping meeting transition", "room_id", t.RoomID, "to", t.To.String())
	}
}

// teardown releases everything the attempt acquired so far. It runs once;
// later calls wait for the first to finish. Anything a still running
// EnterMeeting acquires afterwards is released by finishEnter.
func (c *RoomSessionCoordinator) teardown(a *meetingAttempt, leave bool) {
	a.once.Do(func() {
		c.mu.Lock()
		a.releasing = true
		unsubscribe := a.unsubscribe
		a.unsubscribe = nil
		joined, conferencing := a.joined, a.conferencing
		a.conferencing = false
		c.mu.Unlock()

		for _, fn := range unsubscribe {
			fn()
		}
		a.cancel()

		ctx, cancel := context.WithTimeout(logger.WithMeeting(context.Background(), string(a.roomID), a.id), c.cfg.TeardownTimeout)
		defer cancel()

		c.channel.Disconnect()
		if conferencing {
			c.leaveConferencing(a)
		}
		if leave && joined {
			if _, err := c.rooms.LeaveRoom(ctx, a.roomID); err != nil {
				c.logger.Warnw("best-effort leave failed", "room_id", a.roomID, "error", err)
			}
		}

		c.mu.Lock()
		a.tornDown = true
		closeDone := !a.entering
		c.mu.Unlock()
		if closeDone {
			close(a.done)
		}
		c.logger.Debugw("meeting torn down", "room_id", a.roomID, "attempt_id", a.id, "left_room", leave && joined)
	})
}

func (c *RoomSessionCoordinator) leaveConferencing(a *meetingAttempt) {
	ctx, cancel := context.WithTimeout(logger.WithMeeting(context.Background(), string(a.roomID), a.id), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.conferencing.Leave(ctx); err != nil {
		c.logger.Warnw("conferencing client did not leave cleanly", "room_id", a.roomID, "error", err)
	}
}

func (c *RoomSessionCoordinator) isCurrent(a *meetingAttempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a
}

func (c *RoomSessionCoordinator) isLive(a *meetingAttempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a && !a.state.Terminal()
}

func (c *RoomSessionCoordinator) liveAttempt(roomID domain.RoomID) *meetingAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a := c.current; a != nil && a.roomID == roomID && !a.state.Terminal() {
		return a
	}
	return nil
}

// SendChat sends text to the room of the joined meeting. It reports false when
// no meeting is joined or the channel dropped the message.
func (c *RoomSessionCoordinator) SendChat(text string) bool {
	c.mu.Lock()
	a := c.current
	joined := a != nil && a.state == domain.MeetingJoined
	c.mu.Unlock()
	if !joined {
		return false
	}
	if err := validation.ValidateChatMessage(text); err != nil {
		c.logger.Debugw("chat message rejected", "error", err)
		return false
	}

	ev := domain.RealtimeEvent{
		Type:   domain.EventChatMessage,
		RoomID: a.roomID,
		UserID: c.selfID(),
		Payload: domain.ChatMessage{
			ID:        uuid.NewString(),
			Text:      text,
			UserName:  a.identity.Name,
			Timestamp: time.Now().UTC(),
		},
	}
	if !c.channel.Send(ev) {
		return false
	}
	c.chat.Append(ev)
	return true
}

func (c *RoomSessionCoordinator) selfID() domain.UserID {
	if u, ok := c.credentials.(ports.UserIdentifier); ok {
		return u.UserID()
	}
	return ""
}

// State is the state of the current meeting attempt, or idle.
func (c *RoomSessionCoordinator) State() domain.MeetingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.MeetingIdle
	}
	return c.current.state
}

// Meeting returns the handle of the current attempt, or nil.
func (c *RoomSessionCoordinator) Meeting() *MeetingHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.handle
}

// Current is Meeting behind the ports.Meeting interface.
func (c *RoomSessionCoordinator) Current() (ports.Meeting, bool) {
	h := c.Meeting()
	if h == nil {
		return nil, false
	}
	return h, true
}

// Subscribe registers fn for every meeting state transition.
func (c *RoomSessionCoordinator) Subscribe(fn func(domain.Transition)) func() {
	return c.subscribers.Add(fn)
}

func validateJoin(roomID domain.RoomID, identity domain.Identity) error {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.Struct(identity); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return nil
}

// MeetingHandle is the caller's view of one meeting attempt.
type MeetingHandle struct {
	c *RoomSessionCoordinator
	a *meetingAttempt

	leaveMu sync.Mutex
	left    *domain.Room
}

func (h *MeetingHandle) ID() string            { return h.a.id }
func (h *MeetingHandle) RoomID() domain.RoomID { return h.a.roomID }

// Done is closed once the meeting has been torn down.
func (h *MeetingHandle) Done() <-chan struct{} { return h.a.done }

// Room is the join snapshot with the live participant set applied.
func (h *MeetingHandle) Room() *domain.Room {
	h.c.mu.Lock()
	room := h.a.room.Clone()
	h.c.mu.Unlock()
	if room == nil {
		return nil
	}
	if h.c.isCurrent(h.a) {
		room.Participants = h.c.registry.All()
		if h.c.registry.Ended() && !room.Ended() {
			now := time.Now().UTC()
			room.Status = domain.RoomStatusEnded
			room.EndedAt = &now
		}
	}
	return room
}

// Participants are the participants currently believed present.
func (h *MeetingHandle) Participants() []domain.Participant {
	if !h.c.isCurrent(h.a) {
		return nil
	}
	return h.c.registry.Active()
}

func (h *MeetingHandle) Messages() []domain.Message {
	if !h.c.isCurrent(h.a) {
		return nil
	}
	return h.c.chat.Messages()
}

func (h *MeetingHandle) State() domain.MeetingState {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.a.state
}

// Err is the reason the attempt failed, if it did.
func (h *MeetingHandle) Err() error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.a.err
}

func (h *MeetingHandle) Credential() domain.SessionCredential {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.a.credential
}

// Leave leaves the room and tears the meeting down. Calling it again returns
// the first snapshot without contacting the backend.
func (h *MeetingHandle) Leave(ctx context.Context) (*domain.Room, error) {
	h.leaveMu.Lock()
	defer h.leaveMu.Unlock()
	if h.left != nil {
		return h.left.Clone(), nil
	}

	room, err := h.c.rooms.LeaveRoom(ctx, h.a.roomID)
	h.c.transition(h.a, domain.MeetingEnded, "", nil)
	h.c.teardown(h.a, false)
	if err != nil {
		return nil, err
	}
	h.left = room.Clone()
	return room, nil
}

// Close tears the meeting down without leaving the room. It is safe to call
// more than once.
func (h *MeetingHandle) Close() {
	h.c.transition(h.a, domain.MeetingEnded, "", nil)
	h.c.teardown(h.a, false)
}

type nopMetrics struct{}

func (nopMetrics) RecordMeetingEntered(time.Duration)   {}
func (nopMetrics) RecordMeetingFailed(string)           {}
func (nopMetrics) RecordEventReceived(domain.EventType) {}
func (nopMetrics) SetActiveParticipants(int)            {}
