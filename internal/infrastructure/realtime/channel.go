package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/observer"
	"meetclient/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	URL              string
	UserAgent        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	SendQueue        int
	Reconnect        retry.Config

	// SendRate and SendBurst limit outbound events; a zero rate disables the limit.
	SendRate  float64
	SendBurst int
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/api/v1",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageBytes:  64 << 10,
		SendQueue:        64,
		Reconnect: retry.Config{
			Enabled:      true,
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		SendRate:  10,
		SendBurst: 20,
	}
}

// Metrics receives channel-level measurements.
type Metrics interface {
	RecordReconnect()
	RecordFrameDropped(reason string)
	RecordSendDropped(reason string)
}

type nopMetrics struct{}

func (nopMetrics) RecordReconnect()          {}
func (nopMetrics) RecordFrameDropped(string) {}
func (nopMetrics) RecordSendDropped(string)  {}

// session is one Connect..Disconnect lifetime, spanning any number of
// reconnects.
type session struct {
	roomID domain.RoomID
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Channel is the realtime event connection for one room at a time.
// Handlers run on the channel's read goroutine and must not call Disconnect
// synchronously.
type Channel struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	metrics Metrics
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	state domain.ChannelState
	sess  *session
	sendq chan []byte

	events     observer.Set[domain.RealtimeEvent]
	states     observer.Set[domain.ChannelState]
	reconnects observer.Set[int]
	exhausted  observer.Set[error]
}

var _ ports.EventChannel = (*Channel)(nil)

func NewChannel(cfg Config, metrics Metrics, logger *zap.SugaredLogger) *Channel {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger,
		state:   domain.ChannelDisconnected,
	}
}

// Connect opens the channel for roomID. It is a no-op while the channel is
// already open for the same room. While a session for the room exists but is
// not open, Connect returns CHANNEL_ERROR carrying the current state and
// leaves the session alone. When the first dial fails for any reason other
// than a rejected credential, Connect returns CHANNEL_ERROR and the channel
// keeps reconnecting in the background.
func (c *Channel) Connect(ctx context.Context, roomID domain.RoomID, token string) error {
	if roomID == "" {
		return apperrors.NewInvalidInputError("room id is required")
	}

	c.mu.Lock()
	if c.sess != nil {
		bound, state := c.sess.roomID, c.state
		c.mu.Unlock()
		switch {
		case bound != roomID:
			return apperrors.NewChannelError(fmt.Sprintf("channel is bound to room %s", bound), nil)
		case state != domain.ChannelOpen:
			return apperrors.NewChannelError(fmt.Sprintf("channel for room %s is %s", bound, state), nil).
				WithContext("state", state.String())
		}
		return nil
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{roomID: roomID, token: token, ctx: sessCtx, cancel: cancel, done: make(chan struct{})}
	c.sess = sess
	c.mu.Unlock()

	c.setState(sess, domain.ChannelConnecting)

	dialCtx, stop := context.WithCancel(ctx)
	unhook := context.AfterFunc(sessCtx, stop)
	conn, err := c.dial(dialCtx, sess)
	unhook()
	stop()

	switch {
	case err == nil:
		sendq := make(chan []byte, c.cfg.SendQueue)
		if !c.markOpen(sess, sendq) {
			conn.Close()
			close(sess.done)
			return apperrors.NewChannelError("channel disconnected while connecting", nil)
		}
		go c.run(sess, conn, sendq)
		return nil

	case apperrors.Is(err, apperrors.ErrCodeAuth) || ctx.Err() != nil || sessCtx.Err() != nil:
		c.endSession(sess)
		close(sess.done)
		if ctx.Err() != nil && !apperrors.Is(err, apperrors.ErrCodeAuth) {
			return apperrors.NewCanceledError(ctx.Err())
		}
		return err

	default:
		c.logger.Warnw("realtime channel connect failed, retrying in background",
			"room_id", roomID,
			"error", err,
		)
		c.setState(sess, domain.ChannelDisconnected)
		go c.run(sess, nil, nil)
		return err
	}
}

func (c *Channel) dial(ctx context.Context, sess *session) (*websocket.Conn, error) {
	u := fmt.Sprintf("%s/ws/room/%s?token=%s",
		strings.TrimRight(c.cfg.URL, "/"),
		url.PathEscape(string(sess.roomID)),
		url.QueryEscape(sess.token),
	)
	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.NewAppError(apperrors.ErrCodeAuth, "realtime handshake rejected", resp.StatusCode)
		}
		return nil, apperrors.NewChannelError("realtime dial failed", err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	return conn, nil
}

// run serves connections for sess until it is disconnected or reconnects
// are exhausted.
func (c *Channel) run(sess *session, conn *websocket.Conn, sendq chan []byte) {
	defer close(sess.done)

	for {
		if conn == nil {
			var err error
			conn, err = c.redial(sess)
			if err != nil {
				if sess.ctx.Err() != nil {
					return
				}
				c.logger.Warnw("realtime channel gave up reconnecting", "room_id", sess.roomID, "error", err)
				c.endSession(sess)
				c.exhausted.Publish(err)
				return
			}
			sendq = make(chan []byte, c.cfg.SendQueue)
			if !c.markOpen(sess, sendq) {
				conn.Close()
				return
			}
			c.logger.Infow("realtime channel reconnected", "room_id", sess.roomID)
		}

		err := c.serve(sess, conn, sendq)
		conn = nil
		if sess.ctx.Err() != nil {
			return
		}
		c.logger.Infow("realtime channel dropped", "room_id", sess.roomID, "error", err)
		c.setState(sess, domain.ChannelDisconnected)
	}
}

func (c *Channel) redial(sess *session) (*websocket.Conn, error) {
	policy := c.cfg.Reconnect
	var lastErr error

	for attempt := 0; policy.Enabled && attempt < policy.MaxAttempts; attempt++ {
		if err := retry.Sleep(sess.ctx, retry.Backoff(policy, attempt)); err != nil {
			return nil, err
		}

		c.metrics.RecordReconnect()
		c.reconnects.Publish(attempt + 1)
		c.setState(sess, domain.ChannelConnecting)

		conn, err := c.dial(sess.ctx, sess)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if sess.ctx.Err() != nil {
			return nil, sess.ctx.Err()
		}
		c.setState(sess, domain.ChannelDisconnected)
		if apperrors.Is(err, apperrors.ErrCodeAuth) {
			break
		}
		c.logger.Debugw("realtime reconnect failed", "room_id", sess.roomID, "attempt", attempt+1, "error", err)
	}

	return nil, apperrors.NewChannelError("reconnect attempts exhausted", lastErr)
}

// serve pumps one connection. It returns when the connection fails or the
// session is canceled.
func (c *Channel) serve(sess *session, conn *websocket.Conn, sendq chan []byte) error {
	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(sess, conn, sendq, readDone)
	}()

	err := c.readPump(sess, conn)
	close(readDone)
	<-writeDone
	conn.Close()

	c.mu.Lock()
	if c.sendq == sendq {
		c.sendq = nil
	}
	c.mu.Unlock()
	return err
}

func (c *Channel) readPump(sess *session, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && sess.ctx.Err() == nil {
				c.logger.Debugw("realtime read failed", "room_id", sess.roomID, "error", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if kind != websocket.TextMessage {
			c.metrics.RecordFrameDropped("binary")
			continue
		}

		ev, err := domain.DecodeEvent(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, domain.ErrUnknownEventType) {
				reason = "unknown_type"
			}
			c.metrics.RecordFrameDropped(reason)
			c.logger.Warnw("dropping realtime frame", "room_id", sess.roomID, "reason", reason, "error", err)
			continue
		}
		if ev.RoomID != sess.roomID {
			c.metrics.RecordFrameDropped("wrong_room")
			continue
		}
		if sess.ctx.Err() != nil {
			return sess.ctx.Err()
		}

		c.events.Publish(ev)
	}
}

func (c *Channel) writePump(sess *session, conn *websocket.Conn, sendq <-chan []byte, readDone <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-sendq:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("realtime write failed", "room_id", sess.roomID, "error", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("realtime ping failed", "room_id", sess.roomID, "error", err)
				conn.Close()
				return
			}

		case <-sess.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			conn.Close()
			return

		case <-readDone:
			return
		}
	}
}

// Send queues an event for the open connection. It never blocks and reports
// false when the event was dropped.
func (c *Channel) Send(event domain.RealtimeEvent) bool {
	c.mu.Lock()
	state, sendq, sess := c.state, c.sendq, c.sess
	c.mu.Unlock()

	if state != domain.ChannelOpen || sendq == nil || sess == nil {
		return c.dropSend("not_open")
	}
	if event.RoomID == "" {
		event.RoomID = sess.roomID
	}
	if event.RoomID != sess.roomID {
		return c.dropSend("wrong_room")
	}

	data, err := domain.EncodeEvent(event)
	if err != nil {
		c.logger.Warnw("dropping unencodable event", "type", event.Type, "error", err)
		return c.dropSend("encode")
	}

	// Cancel only restores tokens when given the reservation's own time, so a
	// send dropped for a full queue gives its token back at now.
	now := time.Now()
	reservation := c.limiter.ReserveN(now, 1)
	if !reservation.OK() || reservation.DelayFrom(now) > 0 {
		reservation.CancelAt(now)
		return c.dropSend("rate_limited")
	}

	select {
	case sendq <- data:
		return true
	default:
		reservation.CancelAt(now)
		return c.dropSend("queue_full")
	}
}

func (c *Channel) dropSend(reason string) bool {
	c.metrics.RecordSendDropped(reason)
	return false
}

// Disconnect closes the channel and waits for its goroutines to exit. It is
// safe to call any number of times from any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}

	c.setState(sess, domain.ChannelClosing)
	sess.cancel()
	<-sess.done
	c.endSession(sess)
}

func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the room the channel is bound to, if any.
func (c *Channel) RoomID() (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "", false
	}
	return c.sess.roomID, true
}

func (c *Channel) OnEvent(handler func(domain.RealtimeEvent)) func() {
	return c.events.Add(handler)
}

func (c *Channel) OnStateChange(handler func(domain.ChannelState)) func() {
	return c.states.Add(handler)
}

// OnReconnect is called with the attempt number before every reconnect dial.
func (c *Channel) OnReconnect(handler func(attempt int)) func() {
	return c.reconnects.Add(handler)
}

func (c *Channel) OnExhausted(handler func(error)) func() {
	return c.exhausted.Add(handler)
}

// setState changes the state if sess is still current and reports whether it
// was. Once a session is closing only closing may be set.
func (c *Channel) setState(sess *session, state domain.ChannelState) bool {
	c.mu.Lock()
	if c.sess != sess || (sess.ctx.Err() != nil && state != domain.ChannelClosing) {
		c.mu.Unlock()
		return false
	}
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.states.Publish(state)
	}
	return true
}

// markOpen moves sess to open with a fresh outbound queue.
func (c *Channel) markOpen(sess *session, sendq chan []byte) bool {
	c.mu.Lock()
	if c.sess != sess || sess.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.sendq = sendq
	changed := c.state != domain.ChannelOpen
	c.state = domain.ChannelOpen
	c.mu.Unlock()

	if changed {
		c.states.Publish(domain.ChannelOpen)
	}
	return true
}

func (c *Channel) endSession(sess *session) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.sendq = nil
	changed := c.state != domain.ChannelDisconnected
	c.state = domain.ChannelDisconnected
	c.mu.Unlock()

	sess.cancel()
	if changed {
		c.states.Publish(domain.ChannelDisconnected)
	}
}
