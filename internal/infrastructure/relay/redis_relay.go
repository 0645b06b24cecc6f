package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	"meetclient/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const EventMeetingTransition = "meeting.transition"

// Event is one relayed meeting transition.
type Event struct {
	Type       string        `json:"type"`
	InstanceID string        `json:"instance_id"`
	AttemptID  string        `json:"attempt_id"`
	RoomID     domain.RoomID `json:"room_id"`
	UserID     domain.UserID `json:"user_id,omitempty"`
	From       string        `json:"from"`
	State      string        `json:"state"`
	Stage      string        `json:"stage,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

type Config struct {
	ChannelPrefix string
	InstanceID    string
}

// RedisRelay publishes meeting transitions on Redis pub/sub so companion
// processes can follow the meeting.
type RedisRelay struct {
	client   redis.UniversalClient
	cfg      Config
	identity ports.UserIdentifier
	logger   *zap.SugaredLogger
}

var _ ports.TransitionPublisher = (*RedisRelay)(nil)

// NewRedisRelay creates a relay. identity may be nil.
func NewRedisRelay(client redis.UniversalClient, cfg Config, identity ports.UserIdentifier, logger *zap.SugaredLogger) *RedisRelay {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "meetclient"
	}
	return &RedisRelay{
		client:   client,
		cfg:      cfg,
		identity: identity,
		logger:   logger,
	}
}

func (r *RedisRelay) channel(roomID domain.RoomID) string {
	return fmt.Sprintf("%s:%s", r.cfg.ChannelPrefix, roomID)
}

func (r *RedisRelay) PublishTransition(ctx context.Context, t domain.Transition) error {
	event := Event{
		Type:       EventMeetingTransition,
		InstanceID: r.cfg.InstanceID,
		AttemptID:  t.AttemptID,
		RoomID:     t.RoomID,
		From:       t.From.String(),
		State:      t.To.String(),
		Stage:      t.Stage,
		Timestamp:  t.At,
	}
	if r.identity != nil {
		event.UserID = r.identity.UserID()
	}
	if t.Err != nil {
		event.Error = t.Err.Error()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel(t.RoomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	r.logger.Debugw("published meeting transition",
		"room_id", t.RoomID,
		"from", event.From,
		"state", event.State,
	)
	return nil
}

// Subscribe listens for transitions of roomID published by other instances.
// It returns once the subscription is confirmed; handler runs on a relay
// goroutine until stop is called or ctx ends.
func (r *RedisRelay) Subscribe(ctx context.Context, roomID domain.RoomID, handler func(Event)) (stop func() error, err error) {
	pubsub := r.client.Subscribe(ctx, r.channel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ch := pubsub.Channel()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.Warnw("failed to unmarshal event",
						"error", err,
						"payload", utils.TruncateString(msg.Payload, 256),
					)
					continue
				}
				if event.InstanceID != "" && event.InstanceID == r.cfg.InstanceID {
					continue
				}
				handler(event)
			}
		}
	}()

	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			cancel()
			closeErr = pubsub.Close()
			<-done
		})
		return closeErr
	}, nil
}
