package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	"meetclient/pkg/circuitbreaker"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/retry"

	"go.uber.org/zap"
)

// RoomAPIWrapper wraps a RoomAPI with a circuit breaker. Reads are retried
// on transient failures; writes are never retried.
type RoomAPIWrapper struct {
	api    ports.RoomAPI
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var _ ports.RoomAPI = (*RoomAPIWrapper)(nil)

func NewRoomAPIWrapper(
	api ports.RoomAPI,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RoomAPIWrapper {
	if cbConfig.IsFailure == nil {
		cbConfig.IsFailure = countsAgainstBreaker
	}
	retryConfig.ShouldRetry = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrOpen) && apperrors.Retryable(err)
	}
	retryConfig.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Debugw("retrying room api call", "attempt", attempt, "delay", delay, "error", err)
	}

	wrapper := &RoomAPIWrapper{
		api:            api,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("room api circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// countsAgainstBreaker limits breaker failures to transport trouble; domain
// answers like ROOM_ENDED mean the backend is healthy.
func countsAgainstBreaker(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeTimeout:
		return true
	case apperrors.ErrCodeAPI:
		return apperrors.Retryable(err)
	default:
		return false
	}
}

func (w *RoomAPIWrapper) CreateRoom(ctx context.Context) (*domain.Room, error) {
	return guard(ctx, w.circuitBreaker, func() (*domain.Room, error) {
		return w.api.CreateRoom(ctx)
	})
}

func (w *RoomAPIWrapper) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return read(ctx, w, func() (*domain.Room, error) {
		return w.api.GetRoom(ctx, roomID)
	})
}

func (w *RoomAPIWrapper) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Room, error) {
	return guard(ctx, w.circuitBreaker, func() (*domain.Room, error) {
		return w.api.JoinRoom(ctx, roomID, identity)
	})
}

func (w *RoomAPIWrapper) LeaveRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return guard(ctx, w.circuitBreaker, func() (*domain.Room, error) {
		return w.api.LeaveRoom(ctx, roomID)
	})
}

func (w *RoomAPIWrapper) EndRoom(ctx context.Context, roomID domain.RoomID) error {
	_, err := guard(ctx, w.circuitBreaker, func() (struct{}, error) {
		return struct{}{}, w.api.EndRoom(ctx, roomID)
	})
	return err
}

func (w *RoomAPIWrapper) GetParticipants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	return read(ctx, w, func() ([]domain.Participant, error) {
		return w.api.GetParticipants(ctx, roomID)
	})
}

func (w *RoomAPIWrapper) ListMyRooms(ctx context.Context) ([]*domain.Room, error) {
	return read(ctx, w, func() ([]*domain.Room, error) {
		return w.api.ListMyRooms(ctx)
	})
}

func (w *RoomAPIWrapper) ListMessages(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	return read(ctx, w, func() ([]domain.Message, error) {
		return w.api.ListMessages(ctx, roomID, limit, offset)
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *RoomAPIWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}

func read[T any](ctx context.Context, w *RoomAPIWrapper, fn func() (T, error)) (T, error) {
	result, err := retry.RetryWithResult(ctx, w.retryConfig, func() (T, error) {
		return guard(ctx, w.circuitBreaker, fn)
	})
	if err != nil && !apperrors.IsAppError(err) && ctx.Err() != nil {
		err = apperrors.NewCanceledError(ctx.Err())
	}
	return result, err
}

func guard[T any](ctx context.Context, cb *circuitbreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := circuitbreaker.Do(ctx, cb, fn)
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return result, apperrors.NewAPIError("service temporarily unavailable", http.StatusServiceUnavailable, err)
	case err != nil && !apperrors.IsAppError(err) && ctx.Err() != nil:
		return result, apperrors.NewCanceledError(ctx.Err())
	}
	return result, err
}
