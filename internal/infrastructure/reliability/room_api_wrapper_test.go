package reliability

import (
	"context"
	"testing"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/pkg/circuitbreaker"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/retry"

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
	return m.Called(ctx, roomID).Error(0)
}

func (m *MockRoomAPI) GetParticipants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	args := m.Called(ctx, roomID)
	participants, _ := args.Get(0).([]domain.Participant)
	return participants, args.Error(1)
}

func (m *MockRoomAPI) ListMyRooms(ctx context.Context) ([]*domain.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]*domain.Room)
	return rooms, args.Error(1)
}

func (m *MockRoomAPI) ListMessages(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, limit, offset)
	messages, _ := args.Get(0).([]domain.Message)
	return messages, args.Error(1)
}

func roomArg(args mock.Arguments, i int) *domain.Room {
	room, _ := args.Get(i).(*domain.Room)
	return room
}

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newWrapper(api *MockRoomAPI, cb circuitbreaker.Config) *RoomAPIWrapper {
	return NewRoomAPIWrapper(api, fastRetry(), cb, zap.NewNop().Sugar())
}

func TestRoomAPIWrapper_RetriesTransientReads(t *testing.T) {
	api := new(MockRoomAPI)
	api.On("GetRoom", mock.Anything, domain.RoomID("r1")).
		Return(nil, apperrors.NewAPIError("bad gateway", 502, nil)).Once()
	api.On("GetRoom", mock.Anything, domain.RoomID("r1")).
		Return(&domain.Room{ID: "r1"}, nil).Once()

	w := newWrapper(api, circuitbreaker.DefaultConfig())
	room, err := w.GetRoom(context.Background(), "r1")

	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), room.ID)
	api.AssertNumberOfCalls(t, "GetRoom", 2)
}

func TestRoomAPIWrapper_DomainErrorsNotRetried(t *testing.T) {
	api := new(MockRoomAPI)
	api.On("GetParticipants", mock.Anything, domain.RoomID("r1")).
		Return(nil, apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, "room not found", 404))

	w := newWrapper(api, circuitbreaker.DefaultConfig())
	_, err := w.GetParticipants(context.Background(), "r1")

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomNotFound))
	api.AssertNumberOfCalls(t, "GetParticipants", 1)
}

func TestRoomAPIWrapper_WritesNotRetried(t *testing.T) {
	api := new(MockRoomAPI)
	api.On("JoinRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).
		Return(nil, apperrors.NewTimeoutError("POST /rooms/r1/join", nil))

	w := newWrapper(api, circuitbreaker.DefaultConfig())
	_, err := w.JoinRoom(context.Background(), "r1", domain.Identity{Name: "Ann"})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeTimeout))
	api.AssertNumberOfCalls(t, "JoinRoom", 1)
}

func TestRoomAPIWrapper_BreakerOpens(t *testing.T) {
	api := new(MockRoomAPI)
	api.On("EndRoom", mock.Anything, domain.RoomID("r1")).
		Return(apperrors.NewAPIError("unavailable", 503, nil))

	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 2
	w := newWrapper(api, cb)

	for i := 0; i < 2; i++ {
		_ = w.EndRoom(context.Background(), "r1")
	}
	err := w.EndRoom(context.Background(), "r1")

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeAPI, appErr.Code)
	assert.Equal(t, "service temporarily unavailable", appErr.Message)
	assert.Equal(t, circuitbreaker.StateOpen, w.circuitBreaker.GetState())
	api.AssertNumberOfCalls(t, "EndRoom", 2)
}

func TestRoomAPIWrapper_DomainErrorsKeepBreakerClosed(t *testing.T) {
	api := new(MockRoomAPI)
	api.On("JoinRoom", mock.Anything, domain.RoomID("r1"), mock.Anything).
		Return(nil, apperrors.NewRoomEndedError("room has ended"))

	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 1
	w := newWrapper(api, cb)

	for i := 0; i < 3; i++ {
		_, err := w.JoinRoom(context.Background(), "r1", domain.Identity{Name: "Ann"})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomEnded))
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.circuitBreaker.GetState())
	assert.Equal(t, 0, w.GetCircuitBreakerStats().FailureCount)
}

func TestRoomAPIWrapper_CanceledRead(t *testing.T) {
	api := new(MockRoomAPI)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newWrapper(api, circuitbreaker.DefaultConfig())
	_, err := w.ListMyRooms(ctx)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCanceled))
	api.AssertNotCalled(t, "ListMyRooms", mock.Anything)
}
