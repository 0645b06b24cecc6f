package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"

	"go.uber.org/zap"
)

// RoomClient talks to the room routes of the meeting backend.
type RoomClient struct {
	*client
}

var _ ports.RoomAPI = (*RoomClient)(nil)

func NewRoomClient(cfg Config, httpClient *http.Client, credentials ports.CredentialSource, observer Observer, log *zap.Logger) *RoomClient {
	return &RoomClient{client: newClient(cfg, httpClient, credentials, observer, log)}
}

func (c *RoomClient) CreateRoom(ctx context.Context) (*domain.Room, error) {
	var room domain.Room
	if err := c.do(ctx, http.MethodPost, "/rooms", "/rooms", nil, &room); err != nil {
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

func (c *RoomClient) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	var room domain.Room
	if err := c.do(ctx, http.MethodGet, "/rooms/:id", roomPath(roomID, ""), nil, &room); err != nil {
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

func (c *RoomClient) JoinRoom(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Room, error) {
	var room domain.Room
	if err := c.do(ctx, http.MethodPost, "/rooms/:id/join", roomPath(roomID, "/join"), identity, &room); err != nil {
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

// LeaveRoom leaves the room. Leaving a room the caller is no longer in
// succeeds with the current snapshot.
func (c *RoomClient) LeaveRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	var room domain.Room
	err := c.do(ctx, http.MethodPost, "/rooms/:id/leave", roomPath(roomID, "/leave"), nil, &room)
	if err != nil {
		if notInRoom(err) {
			return c.GetRoom(ctx, roomID)
		}
		return nil, err
	}
	room.Normalize()
	return &room, nil
}

func (c *RoomClient) EndRoom(ctx context.Context, roomID domain.RoomID) error {
	return c.do(ctx, http.MethodDelete, "/rooms/:id", roomPath(roomID, ""), nil, nil)
}

func (c *RoomClient) GetParticipants(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	var participants []domain.Participant
	if err := c.do(ctx, http.MethodGet, "/rooms/:id/participants", roomPath(roomID, "/participants"), nil, &participants); err != nil {
		return nil, err
	}
	for i := range participants {
		participants[i].Normalize()
	}
	return participants, nil
}

func (c *RoomClient) ListMyRooms(ctx context.Context) ([]*domain.Room, error) {
	var rooms []*domain.Room
	if err := c.do(ctx, http.MethodGet, "/rooms/my-rooms", "/rooms/my-rooms", nil, &rooms); err != nil {
		return nil, err
	}
	out := rooms[:0]
	for _, r := range rooms {
		if r == nil {
			continue
		}
		r.Normalize()
		out = append(out, r)
	}
	return out, nil
}

func (c *RoomClient) ListMessages(ctx context.Context, roomID domain.RoomID, limit, offset int) ([]domain.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := roomPath(roomID, "/messages")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var messages []domain.Message
	if err := c.do(ctx, http.MethodGet, "/rooms/:id/messages", path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func roomPath(roomID domain.RoomID, suffix string) string {
	return fmt.Sprintf("/rooms/%s%s", url.PathEscape(string(roomID)), suffix)
}

func notInRoom(err error) bool {
	appErr := apperrors.GetAppError(err)
	if appErr == nil || appErr.HTTPStatus != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(appErr.Message), "not found in room")
}
