package api

import (
	"context"
	"net/http"
	"time"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"

	"go.uber.org/zap"
)

// CallsClient provisions media sessions through the backend's calls routes.
type CallsClient struct {
	*client
}

var _ ports.MediaSessionAPI = (*CallsClient)(nil)

type createSessionRequest struct {
	RoomID domain.RoomID `json:"roomId"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type tokenRequest struct {
	SessionID string `json:"sessionId"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func NewCallsClient(cfg Config, httpClient *http.Client, credentials ports.CredentialSource, observer Observer, log *zap.Logger) *CallsClient {
	return &CallsClient{client: newClient(cfg, httpClient, credentials, observer, log)}
}

// CreateSession returns the room's media session id. The backend reuses the
// session already stored on the room.
func (c *CallsClient) CreateSession(ctx context.Context, roomID domain.RoomID) (string, error) {
	var resp createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/calls/sessions", "/calls/sessions", createSessionRequest{RoomID: roomID}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", apperrors.NewAPIError("session response has no session id", http.StatusOK, nil)
	}
	return resp.SessionID, nil
}

func (c *CallsClient) GenerateToken(ctx context.Context, sessionID string) (domain.SessionCredential, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/calls/sessions/token", "/calls/sessions/token", tokenRequest{SessionID: sessionID}, &resp); err != nil {
		return domain.SessionCredential{}, err
	}
	if resp.Token == "" {
		return domain.SessionCredential{}, apperrors.NewAPIError("token response has no token", http.StatusOK, nil)
	}
	return domain.SessionCredential{
		SessionID: sessionID,
		AuthToken: resp.Token,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}
