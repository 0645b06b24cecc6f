package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/logger"
	"meetclient/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// Observer receives the latency and outcome of every backend call.
type Observer interface {
	ObserveAPICall(route, outcome string, d time.Duration)
}

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

// client is the shared request path of the room and calls clients.
type client struct {
	baseURL     string
	timeout     time.Duration
	userAgent   string
	http        *http.Client
	credentials ports.CredentialSource
	observer    Observer
	log         *logger.ContextLogger
}

func newClient(cfg Config, httpClient *http.Client, credentials ports.CredentialSource, observer Observer, log *zap.Logger) *client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.RequestTimeout,
		userAgent:   cfg.UserAgent,
		http:        httpClient,
		credentials: credentials,
		observer:    observer,
		log:         logger.NewContextLogger(log),
	}
}

// do sends one authenticated JSON request. route is the path template used
// for metrics and span names; path is the concrete request path.
func (c *client) do(ctx context.Context, method, route, path string, body, out interface{}) error {
	token, ok := c.credentials.Credential()
	if !ok {
		return apperrors.NewAuthError("not signed in")
	}

	requestID := uuid.NewString()
	ctx = logger.WithRequestID(ctx, requestID)
	ctx, span := tracing.TraceAPICall(ctx, method, route)
	start := time.Now()

	err := c.send(ctx, method, path, token, requestID, body, out)

	tracing.End(span, err)
	elapsed := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveAPICall(method+" "+route, outcome(err), elapsed)
	}
	if err != nil {
		c.log.Sugar(ctx).Debugw("api request failed", "method", method, "path", path, "duration", elapsed, "error", err)
	} else {
		c.log.Sugar(ctx).Debugw("api request", "method", method, "path", path, "duration", elapsed)
	}
	return err
}

func (c *client) send(ctx context.Context, method, path, token, requestID string, body, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "failed to encode request body", 0)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "failed to build request", 0)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, callCtx, method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, callCtx, method+" "+path, err)
	}

	if resp.StatusCode >= 400 {
		return responseError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewAPIError("malformed response body", resp.StatusCode, err)
	}
	return nil
}

func transportError(ctx, callCtx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.NewCanceledError(ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeoutError(op, err)
	}
	return apperrors.NewAPIError(fmt.Sprintf("%s failed", op), 0, err)
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// responseError maps a backend error response onto the client taxonomy. The
// backend answers domain violations with 400 and a descriptive message.
func responseError(status int, data []byte) error {
	msg := strings.TrimSpace(string(data))
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	lower := strings.ToLower(msg)

	var appErr *apperrors.AppError
	switch {
	case status == http.StatusUnauthorized:
		appErr = apperrors.NewAppError(apperrors.ErrCodeAuth, msg, status)
	case status == http.StatusForbidden:
		appErr = apperrors.NewAppError(apperrors.ErrCodeForbidden, msg, status)
	case status == http.StatusNotFound:
		appErr = apperrors.NewAppError(apperrors.ErrCodeRoomNotFound, msg, status)
	case status == http.StatusBadRequest && strings.Contains(lower, "ended"):
		appErr = apperrors.NewAppError(apperrors.ErrCodeRoomEnded, msg, status)
	case status == http.StatusBadRequest && (strings.Contains(lower, "capacity") || strings.Contains(lower, "full")):
		appErr = apperrors.NewAppError(apperrors.ErrCodeRoomFull, msg, status)
	default:
		appErr = apperrors.NewAPIError(msg, status, nil)
	}
	if body.Type != "" {
		appErr = appErr.WithContext("type", body.Type)
	}
	return appErr
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := apperrors.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
