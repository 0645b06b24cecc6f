package conferencing

import (
	"context"
	"sync"
	"time"

	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/utils"

	"go.uber.org/zap"
)

// LoggingClient stands in for the embedded conferencing SDK in the headless
// binary. It records init and leave calls and never touches media.
type LoggingClient struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	token    string
	joinedAt time.Time
	inits    int
	leaves   int
}

var _ ports.ConferencingClient = (*LoggingClient)(nil)

func NewLoggingClient(logger *zap.SugaredLogger) *LoggingClient {
	return &LoggingClient{logger: logger}
}

func (c *LoggingClient) Init(ctx context.Context, authToken string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewCanceledError(err)
	}
	if authToken == "" {
		return apperrors.NewInvalidInputError("conferencing token is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		c.logger.Warnw("conferencing client re-initialized without leave")
	}
	c.token = authToken
	c.joinedAt = time.Now()
	c.inits++

	c.logger.Infow("conferencing client initialized", "token", utils.MaskToken(authToken))
	return nil
}

// Leave is a no-op when the client was never initialized.
func (c *LoggingClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return nil
	}
	c.logger.Infow("conferencing client left", "duration", time.Since(c.joinedAt))
	c.token = ""
	c.leaves++
	return nil
}

// Active reports whether the client holds a token.
func (c *LoggingClient) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Calls returns how many times Init and Leave took effect.
func (c *LoggingClient) Calls() (inits, leaves int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.leaves
}
