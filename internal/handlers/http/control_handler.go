package http

import (
	"context"
	"net/http"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	"meetclient/internal/infrastructure/monitoring"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MeetingService is the part of the coordinator the control API drives.
type MeetingService interface {
	State() domain.MeetingState
	Current() (ports.Meeting, bool)
	SendChat(text string) bool
}

// MediaService is the part of the media controller the control API drives.
type MediaService interface {
	State() domain.MediaState
	SetVideoEnabled(enabled bool)
	SetAudioEnabled(enabled bool)
}

type HealthService interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

// ControlHandler serves the local status and control API of a running
// meeting client.
type ControlHandler struct {
	meetings MeetingService
	media    MediaService
	health   HealthService
	metrics  http.Handler
	logger   *zap.SugaredLogger
}

// NewControlHandler creates the handler. health and metrics may be nil.
func NewControlHandler(
	meetings MeetingService,
	media MediaService,
	health HealthService,
	metrics http.Handler,
	logger *zap.SugaredLogger,
) *ControlHandler {
	return &ControlHandler{
		meetings: meetings,
		media:    media,
		health:   health,
		metrics:  metrics,
		logger:   logger,
	}
}

func (h *ControlHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	meeting := router.Group("/meeting")
	{
		meeting.GET("", h.GetMeeting)
		meeting.GET("/participants", h.GetParticipants)
		meeting.GET("/messages", h.GetMessages)
		meeting.POST("/chat", h.SendChat)
		meeting.POST("/media", h.SetMedia)
		meeting.POST("/leave", h.Leave)
	}
}

func (h *ControlHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ControlHandler) GetMeeting(c *gin.Context) {
	resp := gin.H{
		"state": h.meetings.State(),
		"media": h.media.State(),
	}

	if m, ok := h.meetings.Current(); ok {
		resp["id"] = m.ID()
		resp["room_id"] = m.RoomID()
		resp["state"] = m.State()
		if room := m.Room(); room != nil {
			resp["room"] = room
		}
		if err := m.Err(); err != nil {
			resp["error"] = err.Error()
			if code := apperrors.CodeOf(err); code != "" {
				resp["error_code"] = code
			}
			if stage := apperrors.StageOf(err); stage != "" {
				resp["stage"] = stage
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ControlHandler) GetParticipants(c *gin.Context) {
	m, ok := h.meetings.Current()
	if !ok {
		_ = c.Error(apperrors.NewNotInMeetingError())
		return
	}

	participants := m.Participants()
	if participants == nil {
		participants = []domain.Participant{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":      m.RoomID(),
		"participants": participants,
	})
}

func (h *ControlHandler) GetMessages(c *gin.Context) {
	m, ok := h.meetings.Current()
	if !ok {
		_ = c.Error(apperrors.NewNotInMeetingError())
		return
	}

	messages := m.Messages()
	if messages == nil {
		messages = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":  m.RoomID(),
		"messages": messages,
	})
}

func (h *ControlHandler) SendChat(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateChatMessage(req.Message); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if h.meetings.State() != domain.MeetingJoined {
		_ = c.Error(apperrors.NewNotInMeetingError())
		return
	}

	if !h.meetings.SendChat(req.Message) {
		_ = c.Error(apperrors.NewChannelError("message was not sent", nil))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

func (h *ControlHandler) SetMedia(c *gin.Context) {
	var req struct {
		Video *bool `json:"video"`
		Audio *bool `json:"audio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Video == nil && req.Audio == nil {
		_ = c.Error(apperrors.NewInvalidInputError("video or audio is required"))
		return
	}

	if req.Video != nil {
		h.media.SetVideoEnabled(*req.Video)
	}
	if req.Audio != nil {
		h.media.SetAudioEnabled(*req.Audio)
	}
	h.logger.Infow("media toggled",
		"video", req.Video,
		"audio", req.Audio,
	)

	c.JSON(http.StatusOK, gin.H{"media": h.media.State()})
}

func (h *ControlHandler) Leave(c *gin.Context) {
	m, ok := h.meetings.Current()
	if !ok || m.State().Terminal() {
		_ = c.Error(apperrors.NewNotInMeetingError())
		return
	}

	room, err := m.Leave(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state": m.State(),
		"room":  room,
	})
}
