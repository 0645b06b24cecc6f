package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"
	"meetclient/pkg/observer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CaptureTrack wraps one device track with its enablement flag.
type CaptureTrack struct {
	track   ports.DeviceTrack
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *CaptureTrack) ID() string             { return t.track.ID() }
func (t *CaptureTrack) Kind() domain.TrackKind { return t.track.Kind() }
func (t *CaptureTrack) Enabled() bool          { return t.enabled.Load() }
func (t *CaptureTrack) Stopped() bool          { return t.stopped.Load() }

func (t *CaptureTrack) setEnabled(enabled bool) {
	t.enabled.Store(enabled)
	t.track.SetEnabled(enabled)
}

func (t *CaptureTrack) stop() error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.enabled.Store(false)
	return t.track.Stop()
}

// CaptureHandle is one capture session: the tracks returned by a single acquire.
type CaptureHandle struct {
	id     string
	tracks []*CaptureTrack
}

func (h *CaptureHandle) ID() string { return h.id }

// Tracks returns every track of the capture session.
func (h *CaptureHandle) Tracks() []*CaptureTrack {
	return append([]*CaptureTrack(nil), h.tracks...)
}

func (h *CaptureHandle) tracksOf(kind domain.TrackKind) []*CaptureTrack {
	var out []*CaptureTrack
	for _, t := range h.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stopped reports whether every track has been stopped.
func (h *CaptureHandle) Stopped() bool {
	for _, t := range h.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

func (h *CaptureHandle) stop() error {
	var errs []error
	for _, t := range h.tracks {
		if err := t.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track %s: %w", t.Kind(), t.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// MediaDeviceController owns the local camera and microphone capture. At most
// one capture session is held at a time.
type MediaDeviceController struct {
	provider ports.DeviceProvider
	logger   *zap.SugaredLogger

	acquireMu sync.Mutex

	mu           sync.Mutex
	current      *CaptureHandle
	videoEnabled bool
	audioEnabled bool

	subscribers observer.Set[domain.MediaState]
}

func NewMediaDeviceController(provider ports.DeviceProvider, logger *zap.SugaredLogger) *MediaDeviceController {
	return &MediaDeviceController{
		provider:     provider,
		logger:       logger,
		videoEnabled: true,
		audioEnabled: true,
	}
}

// Acquire opens camera and microphone with the given constraints. A capture
// still held from an earlier acquire is released first.
func (c *MediaDeviceController) Acquire(ctx context.Context, constraints domain.MediaConstraints) (*CaptureHandle, error) {
	if !constraints.Video.Enabled && !constraints.Audio.Enabled {
		return nil, apperrors.NewInvalidInputError("capture needs video or audio")
	}

	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		c.logger.Warnw("releasing previous capture before acquiring a new one", "capture_id", prev.id)
		if err := c.Release(prev); err != nil {
			c.logger.Warnw("previous capture did not stop cleanly", "capture_id", prev.id, "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCanceledError(err)
	}

	tracks, err := c.provider.Open(ctx, constraints)
	if err != nil {
		return nil, toDeviceError(err)
	}

	handle := &CaptureHandle{id: uuid.NewString()}
	for _, t := range tracks {
		handle.tracks = append(handle.tracks, &CaptureTrack{track: t})
	}

	if err := ctx.Err(); err != nil {
		// abandoned while the device prompt was open
		_ = handle.stop()
		return nil, apperrors.NewCanceledError(err)
	}

	c.mu.Lock()
	for _, t := range handle.tracks {
		switch t.Kind() {
		case domain.TrackKindVideo:
			t.setEnabled(c.videoEnabled)
		case domain.TrackKindAudio:
			t.setEnabled(c.audioEnabled)
		}
	}
	c.current = handle
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Infow("media capture acquired",
		"capture_id", handle.id,
		"video_tracks", state.VideoTracks,
		"audio_tracks", state.AudioTracks,
	)
	c.subscribers.Publish(state)
	return handle, nil
}

// Release stops every track of handle and forgets it if it is the current
// capture. Releasing the same handle again is a no-op.
func (c *MediaDeviceController) Release(handle *CaptureHandle) error {
	if handle == nil {
		return nil
	}

	err := handle.stop()

	c.mu.Lock()
	wasCurrent := c.current == handle
	if wasCurrent {
		c.current = nil
	}
	state := c.stateLocked()
	c.mu.Unlock()

	if wasCurrent {
		c.logger.Infow("media capture released", "capture_id", handle.id)
		c.subscribers.Publish(state)
	}
	return err
}

// ReleaseCurrent releases whatever capture is held.
func (c *MediaDeviceController) ReleaseCurrent() error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	return c.Release(current)
}

// SetVideoEnabled mutes or unmutes the camera without reacquiring it.
func (c *MediaDeviceController) SetVideoEnabled(enabled bool) {
	c.setEnabled(domain.TrackKindVideo, enabled)
}

// SetAudioEnabled mutes or unmutes the microphone without reacquiring it.
func (c *MediaDeviceController) SetAudioEnabled(enabled bool) {
	c.setEnabled(domain.TrackKindAudio, enabled)
}

func (c *MediaDeviceController) setEnabled(kind domain.TrackKind, enabled bool) {
	c.mu.Lock()
	if kind == domain.TrackKindVideo {
		c.videoEnabled = enabled
	} else {
		c.audioEnabled = enabled
	}
	if c.current != nil {
		for _, t := range c.current.tracksOf(kind) {
			if !t.Stopped() {
				t.setEnabled(enabled)
			}
		}
	}
	state := c.stateLocked()
	c.mu.Unlock()

	c.subscribers.Publish(state)
}

func (c *MediaDeviceController) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

func (c *MediaDeviceController) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// Current returns the held capture, or nil.
func (c *MediaDeviceController) Current() *CaptureHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MediaDeviceController) State() domain.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *MediaDeviceController) stateLocked() domain.MediaState {
	state := domain.MediaState{
		Capturing:    c.current != nil,
		VideoEnabled: c.videoEnabled,
		AudioEnabled: c.audioEnabled,
	}
	if c.current != nil {
		state.VideoTracks = len(c.current.tracksOf(domain.TrackKindVideo))
		state.AudioTracks = len(c.current.tracksOf(domain.TrackKindAudio))
	}
	return state
}

// Subscribe registers fn for every capture or enablement change.
func (c *MediaDeviceController) Subscribe(fn func(domain.MediaState)) func() {
	return c.subscribers.Add(fn)
}

func toDeviceError(err error) error {
	if apperrors.Is(err, apperrors.ErrCodeDevice) || apperrors.Is(err, apperrors.ErrCodeCanceled) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewCanceledError(err)
	}
	return apperrors.NewDeviceError(apperrors.DeviceReasonUnknown, "could not access camera or microphone", err)
}
