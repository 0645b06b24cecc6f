package media

import (
	"context"
	"errors"
	"image"
	"os"
	"strings"
	"sync/atomic"

	"meetclient/internal/core/domain"
	"meetclient/internal/core/ports"
	apperrors "meetclient/pkg/errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// localTrack is the part of a mediadevices track the provider relies on.
type localTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Close() error
}

// videoSource and audioSource are satisfied by mediadevices.VideoTrack and
// mediadevices.AudioTrack.
type videoSource interface {
	Transform(fns ...video.TransformFunc)
}

type audioSource interface {
	Transform(fns ...audio.TransformFunc)
}

type captureFunc func(mediadevices.MediaStreamConstraints) ([]localTrack, error)

// DeviceProvider opens local camera and microphone tracks through
// mediadevices. Drivers are registered by blank-importing the mediadevices
// driver packages in the binary.
type DeviceProvider struct {
	capture captureFunc
	devices func(kind domain.TrackKind) int
	logger  *zap.SugaredLogger
}

var _ ports.DeviceProvider = (*DeviceProvider)(nil)

func NewDeviceProvider(logger *zap.SugaredLogger) *DeviceProvider {
	return &DeviceProvider{
		capture: getUserMedia,
		devices: registeredDevices,
		logger:  logger,
	}
}

func getUserMedia(c mediadevices.MediaStreamConstraints) ([]localTrack, error) {
	stream, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	out := make([]localTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out, nil
}

func registeredDevices(kind domain.TrackKind) int {
	filter := driver.FilterVideoRecorder()
	if kind == domain.TrackKindAudio {
		filter = driver.FilterAudioRecorder()
	}
	return len(driver.GetManager().Query(filter))
}

// StreamConstraints maps capture constraints onto a GetUserMedia request.
// Echo cancellation and noise suppression have no mediadevices equivalent and
// are left to the audio driver.
func StreamConstraints(c domain.MediaConstraints) mediadevices.MediaStreamConstraints {
	var msc mediadevices.MediaStreamConstraints

	if c.Video.Enabled {
		v := c.Video
		msc.Video = func(t *mediadevices.MediaTrackConstraints) {
			if v.Width > 0 {
				t.Width = prop.Int(v.Width)
			}
			if v.Height > 0 {
				t.Height = prop.Int(v.Height)
			}
			if v.FrameRate > 0 {
				t.FrameRate = prop.Float(v.FrameRate)
			}
		}
	}

	if c.Audio.Enabled {
		a := c.Audio
		msc.Audio = func(t *mediadevices.MediaTrackConstraints) {
			if a.SampleRate > 0 {
				t.SampleRate = prop.Int(a.SampleRate)
			}
		}
	}

	return msc
}

// Open requests the tracks described by constraints. GetUserMedia cannot be
// interrupted; when ctx ends first, tracks it still returns are closed.
func (p *DeviceProvider) Open(ctx context.Context, constraints domain.MediaConstraints) ([]ports.DeviceTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewCanceledError(err)
	}

	type result struct {
		tracks []localTrack
		err    error
	}
	done := make(chan result, 1)
	go func() {
		tracks, err := p.capture(StreamConstraints(constraints))
		done <- result{tracks: tracks, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			late := <-done
			closeAll(late.tracks)
		}()
		return nil, apperrors.NewCanceledError(ctx.Err())
	}

	if r.err != nil {
		return nil, p.classify(constraints, r.err)
	}

	tracks := make([]ports.DeviceTrack, 0, len(r.tracks))
	for _, t := range r.tracks {
		kind, ok := trackKind(t.Kind())
		if !ok {
			p.logger.Warnw("closing track of unexpected kind", "track_id", t.ID(), "kind", t.Kind().String())
			_ = t.Close()
			continue
		}
		dt := &deviceTrack{track: t, kind: kind}
		dt.enabled.Store(true)
		dt.gate()
		tracks = append(tracks, dt)
	}
	return tracks, nil
}

func (p *DeviceProvider) classify(constraints domain.MediaConstraints, err error) error {
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, os.ErrPermission) || strings.Contains(msg, "permission denied"):
		return apperrors.NewDeviceError(apperrors.DeviceReasonPermissionDenied, "camera or microphone access was denied", err)
	case strings.Contains(msg, "failed to find") || strings.Contains(msg, "not found") || strings.Contains(msg, "no such device"):
		if (constraints.Video.Enabled && p.devices(domain.TrackKindVideo) == 0) ||
			(constraints.Audio.Enabled && p.devices(domain.TrackKindAudio) == 0) {
			return apperrors.NewDeviceError(apperrors.DeviceReasonNoDevice, "no camera or microphone found", err)
		}
		return apperrors.NewDeviceError(apperrors.DeviceReasonConstraintUnsatisfiable, "no device supports the requested quality", err)
	default:
		return apperrors.NewDeviceError(apperrors.DeviceReasonUnknown, "failed to open capture devices", err)
	}
}

func trackKind(kind webrtc.RTPCodecType) (domain.TrackKind, bool) {
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return domain.TrackKindVideo, true
	case webrtc.RTPCodecTypeAudio:
		return domain.TrackKindAudio, true
	default:
		return "", false
	}
}

func closeAll(tracks []localTrack) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

type deviceTrack struct {
	track   localTrack
	kind    domain.TrackKind
	enabled atomic.Bool
}

func (t *deviceTrack) ID() string              { return t.track.ID() }
func (t *deviceTrack) Kind() domain.TrackKind  { return t.kind }
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *deviceTrack) Stop() error             { return t.track.Close() }

// gate puts the enablement flag in front of the track's reader.
func (t *deviceTrack) gate() {
	switch src := t.track.(type) {
	case videoSource:
		src.Transform(t.gateVideo)
	case audioSource:
		src.Transform(t.gateAudio)
	}
}

// gateVideo replaces frames with black ones of the same size while disabled.
func (t *deviceTrack) gateVideo(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		black := image.NewGray(img.Bounds())
		if release != nil {
			release()
		}
		return black, func() {}, nil
	})
}

// gateAudio replaces samples with silence while disabled.
func (t *deviceTrack) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		silence := wave.NewInt16Interleaved(chunk.ChunkInfo())
		if release != nil {
			release()
		}
		return silence, func() {}, nil
	})
}
