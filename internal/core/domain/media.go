package domain

type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

type VideoConstraints struct {
	Enabled   bool    `yaml:"enabled"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	FrameRate float64 `yaml:"frame_rate"`
}

type AudioConstraints struct {
	Enabled          bool `yaml:"enabled"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	SampleRate       int  `yaml:"sample_rate"`
}

// MediaConstraints are quality hints for a capture request; zero values mean "any".
type MediaConstraints struct {
	Video VideoConstraints `yaml:"video"`
	Audio AudioConstraints `yaml:"audio"`
}

func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{
		Video: VideoConstraints{Enabled: true, Width: 1280, Height: 720},
		Audio: AudioConstraints{Enabled: true, EchoCancellation: true, NoiseSuppression: true},
	}
}

// MediaState is the observable part of the capture controller.
type MediaState struct {
	Capturing    bool `json:"capturing"`
	VideoEnabled bool `json:"video_enabled"`
	AudioEnabled bool `json:"audio_enabled"`
	VideoTracks  int  `json:"video_tracks"`
	AudioTracks  int  `json:"audio_tracks"`
}
