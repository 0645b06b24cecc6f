package ports

import (
	"context"

	"meetclient/internal/core/domain"
)

// DeviceTrack is one live capture track. A disabled track keeps the device
// open but delivers black frames or silence.
type DeviceTrack interface {
	ID() string
	Kind() domain.TrackKind
	SetEnabled(enabled bool)
	Stop() error
}

// DeviceProvider opens camera and microphone tracks.
type DeviceProvider interface {
	Open(ctx context.Context, constraints domain.MediaConstraints) ([]DeviceTrack, error)
}
