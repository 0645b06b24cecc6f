//go:build mediadevices

package main

// Capture drivers need cgo and the platform camera and audio headers, so
// they are only linked with -tags mediadevices.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
