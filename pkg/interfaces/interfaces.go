// Package interfaces defines the contracts between the session core and its
// external collaborators: the cast wire protocol, device discovery, and
// video source resolution. The core never depends on how these are
// implemented, only on these interfaces, so a simulated receiver and a real
// one are interchangeable.
package interfaces

import (
	"context"
	"strings"

	"cast-proxy-go/pkg/types"
)

// CastClient is an opaque connection to one receiver device.
//
// Implementations speak the actual cast control protocol; the core treats
// the client as a capability handle and never inspects wire details.
type CastClient interface {
	// Connect establishes the control channel to the receiver.
	Connect(ctx context.Context) error

	// Launch starts the media receiver application and returns its player.
	Launch(ctx context.Context) (CastPlayer, error)

	// Status probes receiver liveness. Used by the connection health
	// monitor as a reconnect check.
	Status(ctx context.Context) error

	// OnClose registers a callback invoked when the receiver closes the
	// connection (user stopped casting from another sender, device reboot).
	OnClose(fn func())

	// Close tears down the control channel.
	Close() error
}

// CastPlayer controls media playback on a launched receiver application.
type CastPlayer interface {
	// Load starts playback of the given media.
	Load(ctx context.Context, media types.MediaInfo) error

	// Stop halts playback. May return a benign "no active media session"
	// error when the receiver already tore the session down.
	Stop(ctx context.Context) error

	// Status fetches the current player status.
	Status(ctx context.Context) (*types.PlayerStatus, error)

	// OnStatus registers a callback for receiver-pushed status updates.
	OnStatus(fn func(types.PlayerStatus))
}

// CastDialer creates clients for receiver addresses.
type CastDialer interface {
	Dial(deviceAddress string) (CastClient, error)
}

// SourceResolver turns a web page URL into a playable stream reference.
// Provided externally; the core does not validate how it was derived.
type SourceResolver interface {
	Resolve(ctx context.Context, pageURL string) (*types.Source, error)
}

// DeviceDirectory supplies reachable receiver devices. The directory evicts
// stale devices on its own schedule, except where the session core vetoes
// eviction for devices with an active session.
type DeviceDirectory interface {
	Devices() []types.Device
}

// Broadcaster publishes events to interested subscribers (stats updates,
// recovery progress, health transitions).
type Broadcaster interface {
	Publish(ev types.Event)
}

// IsBenignCastError reports whether err is a protocol error that can be
// safely treated as a no-op, such as stopping a player whose media session
// the receiver already destroyed.
func IsBenignCastError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no active media session") ||
		strings.Contains(msg, "invalid media session id")
}
