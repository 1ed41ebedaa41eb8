// Package framework describes the streaming server the launcher drives. The
// launcher only configures it through these interfaces; protocol handling,
// sessions and pipelines live behind them.
package framework

import (
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/mainloop"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

// Server is an RTSP server instance
type Server interface {
	// SetService sets the port (or service name) to listen on
	SetService(service string)
	Service() string

	// MountPoints acquires the server's mount point registry. The handle
	// must be released.
	MountPoints() MountPoints

	// SessionPool acquires the server's session pool. The handle must be
	// released.
	SessionPool() SessionPool

	// Attach starts serving on loop
	Attach(loop *mainloop.Loop) error
}

// MountPoints maps URI paths to media factories
type MountPoints interface {
	AddFactory(path string, factory MediaFactory)
	RemoveFactory(path string)
	Release()
}

// MediaFactory describes the media served at a mount point
type MediaFactory interface {
	SetProfiles(mask profile.Mask)
	Profiles() profile.Mask

	// SetRetransmissionTime sets how long packets are kept for
	// retransmission. Any non-zero time enables retransmission.
	SetRetransmissionTime(d time.Duration)
	RetransmissionTime() time.Duration
	DoRetransmission() bool

	SetLaunch(launch string)
	Launch() string

	// SetShared makes all clients of the mount share one media instance
	SetShared(shared bool)
	IsShared() bool
}

// RTCPConfigurer is implemented by factories that can turn RTCP off
type RTCPConfigurer interface {
	SetEnableRTCP(enable bool)
	IsRTCPEnabled() bool
}

// SessionPool tracks client sessions
type SessionPool interface {
	// Cleanup removes expired sessions and returns how many were removed
	Cleanup() int
	Release()
}

// CanToggleRTCP reports whether factories of f's type support RTCPConfigurer.
// A typed nil pointer is enough to ask.
func CanToggleRTCP(f MediaFactory) bool {
	_, ok := f.(RTCPConfigurer)
	return ok
}
