package launcher

import (
	"math"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/config"
	"github.com/brentr/gst-rtsp-launch/internal/framework"
)

// Apply configures server and factory from cfg and mounts the factory at
// cfg.MountPath. Optional settings are only touched when they were given, so
// the server keeps its own defaults otherwise.
func Apply(cfg config.ServerConfig, server framework.Server, factory framework.MediaFactory) {
	server.SetService(cfg.Port)

	if cfg.ProfilesSet {
		factory.SetProfiles(cfg.Profiles)
	}

	if cfg.RetransmissionSet {
		factory.SetRetransmissionTime(RetransmissionDuration(cfg.RetransmissionMs))
	}

	if rtcp, ok := factory.(framework.RTCPConfigurer); ok {
		rtcp.SetEnableRTCP(cfg.RTCPEnabled)
	}

	factory.SetLaunch(cfg.Launch)

	// One pipeline instance for every client of the mount point
	factory.SetShared(true)

	mounts := server.MountPoints()
	defer mounts.Release()

	mounts.AddFactory(cfg.MountPath, factory)
}

// RetransmissionDuration converts milliseconds to a duration, saturating at
// the largest representable duration
func RetransmissionDuration(ms uint64) time.Duration {
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// ServiceURL returns the URL clients use to reach the mount point
func ServiceURL(cfg config.ServerConfig) string {
	return "rtsp://127.0.0.1:" + cfg.Port + cfg.MountPath
}
