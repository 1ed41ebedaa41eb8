package rtsp

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

// srtpKeyLength is an AES_CM_128 master key plus its 112 bit salt
const srtpKeyLength = 30

// MediaFactory describes the media behind a mount point and creates Media
// for clients. It implements framework.MediaFactory and
// framework.RTCPConfigurer.
type MediaFactory struct {
	mu       sync.Mutex
	profiles profile.Mask
	rtxTime  time.Duration
	rtcp     bool
	launch   string
	shared   bool

	// cached instance when shared
	media *Media
}

// NewMediaFactory creates a factory allowing plain RTP/AVP with RTCP on
func NewMediaFactory() *MediaFactory {
	return &MediaFactory{
		profiles: profile.Default,
		rtcp:     true,
	}
}

func (f *MediaFactory) SetProfiles(mask profile.Mask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = mask
}

func (f *MediaFactory) Profiles() profile.Mask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles
}

// SetRetransmissionTime sets how long sent packets stay available for
// retransmission. Zero turns retransmission off.
func (f *MediaFactory) SetRetransmissionTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtxTime = d
}

func (f *MediaFactory) RetransmissionTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rtxTime
}

func (f *MediaFactory) DoRetransmission() bool {
	return f.RetransmissionTime() > 0
}

func (f *MediaFactory) SetEnableRTCP(enable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcp = enable
}

func (f *MediaFactory) IsRTCPEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rtcp
}

func (f *MediaFactory) SetLaunch(launch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launch = launch
}

func (f *MediaFactory) Launch() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launch
}

func (f *MediaFactory) SetShared(shared bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = shared
}

func (f *MediaFactory) IsShared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shared
}

// construct returns the media for a new client: the cached instance when the
// factory is shared, a fresh one otherwise. Settings are copied, so later
// changes only affect media constructed afterwards.
func (f *MediaFactory) construct(ctx context.Context, env mediaEnv) (*Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.shared && f.media != nil && !f.media.closed {
		return f.media, nil
	}

	streams, err := pipeline.ParseStreams(f.launch)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare media: %w", err)
	}

	key := make([]byte, srtpKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate SRTP key: %w", err)
	}

	media, err := newMedia(ctx, mediaSettings{
		launch:   f.launch,
		streams:  streams,
		profiles: f.profiles,
		rtxTime:  f.rtxTime,
		rtcp:     f.rtcp,
		shared:   f.shared,
		key:      key,
	}, env)
	if err != nil {
		return nil, err
	}

	if f.shared {
		f.media = media
	}
	return media, nil
}

// cached returns the shared media instance, if one exists
func (f *MediaFactory) cached() *Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.media
}
