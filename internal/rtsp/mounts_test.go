package rtsp

import (
	"testing"
	"time"

	"github.com/brentr/gst-rtsp-launch/internal/framework"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

func TestMountPointsMatch(t *testing.T) {
	m := NewMountPoints(testLogger())
	video := NewMediaFactory()
	cam := NewMediaFactory()
	root := NewMediaFactory()

	m.AddFactory("/video", video)
	m.AddFactory("video/cam/", cam)

	tests := []struct {
		path  string
		want  *MediaFactory
		mount string
	}{
		{path: "/video", want: video, mount: "/video"},
		{path: "/video/", want: video, mount: "/video"},
		{path: "/video/stream=0", want: video, mount: "/video"},
		{path: "/video/cam/stream=1", want: cam, mount: "/video/cam"},
		{path: "/videos", want: nil},
		{path: "/", want: nil},
	}

	for _, tt := range tests {
		got, mount, ok := m.Match(tt.path)
		if got != tt.want {
			t.Errorf("Match(%q): unexpected factory", tt.path)
		}
		if ok != (tt.want != nil) || mount != tt.mount {
			t.Errorf("Match(%q) = %q, %v", tt.path, mount, ok)
		}
	}

	m.AddFactory("/", root)
	if got, mount, _ := m.Match("/anything"); got != root || mount != "/" {
		t.Errorf("Expected root mount to catch /anything, got %q", mount)
	}

	m.RemoveFactory("/video/cam")
	if got, _, _ := m.Match("/video/cam/stream=0"); got != video {
		t.Error("Expected /video to serve after /video/cam was removed")
	}

	if paths := m.Paths(); len(paths) != 2 || paths[0] != "/" || paths[1] != "/video" {
		t.Errorf("Unexpected paths %v", paths)
	}
}

// foreignFactory is a MediaFactory this package cannot serve
type foreignFactory struct{ framework.MediaFactory }

func TestMountPointsRejectsForeignFactory(t *testing.T) {
	m := NewMountPoints(testLogger())
	m.AddFactory("/video", foreignFactory{})

	if len(m.Paths()) != 0 {
		t.Error("Expected foreign factory to be ignored")
	}
}

func TestMediaFactoryDefaults(t *testing.T) {
	f := NewMediaFactory()

	if f.Profiles() != profile.Default {
		t.Errorf("Expected default profiles, got %v", f.Profiles())
	}
	if !f.IsRTCPEnabled() {
		t.Error("Expected RTCP enabled by default")
	}
	if f.DoRetransmission() || f.RetransmissionTime() != 0 {
		t.Error("Expected retransmission off by default")
	}
	if f.IsShared() {
		t.Error("Expected unshared by default")
	}

	f.SetRetransmissionTime(300 * time.Millisecond)
	if !f.DoRetransmission() {
		t.Error("Expected retransmission on for a non-zero time")
	}

	if !framework.CanToggleRTCP((*MediaFactory)(nil)) {
		t.Error("Expected MediaFactory to support RTCP toggling")
	}
}
