package rtsp

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

func testMedia(t *testing.T, f *MediaFactory) (*Media, *fakeRunner) {
	t.Helper()

	runner := &fakeRunner{}
	media, err := f.construct(context.Background(), mediaEnv{
		newRunner: func() pipeline.Runner { return runner },
		host:      "127.0.0.1",
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("construct returned error: %v", err)
	}
	t.Cleanup(media.Close)
	return media, runner
}

// describe returns the SDP of media, checked to parse back
func describe(t *testing.T, media *Media, host string) string {
	t.Helper()
	out, err := media.SDP(host)
	if err != nil {
		t.Fatalf("SDP returned error: %v", err)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(out); err != nil {
		t.Fatalf("SDP does not parse back: %v\n%s", err, out)
	}
	return string(out)
}

func mediaSections(sdp string) []string {
	parts := strings.Split(sdp, "m=")
	return parts[1:]
}

func TestSDPDefaultProfile(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	media, _ := testMedia(t, f)

	sdp := describe(t, media, "192.168.1.10")

	if !strings.HasPrefix(sdp, "v=0\r\n") {
		t.Errorf("Expected SDP to start with v=0, got %q", sdp)
	}
	if !strings.Contains(sdp, " IN IP4 192.168.1.10\r\n") {
		t.Errorf("Expected origin address, got:\n%s", sdp)
	}

	sections := mediaSections(sdp)
	if len(sections) != 1 {
		t.Fatalf("Expected 1 media section, got %d", len(sections))
	}
	if !strings.HasPrefix(sections[0], "video 0 RTP/AVP 96\r\n") {
		t.Errorf("Unexpected media line %q", sections[0])
	}
	for _, absent := range []string{"a=crypto", "a=rtcp-fb", "rtx/"} {
		if strings.Contains(sdp, absent) {
			t.Errorf("Unexpected %q in plain SDP", absent)
		}
	}
}

func TestSDPAllProfiles(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	f.SetProfiles(profile.Mask(profile.Plain) | profile.Mask(profile.Secure) | profile.Mask(profile.PlainFeedback) | profile.Mask(profile.SecureFeedback))
	f.SetRetransmissionTime(500 * time.Millisecond)
	media, _ := testMedia(t, f)

	sections := mediaSections(describe(t, media, "10.0.0.1"))
	if len(sections) != 4 {
		t.Fatalf("Expected 4 media sections, got %d", len(sections))
	}

	wantLines := []string{
		"video 0 RTP/AVP 96\r\n",
		"video 0 RTP/SAVP 96\r\n",
		"video 0 RTP/AVPF 96 97\r\n",
		"video 0 RTP/SAVPF 96 97\r\n",
	}
	for i, want := range wantLines {
		if !strings.HasPrefix(sections[i], want) {
			t.Errorf("Section %d: expected %q, got %q", i, want, sections[i])
		}
		if !strings.Contains(sections[i], "a=control:stream=0\r\n") {
			t.Errorf("Section %d: missing control attribute", i)
		}
	}

	key := "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" + base64.StdEncoding.EncodeToString(media.key)
	for i, secure := range []bool{false, true, false, true} {
		if strings.Contains(sections[i], key) != secure {
			t.Errorf("Section %d: crypto attribute presence should be %v", i, secure)
		}
	}

	for i, feedback := range []bool{false, false, true, true} {
		hasNack := strings.Contains(sections[i], "a=rtcp-fb:96 nack\r\n")
		hasRtx := strings.Contains(sections[i], "a=fmtp:97 apt=96;rtx-time=500\r\n") &&
			strings.Contains(sections[i], "a=rtpmap:97 rtx/90000\r\n")
		if hasNack != feedback || hasRtx != feedback {
			t.Errorf("Section %d: feedback attributes should be %v (nack=%v rtx=%v)", i, feedback, hasNack, hasRtx)
		}
	}
}

func TestSDPFeedbackWithoutRetransmission(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	f.SetProfiles(profile.Mask(profile.PlainFeedback))
	media, _ := testMedia(t, f)

	sdp := describe(t, media, "10.0.0.1")
	if !strings.Contains(sdp, "m=video 0 RTP/AVPF 96\r\n") {
		t.Errorf("Expected AVPF section without rtx payload, got:\n%s", sdp)
	}
	if strings.Contains(sdp, "rtx") {
		t.Error("Expected no rtx attributes without a retransmission time")
	}
}

func TestSDPIPv6(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	media, _ := testMedia(t, f)

	sdp := describe(t, media, "::1")
	if !strings.Contains(sdp, " IN IP6 ::1\r\n") || !strings.Contains(sdp, "c=IN IP6 ::\r\n") {
		t.Errorf("Expected IPv6 addresses, got:\n%s", sdp)
	}
}

func TestRTXPayloadTypes(t *testing.T) {
	streams := []pipeline.Stream{
		{Index: 0, PayloadType: 96},
		{Index: 1, PayloadType: 97},
		{Index: 2, PayloadType: 0},
	}

	got := rtxPayloadTypes(streams)
	want := map[int]int{0: 98, 1: 99, 2: 100}
	for index, pt := range want {
		if got[index] != pt {
			t.Errorf("Stream %d: expected rtx pt %d, got %d", index, pt, got[index])
		}
	}
}

func TestSDPRetransmissionNeedsRTCP(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	f.SetProfiles(profile.Mask(profile.PlainFeedback))
	f.SetRetransmissionTime(500 * time.Millisecond)
	f.SetEnableRTCP(false)
	media, _ := testMedia(t, f)

	sdp := describe(t, media, "10.0.0.1")
	if !strings.Contains(sdp, "m=video 0 RTP/AVPF 96\r\n") {
		t.Errorf("Expected AVPF section without rtx payload, got:\n%s", sdp)
	}
	if strings.Contains(sdp, "rtx") || strings.Contains(sdp, "nack") {
		t.Error("Expected no retransmission offered without RTCP")
	}
}

func TestMediaSharedClients(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	f.SetShared(true)
	media, runner := testMedia(t, f)

	a := []Destination{{Stream: 0, Host: "10.0.0.1", RTPPort: 5000, RTCPPort: 5001}}
	b := []Destination{{Stream: 0, Host: "10.0.0.2", RTPPort: 5000}}

	if err := media.SetClients("a", a); err != nil {
		t.Fatalf("SetClients returned error: %v", err)
	}
	if err := media.SetClients("b", b); err != nil {
		t.Fatalf("SetClients returned error: %v", err)
	}
	if media.ClientCount() != 2 || media.relays[0].targetCount() != 2 {
		t.Errorf("Expected 2 clients, got %d clients and %d relay targets", media.ClientCount(), media.relays[0].targetCount())
	}
	if starts, _ := runner.counts(); starts != 1 {
		t.Errorf("Expected one pipeline start for both clients, got %d", starts)
	}
	spec, _ := runner.last()
	if spec.Sinks[0] != media.relays[0].sinkPort() {
		t.Errorf("Expected the pipeline sent to the relay, got %+v", spec.Sinks)
	}

	dests := media.Destinations()
	if len(dests) != 2 || dests[0].Host != "10.0.0.1" || dests[1].Host != "10.0.0.2" {
		t.Errorf("Unexpected destinations %+v", dests)
	}

	// Changing one client's ports leaves the pipeline alone
	a[0].RTPPort = 6000
	if err := media.SetClients("a", a); err != nil {
		t.Fatalf("SetClients returned error: %v", err)
	}
	media.RemoveClients("b")
	if starts, stops := runner.counts(); starts != 1 || stops != 0 {
		t.Errorf("Expected the pipeline untouched, got %d starts and %d stops", starts, stops)
	}
	if media.relays[0].targetCount() != 1 {
		t.Errorf("Expected 1 relay target, got %d", media.relays[0].targetCount())
	}

	media.RemoveClients("a")
	if runner.Running() {
		t.Error("Expected pipeline stopped without clients")
	}

	// Shared media is cached by the factory
	again, err := f.construct(context.Background(), mediaEnv{})
	if err != nil || again != media {
		t.Errorf("Expected cached media, got %v (err %v)", again, err)
	}

	media.Close()
	if f.cached() == nil || !f.cached().closed {
		t.Error("Expected cached media marked closed")
	}
	if err := media.SetClients("a", a); err == nil {
		t.Error("Expected closed media to refuse clients")
	}
}

func TestMediaStartFailure(t *testing.T) {
	f := NewMediaFactory()
	f.SetLaunch(testLaunch)
	media, runner := testMedia(t, f)
	runner.startErr = errors.New("no gst-launch")

	err := media.SetClients("a", []Destination{{Stream: 0, Host: "10.0.0.1", RTPPort: 5000}})
	if err == nil {
		t.Fatal("Expected start error")
	}
	if media.ClientCount() != 0 || media.relays[0].targetCount() != 0 {
		t.Error("Expected the failed client rolled back")
	}
	if err := media.SetClients("a", []Destination{{Stream: 3, Host: "10.0.0.1", RTPPort: 5000}}); err == nil {
		t.Error("Expected error for an unknown stream")
	}
}
