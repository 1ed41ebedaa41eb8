package pipeline

import (
	"errors"
	"strings"
	"testing"
)

func TestParseStreams(t *testing.T) {
	tests := []struct {
		name   string
		launch string
		want   []Stream
	}{
		{
			name:   "h264 with pt",
			launch: "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=96 )",
			want: []Stream{
				{Index: 0, Payloader: "rtph264pay", PayloadType: 96, Media: "video", Encoding: "H264", ClockRate: 90000},
			},
		},
		{
			name:   "default dynamic type",
			launch: "videotestsrc ! vp8enc ! rtpvp8pay name=pay0",
			want: []Stream{
				{Index: 0, Payloader: "rtpvp8pay", PayloadType: 96, Media: "video", Encoding: "VP8", ClockRate: 90000},
			},
		},
		{
			name:   "static type",
			launch: "audiotestsrc ! mulawenc ! rtppcmupay name=pay0",
			want: []Stream{
				{Index: 0, Payloader: "rtppcmupay", PayloadType: 0, Media: "audio", Encoding: "PCMU", ClockRate: 8000},
			},
		},
		{
			name:   "video and audio",
			launch: "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=96 audiotestsrc ! opusenc ! rtpopuspay name=pay1 pt=97 )",
			want: []Stream{
				{Index: 0, Payloader: "rtph264pay", PayloadType: 96, Media: "video", Encoding: "H264", ClockRate: 90000},
				{Index: 1, Payloader: "rtpopuspay", PayloadType: 97, Media: "audio", Encoding: "OPUS", ClockRate: 48000, Channels: 2},
			},
		},
		{
			name:   "numbering stops at gap",
			launch: "videotestsrc ! x264enc ! rtph264pay name=pay0 audiotestsrc ! opusenc ! rtpopuspay name=pay2",
			want: []Stream{
				{Index: 0, Payloader: "rtph264pay", PayloadType: 96, Media: "video", Encoding: "H264", ClockRate: 90000},
			},
		},
		{
			name:   "quoted name",
			launch: `videotestsrc ! jpegenc ! rtpjpegpay name="pay0"`,
			want: []Stream{
				{Index: 0, Payloader: "rtpjpegpay", PayloadType: 26, Media: "video", Encoding: "JPEG", ClockRate: 90000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStreams(tt.launch)
			if err != nil {
				t.Fatalf("ParseStreams returned error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d streams, got %d: %+v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Stream %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseStreamsErrors(t *testing.T) {
	tests := []struct {
		name   string
		launch string
		want   error
	}{
		{name: "no payloader", launch: "videotestsrc ! autovideosink", want: ErrNoPayloader},
		{name: "pay1 only", launch: "videotestsrc ! x264enc ! rtph264pay name=pay1", want: ErrNoPayloader},
		{name: "unknown payloader", launch: "videotestsrc ! foopay name=pay0", want: ErrUnsupportedPayloader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStreams(tt.launch)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := ParseStreams("videotestsrc ! x264enc ! rtph264pay name=pay0 pt=200"); err == nil {
		t.Error("Expected error for payload type out of range")
	}
}

func TestRTPMap(t *testing.T) {
	video := Stream{Encoding: "H264", ClockRate: 90000}
	if got := video.RTPMap(); got != "H264/90000" {
		t.Errorf("Expected H264/90000, got %s", got)
	}

	audio := Stream{Encoding: "OPUS", ClockRate: 48000, Channels: 2}
	if got := audio.RTPMap(); got != "OPUS/48000/2" {
		t.Errorf("Expected OPUS/48000/2, got %s", got)
	}
}

func TestStripBin(t *testing.T) {
	tests := map[string]string{
		"( a ! b )":  "a ! b",
		"a ! b":      "a ! b",
		"  (a ! b) ": "a ! b",
		"(a ! b":     "(a ! b",
	}
	for input, want := range tests {
		if got := StripBin(input); got != want {
			t.Errorf("StripBin(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestBuildLaunchLine(t *testing.T) {
	streams := []Stream{
		{Index: 0, Payloader: "rtph264pay", PayloadType: 96},
		{Index: 1, Payloader: "rtpopuspay", PayloadType: 97},
	}
	launch := "( videotestsrc ! x264enc ! rtph264pay name=pay0 pt=96 audiotestsrc ! opusenc ! rtpopuspay name=pay1 pt=97 )"

	t.Run("no destinations", func(t *testing.T) {
		line := BuildLaunchLine(Spec{Launch: launch, Streams: streams})

		if strings.HasPrefix(line, "(") {
			t.Errorf("Expected bin parentheses stripped, got %q", line)
		}
		if !strings.Contains(line, "pay0. ! fakesink") || !strings.Contains(line, "pay1. ! fakesink") {
			t.Errorf("Expected fakesinks for idle streams, got %q", line)
		}
	})

	t.Run("sinks", func(t *testing.T) {
		line := BuildLaunchLine(Spec{
			Launch:  launch,
			Streams: streams,
			Sinks:   map[int]int{0: 40000, 1: 40002},
		})

		for _, part := range []string{
			"pay0. ! udpsink host=127.0.0.1 port=40000 async=false",
			"pay1. ! udpsink host=127.0.0.1 port=40002 async=false",
		} {
			if !strings.Contains(line, part) {
				t.Errorf("Expected %q in %q", part, line)
			}
		}
		if strings.Contains(line, "fakesink") {
			t.Errorf("Expected no fakesink, got %q", line)
		}
	})

	t.Run("partial sinks", func(t *testing.T) {
		line := BuildLaunchLine(Spec{
			Launch:  launch,
			Streams: streams,
			Sinks:   map[int]int{1: 40002},
		})

		if !strings.Contains(line, "pay0. ! fakesink") {
			t.Errorf("Expected fakesink for stream 0, got %q", line)
		}
		if !strings.Contains(line, "pay1. ! udpsink host=127.0.0.1 port=40002") {
			t.Errorf("Expected udpsink for stream 1, got %q", line)
		}
	})
}
