package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPayloadType is the dynamic payload type used when a payloader has no pt
const DefaultPayloadType = 96

var (
	// ErrNoPayloader means the launch description has no element named pay0
	ErrNoPayloader = errors.New("no payloader named pay0 in launch description")

	// ErrUnsupportedPayloader means a payN element is not a known RTP payloader
	ErrUnsupportedPayloader = errors.New("unsupported payloader")
)

// Stream is one RTP stream produced by the launch description
type Stream struct {
	Index       int
	Payloader   string
	PayloadType int
	Media       string // "video" or "audio"
	Encoding    string
	ClockRate   int
	Channels    int // audio only
}

// RTPMap returns the value of the SDP rtpmap attribute, without the payload type
func (s Stream) RTPMap() string {
	if s.Channels > 0 {
		return fmt.Sprintf("%s/%d/%d", s.Encoding, s.ClockRate, s.Channels)
	}
	return fmt.Sprintf("%s/%d", s.Encoding, s.ClockRate)
}

type encoding struct {
	media      string
	name       string
	clockRate  int
	channels   int
	staticType int // -1 when dynamic
}

var payloaders = map[string]encoding{
	"rtph264pay": {media: "video", name: "H264", clockRate: 90000, staticType: -1},
	"rtph265pay": {media: "video", name: "H265", clockRate: 90000, staticType: -1},
	"rtpvp8pay":  {media: "video", name: "VP8", clockRate: 90000, staticType: -1},
	"rtpvp9pay":  {media: "video", name: "VP9", clockRate: 90000, staticType: -1},
	"rtpjpegpay": {media: "video", name: "JPEG", clockRate: 90000, staticType: 26},
	"rtpmp2tpay": {media: "video", name: "MP2T", clockRate: 90000, staticType: 33},
	"rtpmp4apay": {media: "audio", name: "MP4A-LATM", clockRate: 48000, channels: 2, staticType: -1},
	"rtpopuspay": {media: "audio", name: "OPUS", clockRate: 48000, channels: 2, staticType: -1},
	"rtppcmupay": {media: "audio", name: "PCMU", clockRate: 8000, staticType: 0},
	"rtppcmapay": {media: "audio", name: "PCMA", clockRate: 8000, staticType: 8},
	"rtpL16pay":  {media: "audio", name: "L16", clockRate: 44100, channels: 2, staticType: -1},
	"rtpgstpay":  {media: "application", name: "X-GST", clockRate: 90000, staticType: -1},
	"rtpmpapay":  {media: "audio", name: "MPA", clockRate: 90000, staticType: 14},
	"rtpmp4vpay": {media: "video", name: "MP4V-ES", clockRate: 90000, staticType: -1},
}

// element is one element description of a launch line
type element struct {
	factory string
	props   map[string]string
}

// StripBin removes the parentheses around a launch description, if any
func StripBin(launch string) string {
	s := strings.TrimSpace(launch)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// parseElements splits a launch description into elements. Pad references
// such as "pay0." and bin parentheses are skipped.
func parseElements(launch string) []element {
	var elements []element
	for _, link := range strings.Split(StripBin(launch), "!") {
		var current *element
		for _, field := range strings.Fields(link) {
			field = strings.Trim(field, "()")
			if field == "" {
				continue
			}
			if key, value, ok := strings.Cut(field, "="); ok {
				if current != nil {
					current.props[key] = strings.Trim(value, `"'`)
				}
				continue
			}
			if strings.HasSuffix(field, ".") {
				continue
			}
			elements = append(elements, element{factory: field, props: make(map[string]string)})
			current = &elements[len(elements)-1]
		}
	}
	return elements
}

// ParseStreams finds the payloaders named pay0, pay1, ... in launch and
// describes the streams they produce. Numbering stops at the first gap.
func ParseStreams(launch string) ([]Stream, error) {
	named := make(map[string]element)
	for _, el := range parseElements(launch) {
		if name, ok := el.props["name"]; ok {
			named[name] = el
		}
	}

	var streams []Stream
	for i := 0; ; i++ {
		el, ok := named["pay"+strconv.Itoa(i)]
		if !ok {
			break
		}

		enc, ok := payloaders[el.factory]
		if !ok {
			return nil, fmt.Errorf("%w %q for pay%d", ErrUnsupportedPayloader, el.factory, i)
		}

		pt := DefaultPayloadType
		if enc.staticType >= 0 {
			pt = enc.staticType
		}
		if raw, ok := el.props["pt"]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 || v > 127 {
				return nil, fmt.Errorf("invalid payload type %q for pay%d", raw, i)
			}
			pt = v
		}

		streams = append(streams, Stream{
			Index:       i,
			Payloader:   el.factory,
			PayloadType: pt,
			Media:       enc.media,
			Encoding:    enc.name,
			ClockRate:   enc.clockRate,
			Channels:    enc.channels,
		})
	}

	if len(streams) == 0 {
		return nil, ErrNoPayloader
	}
	return streams, nil
}

// SinkHost is the address pipelines deliver their RTP packets to
const SinkHost = "127.0.0.1"

// Spec is everything needed to run a media pipeline
type Spec struct {
	Launch  string
	Streams []Stream
	// Sinks maps a stream index to the local UDP port its packets are sent to
	Sinks map[int]int
}

// BuildLaunchLine returns the gst-launch description for spec: the launch
// description with each payloader linked to a udpsink on SinkHost. Streams
// without a sink port end in a fakesink.
func BuildLaunchLine(spec Spec) string {
	var b strings.Builder
	b.WriteString(StripBin(spec.Launch))

	for _, stream := range spec.Streams {
		fmt.Fprintf(&b, " pay%d. ! ", stream.Index)
		port, ok := spec.Sinks[stream.Index]
		if !ok || port <= 0 {
			b.WriteString("fakesink sync=false")
			continue
		}
		fmt.Fprintf(&b, "udpsink host=%s port=%d async=false", SinkHost, port)
	}

	return b.String()
}
