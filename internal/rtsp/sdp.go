package rtsp

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
)

const sessionName = "Session streamed by gst-rtsp-launch"

// rtxPayloadTypes assigns a free dynamic payload type to every stream for
// its retransmission stream
func rtxPayloadTypes(streams []pipeline.Stream) map[int]int {
	used := make(map[int]bool)
	for _, s := range streams {
		used[s.PayloadType] = true
	}

	out := make(map[int]int, len(streams))
	next := 96
	for _, s := range streams {
		for next < 128 && used[next] {
			next++
		}
		if next == 128 {
			break
		}
		out[s.Index] = next
		used[next] = true
	}
	return out
}

// SDP describes the media for DESCRIBE. Every stream gets one media section
// per allowed profile. Retransmission is offered on feedback profiles when
// a retransmission time is set and RTCP is on.
func (m *Media) SDP(host string) ([]byte, error) {
	addrType := "IP4"
	nullAddr := "0.0.0.0"
	if strings.Contains(host, ":") {
		addrType = "IP6"
		nullAddr = "::"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(m.sdpID),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName:        sessionName,
		SessionInformation: ptr(sdp.Information("rtsp-server")),
		TimeDescriptions:   []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("tool", serverName),
			sdp.NewAttribute("type", "broadcast"),
			sdp.NewAttribute("control", "*"),
			sdp.NewAttribute("range", "npt=now-"),
		},
	}

	rtx := rtxPayloadTypes(m.streams)
	rtxMs := m.rtxTime.Milliseconds()
	key := base64.StdEncoding.EncodeToString(m.key)

	for _, s := range m.streams {
		for _, p := range m.profiles.Profiles() {
			rtxPT, hasRtx := rtx[s.Index]
			withRtx := p.HasFeedback() && m.retransmits() && hasRtx

			formats := []string{strconv.Itoa(s.PayloadType)}
			if withRtx {
				formats = append(formats, strconv.Itoa(rtxPT))
			}

			md := &sdp.MediaDescription{
				MediaName: sdp.MediaName{
					Media:   s.Media,
					Port:    sdp.RangedPort{Value: 0},
					Protos:  strings.Split(p.Transport(), "/"),
					Formats: formats,
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: addrType,
					Address:     &sdp.Address{Address: nullAddr},
				},
			}

			md.WithValueAttribute("rtpmap", fmt.Sprintf("%d %s", s.PayloadType, s.RTPMap()))
			if withRtx {
				md.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d nack", s.PayloadType))
				md.WithValueAttribute("rtpmap", fmt.Sprintf("%d rtx/%d", rtxPT, s.ClockRate))
				md.WithValueAttribute("fmtp", fmt.Sprintf("%d apt=%d;rtx-time=%d", rtxPT, s.PayloadType, rtxMs))
			}
			if p.IsSecure() {
				md.WithValueAttribute("crypto", "1 AES_CM_128_HMAC_SHA1_80 inline:"+key)
			}
			md.WithValueAttribute("control", "stream="+strconv.Itoa(s.Index))

			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to build SDP: %w", err)
	}
	return out, nil
}

func ptr[T any](v T) *T {
	return &v
}
