package rtsp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

// ErrNoTransport means none of the offered transports can be served
var ErrNoTransport = errors.New("no acceptable transport")

// Transport is one entry of a Transport header
type Transport struct {
	Profile   profile.Profile
	Lower     string // UDP or TCP
	Unicast   bool
	ClientRTP int
	// ClientRTCP is zero when the client gave a single port
	ClientRTCP int
	Mode       string
}

// ParseTransports parses a Transport request header. Entries that cannot be
// parsed are skipped; the order of the rest is kept.
func ParseTransports(header string) []Transport {
	var transports []Transport
	for _, entry := range strings.Split(header, ",") {
		if t, err := parseTransport(entry); err == nil {
			transports = append(transports, t)
		}
	}
	return transports
}

func parseTransport(entry string) (Transport, error) {
	params := strings.Split(strings.TrimSpace(entry), ";")

	proto := strings.ToUpper(strings.TrimSpace(params[0]))
	p, ok := profile.FromTransport(proto)
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport %q", params[0])
	}

	t := Transport{Profile: p, Lower: "UDP", Unicast: true}
	if parts := strings.Split(proto, "/"); len(parts) == 3 {
		t.Lower = parts[2]
	}

	for _, param := range params[1:] {
		key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
		switch strings.ToLower(key) {
		case "unicast":
			t.Unicast = true
		case "multicast":
			t.Unicast = false
		case "client_port":
			rtp, rtcp, err := parsePortRange(value)
			if err != nil {
				return Transport{}, err
			}
			t.ClientRTP, t.ClientRTCP = rtp, rtcp
		case "mode":
			t.Mode = strings.Trim(value, `"`)
		}
	}

	return t, nil
}

func parsePortRange(value string) (int, int, error) {
	first, second, hasRange := strings.Cut(value, "-")

	rtp, err := strconv.Atoi(first)
	if err != nil || rtp <= 0 || rtp > 65535 {
		return 0, 0, fmt.Errorf("invalid client port %q", value)
	}
	if !hasRange {
		return rtp, 0, nil
	}

	rtcp, err := strconv.Atoi(second)
	if err != nil || rtcp <= 0 || rtcp > 65535 {
		return 0, 0, fmt.Errorf("invalid client port %q", value)
	}
	return rtp, rtcp, nil
}

// Negotiate picks the first transport the server can serve under mask:
// unicast UDP with a client port and a profile in mask.
func Negotiate(transports []Transport, mask profile.Mask) (Transport, error) {
	for _, t := range transports {
		if !mask.Has(t.Profile) {
			continue
		}
		if t.Lower != "UDP" || !t.Unicast || t.ClientRTP == 0 {
			continue
		}
		if t.Mode != "" && !strings.EqualFold(t.Mode, "PLAY") {
			continue
		}
		return t, nil
	}
	return Transport{}, ErrNoTransport
}

// Reply formats t for the response Transport header, with the ports the
// server sends from. serverRTCP is zero when RTCP is off; the client RTCP
// port is left out then too.
func (t Transport) Reply(serverRTP, serverRTCP int) string {
	var b strings.Builder
	b.WriteString(t.Profile.Transport())
	b.WriteString("/UDP;unicast;client_port=")
	b.WriteString(strconv.Itoa(t.ClientRTP))
	if serverRTCP != 0 && t.ClientRTCP != 0 {
		b.WriteString("-")
		b.WriteString(strconv.Itoa(t.ClientRTCP))
	}
	if serverRTP != 0 {
		b.WriteString(";server_port=")
		b.WriteString(strconv.Itoa(serverRTP))
		if serverRTCP != 0 {
			b.WriteString("-")
			b.WriteString(strconv.Itoa(serverRTCP))
		}
	}
	b.WriteString(";mode=\"PLAY\"")
	return b.String()
}
