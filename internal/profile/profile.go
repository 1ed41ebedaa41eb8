package profile

import (
	"strings"
)

// Profile is a single RTP transport profile. Values match the bit layout
// used by RTSP servers for their allowed-profiles mask.
type Profile uint8

const (
	// Plain is RTP/AVP
	Plain Profile = 1 << iota
	// Secure is RTP/SAVP
	Secure
	// PlainFeedback is RTP/AVPF
	PlainFeedback
	// SecureFeedback is RTP/SAVPF
	SecureFeedback
)

// Default is the profile set a server allows when no override is given
const Default = Mask(Plain)

// ordered lists every profile in mask bit order
var ordered = []Profile{Plain, Secure, PlainFeedback, SecureFeedback}

// String returns the token form of the profile ("AVP", "SAVPF", ...)
func (p Profile) String() string {
	switch p {
	case Plain:
		return "AVP"
	case Secure:
		return "SAVP"
	case PlainFeedback:
		return "AVPF"
	case SecureFeedback:
		return "SAVPF"
	default:
		return "UNKNOWN"
	}
}

// Transport returns the RTSP Transport header protocol for the profile
func (p Profile) Transport() string {
	return "RTP/" + p.String()
}

// IsSecure reports whether the profile carries SRTP
func (p Profile) IsSecure() bool {
	return p == Secure || p == SecureFeedback
}

// HasFeedback reports whether the profile allows early RTCP feedback
func (p Profile) HasFeedback() bool {
	return p == PlainFeedback || p == SecureFeedback
}

// FromTransport maps a Transport header protocol such as "RTP/SAVPF" (with
// an optional "/UDP" lower transport) back to its profile.
func FromTransport(proto string) (Profile, bool) {
	parts := strings.Split(strings.ToUpper(proto), "/")
	if len(parts) < 2 || parts[0] != "RTP" {
		return 0, false
	}
	for _, p := range ordered {
		if parts[1] == p.String() {
			return p, true
		}
	}
	return 0, false
}

// Mask is a set of profiles
type Mask uint8

// Has reports whether p is in the mask
func (m Mask) Has(p Profile) bool {
	return m&Mask(p) != 0
}

// With returns the mask with p added
func (m Mask) With(p Profile) Mask {
	return m | Mask(p)
}

// IsEmpty reports whether no profile is set
func (m Mask) IsEmpty() bool {
	return m == 0
}

// Profiles returns the profiles in the mask in bit order
func (m Mask) Profiles() []Profile {
	profiles := make([]Profile, 0, len(ordered))
	for _, p := range ordered {
		if m.Has(p) {
			profiles = append(profiles, p)
		}
	}
	return profiles
}

// String joins the profile tokens with "+", the same form Parse accepts
func (m Mask) String() string {
	if m.IsEmpty() {
		return ""
	}
	profiles := m.Profiles()
	tokens := make([]string, len(profiles))
	for i, p := range profiles {
		tokens[i] = p.String()
	}
	return strings.Join(tokens, "+")
}
