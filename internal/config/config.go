package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/brentr/gst-rtsp-launch/internal/profile"
)

const (
	// DefaultPort is the RTSP service the server listens on
	DefaultPort = "8554"
	// DefaultEndpoint is the mount point name, served as "/video"
	DefaultEndpoint = "video"
)

var (
	// ErrEmptyPipeline is returned when no launch description was given
	ErrEmptyPipeline = errors.New("empty pipeline")
	// ErrInvalidRetransmission is returned for a retransmission time that is
	// not a non-negative integer
	ErrInvalidRetransmission = errors.New("invalid retransmission time")
)

// Options holds the raw command line values before validation.
// The *Set fields record whether an optional flag was given at all.
type Options struct {
	Port     string
	Endpoint string

	Profiles    string
	ProfilesSet bool

	RetransmissionTime    string
	RetransmissionTimeSet bool

	DisableRTCP bool

	// Args are the positional arguments; the first one is the launch description
	Args []string
}

// DefaultOptions returns options with the documented flag defaults
func DefaultOptions() Options {
	return Options{
		Port:     DefaultPort,
		Endpoint: DefaultEndpoint,
	}
}

// ServerConfig is the validated server setup. It is built once by Build and
// passed by value; nothing modifies it afterwards.
type ServerConfig struct {
	Port      string
	MountPath string
	Launch    string

	// Profiles overrides the server default only when ProfilesSet is true
	Profiles    profile.Mask
	ProfilesSet bool

	// RetransmissionMs enables retransmission only when RetransmissionSet is true
	RetransmissionMs  uint64
	RetransmissionSet bool

	RTCPEnabled bool
}

// Build validates options and produces the server configuration. Checks run
// in a fixed order: launch description, profiles, retransmission time.
func Build(opts Options) (ServerConfig, error) {
	launch, err := ValidateLaunch(opts.Args)
	if err != nil {
		return ServerConfig{}, err
	}

	mask, maskSet, err := ResolveProfiles(opts.Profiles, opts.ProfilesSet)
	if err != nil {
		return ServerConfig{}, err
	}

	retransMs, retransSet, err := ResolveRetransmissionTime(opts.RetransmissionTime, opts.RetransmissionTimeSet)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Port:              opts.Port,
		MountPath:         MountPath(opts.Endpoint),
		Launch:            launch,
		Profiles:          mask,
		ProfilesSet:       maskSet,
		RetransmissionMs:  retransMs,
		RetransmissionSet: retransSet,
		RTCPEnabled:       ResolveRTCP(opts.DisableRTCP),
	}, nil
}

// ValidateLaunch returns the launch description from the positional
// arguments. The description itself is passed through untouched.
func ValidateLaunch(args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", ErrEmptyPipeline
	}
	return args[0], nil
}

// ResolveProfiles parses the --rtsp-profiles value. When the flag was not
// given it reports no override and the parser is not consulted.
func ResolveProfiles(raw string, set bool) (profile.Mask, bool, error) {
	if !set {
		return 0, false, nil
	}

	mask, err := profile.Parse(raw)
	if err != nil {
		return 0, false, err
	}
	return mask, true, nil
}

// ResolveRetransmissionTime parses the --retransmission-time value as
// milliseconds, the way strtoull does with base 0: leading whitespace and a
// '+' are skipped, "0x" selects hex and a leading zero octal, and values
// past the uint64 range saturate. Everything after the sign must be digits.
// A '-' is rejected.
func ResolveRetransmissionTime(raw string, set bool) (uint64, bool, error) {
	if !set {
		return 0, false, nil
	}

	ms, ok := parseMillis(raw)
	if !ok {
		return 0, false, fmt.Errorf("%w (\"%s\") specified", ErrInvalidRetransmission, raw)
	}
	return ms, true, nil
}

func parseMillis(raw string) (uint64, bool) {
	digits := strings.TrimLeft(raw, " \t\n\v\f\r")
	digits = strings.TrimPrefix(digits, "+")

	base := 10
	switch {
	case len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X") && isHexDigit(digits[2]):
		base = 16
		digits = digits[2:]
	case len(digits) > 1 && digits[0] == '0':
		base = 8
		digits = digits[1:]
	}

	ms, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return math.MaxUint64, true
		}
		return 0, false
	}
	return ms, true
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// ResolveRTCP turns the --disable-rtcp flag into the enable-rtcp setting
func ResolveRTCP(disable bool) bool {
	return !disable
}

// MountPath returns the URI path the endpoint is mounted at
func MountPath(endpoint string) string {
	return "/" + strings.TrimLeft(endpoint, "/")
}
