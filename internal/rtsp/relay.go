package rtsp

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"

	"github.com/brentr/gst-rtsp-launch/internal/metrics"
	"github.com/brentr/gst-rtsp-launch/internal/pipeline"
)

const (
	// maxPacketSize bounds a datagram read from the pipeline or a client
	maxPacketSize = 1500

	// historySize is how many sent packets are kept for retransmission
	historySize = 1024

	// pairAttempts bounds the search for an even/odd RTP and RTCP port pair
	pairAttempts = 32

	// DefaultSenderReportInterval is how often RTCP sender reports are sent
	DefaultSenderReportInterval = 5 * time.Second

	// ntpEpochOffset is the number of seconds from 1900 to 1970
	ntpEpochOffset = 2208988800
)

// Destination is where one stream of a session is sent
type Destination struct {
	Stream   int
	Host     string
	RTPPort  int
	RTCPPort int // zero without an RTCP port
	Secure   bool
	Feedback bool
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.RTPPort))
}

// relayConfig is the part of the media a relay works from
type relayConfig struct {
	stream     pipeline.Stream
	host       string
	key        []byte
	rtcp       bool
	rtxTime    time.Duration
	rtxPT      int // zero when retransmission is off
	srInterval time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type relayTarget struct {
	rtp      *net.UDPAddr
	rtcp     *net.UDPAddr
	secure   bool
	feedback bool
}

type sentPacket struct {
	seq    uint16
	at     time.Time
	packet []byte
}

// relay reads the RTP packets a pipeline sends for one stream and forwards
// them to every client of that stream. With RTCP on it also sends sender
// reports and answers NACKs from feedback clients with RFC 4588
// retransmissions.
type relay struct {
	cfg relayConfig

	source   *net.UDPConn
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	// mu guards everything below, the SRTP contexts included
	mu       sync.Mutex
	targets  map[string]relayTarget
	srtpOut  *srtp.Context
	srtcpIn  *srtp.Context
	ssrc     uint32
	lastTS   uint32
	lastAt   time.Time
	packets  uint32
	octets   uint32
	history  [historySize]sentPacket
	rtxSSRC  uint32
	rtxSeq   uint16
	closed   bool
	closeErr error

	done chan struct{}
	wg   sync.WaitGroup
}

func newRelay(cfg relayConfig) (*relay, error) {
	if cfg.srInterval <= 0 {
		cfg.srInterval = DefaultSenderReportInterval
	}

	out, err := srtp.CreateContext(cfg.key[:16], cfg.key[16:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("failed to create SRTP context: %w", err)
	}
	in, err := srtp.CreateContext(cfg.key[:16], cfg.key[16:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("failed to create SRTCP context: %w", err)
	}

	source, err := listenUDP(pipeline.SinkHost, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline sink: %w", err)
	}

	r := &relay{
		cfg:     cfg,
		source:  source,
		targets: make(map[string]relayTarget),
		srtpOut: out,
		srtcpIn: in,
		rtxSSRC: rand.Uint32(),
		rtxSeq:  uint16(rand.Uint32()),
		done:    make(chan struct{}),
	}

	if cfg.rtcp {
		r.rtpConn, r.rtcpConn, err = listenPair(cfg.host)
	} else {
		r.rtpConn, err = listenUDP(cfg.host, 0)
	}
	if err != nil {
		source.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.forward()

	if r.rtcpConn != nil {
		r.wg.Add(2)
		go r.readRTCP()
		go r.senderReports()
	}

	return r, nil
}

func listenUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// listenPair opens an RTP socket on an even port and its RTCP socket on the
// next one
func listenPair(host string) (*net.UDPConn, *net.UDPConn, error) {
	for i := 0; i < pairAttempts; i++ {
		rtpConn, err := listenUDP(host, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open RTP socket: %w", err)
		}
		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 {
			rtpConn.Close()
			continue
		}
		rtcpConn, err := listenUDP(host, port+1)
		if err != nil {
			rtpConn.Close()
			continue
		}
		return rtpConn, rtcpConn, nil
	}
	return nil, nil, errors.New("failed to find a free RTP/RTCP port pair")
}

// sinkPort is where the pipeline sends this stream
func (r *relay) sinkPort() int {
	return r.source.LocalAddr().(*net.UDPAddr).Port
}

// serverPorts returns the ports clients receive from; rtcp is zero with
// RTCP off
func (r *relay) serverPorts() (rtpPort, rtcpPort int) {
	rtpPort = r.rtpConn.LocalAddr().(*net.UDPAddr).Port
	if r.rtcpConn != nil {
		rtcpPort = r.rtcpConn.LocalAddr().(*net.UDPAddr).Port
	}
	return rtpPort, rtcpPort
}

func (r *relay) setTarget(id string, d Destination) error {
	rtpAddr, err := net.ResolveUDPAddr("udp", d.String())
	if err != nil {
		return fmt.Errorf("invalid destination %s: %w", d, err)
	}

	target := relayTarget{rtp: rtpAddr, secure: d.Secure, feedback: d.Feedback}
	if r.rtcpConn != nil && d.RTCPPort != 0 {
		target.rtcp = &net.UDPAddr{IP: rtpAddr.IP, Port: d.RTCPPort, Zone: rtpAddr.Zone}
	}

	r.mu.Lock()
	r.targets[id] = target
	r.mu.Unlock()
	return nil
}

func (r *relay) removeTarget(id string) {
	r.mu.Lock()
	delete(r.targets, id)
	r.mu.Unlock()
}

func (r *relay) targetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// forward relays every packet from the pipeline until the relay is closed
func (r *relay) forward() {
	defer r.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := r.source.ReadFromUDP(buf)
		if err != nil {
			return
		}

		raw := append([]byte(nil), buf[:n]...)
		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw); err != nil {
			r.cfg.logger.Debug("Dropping malformed RTP packet", slog.String("error", err.Error()))
			continue
		}
		r.send(&pkt, raw, time.Now())
	}
}

func (r *relay) send(pkt *rtp.Packet, raw []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ssrc = pkt.SSRC
	r.lastTS = pkt.Timestamp
	r.lastAt = now
	r.packets++
	r.octets += uint32(len(pkt.Payload))

	if r.cfg.rtxPT > 0 {
		r.history[int(pkt.SequenceNumber)%historySize] = sentPacket{seq: pkt.SequenceNumber, at: now, packet: raw}
	}

	var secured []byte
	for _, t := range r.targets {
		data := raw
		transport := "rtp"
		if t.secure {
			if secured == nil {
				var err error
				if secured, err = r.srtpOut.EncryptRTP(nil, raw, nil); err != nil {
					r.cfg.logger.Warn("Failed to encrypt RTP packet", slog.String("error", err.Error()))
					continue
				}
			}
			data = secured
			transport = "srtp"
		}

		if _, err := r.rtpConn.WriteToUDP(data, t.rtp); err != nil {
			r.cfg.logger.Debug("Failed to send RTP packet",
				slog.String("destination", t.rtp.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.cfg.metrics.RecordRelayedPacket(transport)
	}
}

// readRTCP handles RTCP from clients until the relay is closed
func (r *relay) readRTCP() {
	defer r.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := r.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.handleRTCP(append([]byte(nil), buf[:n]...), from)
	}
}

// targetFrom finds the client an RTCP packet came from
func (r *relay) targetFrom(from *net.UDPAddr) (relayTarget, bool) {
	for _, t := range r.targets {
		if !t.rtp.IP.Equal(from.IP) {
			continue
		}
		if from.Port == t.rtp.Port || (t.rtcp != nil && from.Port == t.rtcp.Port) {
			return t, true
		}
	}
	return relayTarget{}, false
}

func (r *relay) handleRTCP(data []byte, from *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.targetFrom(from)
	if !ok {
		return
	}

	if target.secure {
		plain, err := r.srtcpIn.DecryptRTCP(nil, data, nil)
		if err != nil {
			r.cfg.logger.Debug("Dropping undecryptable RTCP packet",
				slog.String("from", from.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		data = plain
	}

	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		r.cfg.logger.Debug("Dropping malformed RTCP packet", slog.String("error", err.Error()))
		return
	}

	if !target.feedback || r.cfg.rtxPT == 0 {
		return
	}

	now := time.Now()
	for _, p := range packets {
		nack, ok := p.(*rtcp.TransportLayerNack)
		if !ok || nack.MediaSSRC != r.ssrc {
			continue
		}
		for i := range nack.Nacks {
			for _, seq := range nack.Nacks[i].PacketList() {
				r.retransmit(seq, target, now)
			}
		}
	}
}

// retransmit resends packet seq to target on the RTX payload type. Packets
// older than the retransmission time are not resent. Called with mu held.
func (r *relay) retransmit(seq uint16, target relayTarget, now time.Time) bool {
	sent := r.history[int(seq)%historySize]
	if sent.packet == nil || sent.seq != seq || now.Sub(sent.at) > r.cfg.rtxTime {
		return false
	}

	var orig rtp.Packet
	if err := orig.Unmarshal(sent.packet); err != nil {
		return false
	}

	payload := make([]byte, 2+len(orig.Payload))
	payload[0] = byte(seq >> 8)
	payload[1] = byte(seq)
	copy(payload[2:], orig.Payload)

	rtx := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         orig.Marker,
			PayloadType:    uint8(r.cfg.rtxPT),
			SequenceNumber: r.rtxSeq,
			Timestamp:      orig.Timestamp,
			SSRC:           r.rtxSSRC,
		},
		Payload: payload,
	}
	r.rtxSeq++

	data, err := rtx.Marshal()
	if err != nil {
		return false
	}
	if target.secure {
		if data, err = r.srtpOut.EncryptRTP(nil, data, nil); err != nil {
			r.cfg.logger.Warn("Failed to encrypt retransmission", slog.String("error", err.Error()))
			return false
		}
	}

	if _, err := r.rtpConn.WriteToUDP(data, target.rtp); err != nil {
		r.cfg.logger.Debug("Failed to send retransmission", slog.String("error", err.Error()))
		return false
	}
	r.cfg.metrics.RecordRetransmission()
	return true
}

func (r *relay) senderReports() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.srInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.sendReport(now)
		}
	}
}

// sendReport sends a sender report and CNAME to every client with an RTCP
// port. Nothing is sent before the first packet.
func (r *relay) sendReport(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.packets == 0 {
		return
	}

	elapsed := now.Sub(r.lastAt).Seconds()
	report := rtcp.SenderReport{
		SSRC:        r.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     r.lastTS + uint32(elapsed*float64(r.cfg.stream.ClockRate)),
		PacketCount: r.packets,
		OctetCount:  r.octets,
	}
	data, err := rtcp.Marshal([]rtcp.Packet{&report, rtcp.NewCNAMESourceDescription(r.ssrc, serverName)})
	if err != nil {
		r.cfg.logger.Warn("Failed to build sender report", slog.String("error", err.Error()))
		return
	}

	var secured []byte
	for _, t := range r.targets {
		if t.rtcp == nil {
			continue
		}
		out := data
		if t.secure {
			if secured == nil {
				if secured, err = r.srtpOut.EncryptRTCP(nil, data, nil); err != nil {
					r.cfg.logger.Warn("Failed to encrypt sender report", slog.String("error", err.Error()))
					continue
				}
			}
			out = secured
		}
		if _, err := r.rtcpConn.WriteToUDP(out, t.rtcp); err != nil {
			r.cfg.logger.Debug("Failed to send sender report", slog.String("error", err.Error()))
		}
	}
}

// ntpTime converts t to the 64 bit NTP format
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// close stops the relay and releases its sockets
func (r *relay) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.closeErr
	}
	r.closed = true
	r.targets = make(map[string]relayTarget)
	r.mu.Unlock()

	close(r.done)

	errs := []error{r.source.Close(), r.rtpConn.Close()}
	if r.rtcpConn != nil {
		errs = append(errs, r.rtcpConn.Close())
	}
	r.wg.Wait()

	err := errors.Join(errs...)
	r.mu.Lock()
	r.closeErr = err
	r.mu.Unlock()
	return err
}
