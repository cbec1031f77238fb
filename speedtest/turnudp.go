package speedtest

import (
	"crypto/rand"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultStunPort = 3478

// Probe cadence. Variables rather than constants so tests can tighten them.
var (
	udpProbeAttempts = uint64(50)
	udpProbeInterval = 80 * time.Millisecond
	udpProbeTimeout  = 600 * time.Millisecond
)

// buildBindingRequest encodes a minimal STUN binding request (RFC 5389):
// type 0x0001, zero attribute length, magic cookie 0x2112A442, and a random
// 12-byte transaction id doubling as the attempt's sequence key.
func buildBindingRequest(txid [12]byte) [20]byte {
	var b [20]byte
	b[0] = 0x00
	b[1] = 0x01
	b[2] = 0x00
	b[3] = 0x00
	b[4] = 0x21
	b[5] = 0x12
	b[6] = 0xA4
	b[7] = 0x42
	copy(b[8:20], txid[:])
	return b
}

// matchBindingResponse accepts only a binding success response (type 0x0101)
// carrying the magic cookie and a transaction id we sent, and resolves it to
// the sequence number of the request it answers. A late response matching an
// earlier attempt still counts as received; it surfaces as reordering.
// Anything else, including truncated or mismatched datagrams, counts as loss.
func matchBindingResponse(buf []byte, sent map[[12]byte]uint64) (uint64, bool) {
	if len(buf) < 20 {
		return 0, false
	}
	if buf[0] != 0x01 || buf[1] != 0x01 {
		return 0, false
	}
	if buf[4] != 0x21 || buf[5] != 0x12 || buf[6] != 0xA4 || buf[7] != 0x42 {
		return 0, false
	}

	var txid [12]byte
	copy(txid[:], buf[8:20])
	seq, ok := sent[txid]
	return seq, ok
}

// pickStunTarget prefers the first stun: URL; a turn: URL may still answer
// binding requests over UDP, so it serves as fallback.
func pickStunTarget(turn *TurnInfo) (string, bool) {
	for _, u := range turn.URLs {
		if strings.HasPrefix(u, "stun:") {
			return u, true
		}
	}
	for _, u := range turn.URLs {
		if strings.HasPrefix(u, "turn:") {
			return u, true
		}
	}
	return "", false
}

// parseHostPort splits scheme:host[:port][?query], defaulting the port.
func parseHostPort(rawURL string) (string, int, error) {
	_, rest, ok := strings.Cut(rawURL, ":")
	if !ok {
		return "", 0, errors.Errorf("bad stun/turn url %q", rawURL)
	}
	hostPort, _, _ := strings.Cut(rest, "?")
	host, portStr, hasPort := strings.Cut(hostPort, ":")
	if host == "" {
		return "", 0, errors.Errorf("empty host in stun/turn url %q", rawURL)
	}
	if !hasPort || portStr == "" {
		return host, defaultStunPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid port in stun/turn url %q", rawURL)
	}
	return host, port, nil
}

// calculateMOS scores call quality from median RTT, jitter (both ms) and
// loss percentage using a simplified E-model R-factor. The formula is a
// fixed heuristic reproduced as-is, not a validated telecom reference.
// Reports false for NaN or negative inputs.
func calculateMOS(rttMillis, jitterMillis, lossPct float64) (float64, bool) {
	if math.IsNaN(rttMillis) || math.IsNaN(jitterMillis) || math.IsNaN(lossPct) {
		return 0, false
	}
	if rttMillis < 0 || jitterMillis < 0 || lossPct < 0 {
		return 0, false
	}

	// One-way delay estimate with a jitter-buffer allowance, capped at the
	// E-model's effective-latency knee.
	d := rttMillis/2 + 2*jitterMillis
	ld := math.Min(d, 177.3)

	r := 93.2 - ld/40 - 30*math.Min(lossPct/100, 1)
	r = math.Max(0, math.Min(100, r))

	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	return math.Max(1, math.Min(5, mos)), true
}

// qualityLabel buckets loss percentage into a human-readable verdict.
func qualityLabel(lossPct float64) string {
	switch {
	case math.IsNaN(lossPct):
		return "Unknown"
	case lossPct == 0:
		return "Excellent"
	case lossPct < 1.0:
		return "Good"
	case lossPct < 2.5:
		return "Acceptable"
	case lossPct < 5.0:
		return "Poor"
	default:
		return "Bad"
	}
}

// RunUDPLossProbe sends a train of STUN binding requests to the service's
// preferred STUN/TURN endpoint and classifies loss, reordering and call
// quality. preResolved skips DNS when the caller already holds an address.
// Every failure here degrades the run by omitting the summary, never by
// failing it.
func RunUDPLossProbe(cfg *RunConfig, turn *TurnInfo, events chan<- TestEvent, preResolved *net.UDPAddr) (*ExperimentalUDPSummary, error) {
	targetURL, ok := pickStunTarget(turn)
	if !ok {
		return nil, errors.New("no stun/turn url in TURN info")
	}
	host, port, err := parseHostPort(targetURL)
	if err != nil {
		return nil, err
	}

	addr := preResolved
	if addr == nil {
		addr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return nil, errors.Wrap(err, "could not resolve stun target")
		}
	}

	conn, err := dialProbeSocket(cfg, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var sent, received, outOfOrder uint64
	nextExpected := uint64(1)
	txidToSeq := make(map[[12]byte]uint64, udpProbeAttempts)
	samples := make([]float64, 0, udpProbeAttempts)
	buf := make([]byte, 1500)

	for seq := uint64(1); seq <= udpProbeAttempts; seq++ {
		sent++

		var txid [12]byte
		if _, err := rand.Read(txid[:]); err != nil {
			return nil, errors.Wrap(err, "could not generate transaction id")
		}
		txidToSeq[txid] = seq
		pkt := buildBindingRequest(txid)

		start := time.Now()
		_, _ = conn.Write(pkt[:])

		_ = conn.SetReadDeadline(time.Now().Add(udpProbeTimeout))
		n, err := conn.Read(buf)
		pktSeq, matched := uint64(0), false
		if err == nil {
			pktSeq, matched = matchBindingResponse(buf[:n], txidToSeq)
		}
		if matched {
			received++
			ms := float64(time.Since(start).Microseconds()) / 1000
			samples = append(samples, ms)

			if pktSeq < nextExpected {
				// Arrived after a later-sent packet's response.
				outOfOrder++
			} else {
				nextExpected = pktSeq + 1
			}

			emit(events, UDPProgress{Sent: sent, Received: received, Total: udpProbeAttempts, RTTMillis: ms, OK: true})
		} else {
			emit(events, UDPProgress{Sent: sent, Received: received, Total: udpProbeAttempts, OK: false})
		}

		time.Sleep(udpProbeInterval)
	}

	latency := latencySummaryFromSamples(sent, received, samples)

	lossPct := float64(0)
	if sent > 0 {
		lossPct = float64(sent-received) * 100 / float64(sent)
	}
	outOfOrderPct := float64(0)
	if received > 0 {
		outOfOrderPct = float64(outOfOrder) * 100 / float64(received)
	}

	summary := &ExperimentalUDPSummary{
		Target:        targetURL,
		Latency:       latency,
		OutOfOrder:    outOfOrder,
		OutOfOrderPct: outOfOrderPct,
		QualityLabel:  qualityLabel(lossPct),
	}
	if latency.MedianMillis != nil && latency.JitterMillis != nil {
		if mos, ok := calculateMOS(*latency.MedianMillis, *latency.JitterMillis, lossPct); ok {
			summary.MOS = f64Ptr(mos)
		}
	}

	return summary, nil
}

// dialProbeSocket binds a UDP socket for the probe: ephemeral local port in
// the target's address family by default, or the configured source IP, plus
// whatever platform bind capability the host supplied via DialControl.
func dialProbeSocket(cfg *RunConfig, addr *net.UDPAddr) (net.Conn, error) {
	dialer := &net.Dialer{Control: cfg.DialControl}
	if cfg.SourceIP != "" {
		ip := net.ParseIP(cfg.SourceIP)
		if ip == nil {
			return nil, errors.Errorf("invalid source IP %q", cfg.SourceIP)
		}
		dialer.LocalAddr = &net.UDPAddr{IP: ip}
	}

	conn, err := dialer.Dial("udp", addr.String())
	if err != nil {
		return nil, errors.Wrap(err, "could not open UDP socket")
	}
	return conn, nil
}
