package speedtest

import (
	"encoding/json"
	"syscall"
	"time"
)

// Phase identifies which part of a run a sample or event belongs to.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseIdleLatency
	PhaseDownload
	PhaseUpload
	PhaseSummary
)

func (p Phase) String() string {
	switch p {
	case PhaseIdleLatency:
		return "idle-latency"
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	case PhaseSummary:
		return "summary"
	default:
		return "none"
	}
}

// queryValue is the value used to tag latency probes issued while a
// throughput phase is running. Empty for phases without a tag.
func (p Phase) queryValue() string {
	switch p {
	case PhaseDownload:
		return "download"
	case PhaseUpload:
		return "upload"
	default:
		return ""
	}
}

// RunConfig holds the immutable parameters of a single run. It is created
// once by the caller and never mutated by the engine.
type RunConfig struct {
	BaseURL string
	MeasID  string
	Comment string

	DownloadBytesPerReq uint64
	UploadBytesPerReq   uint64
	Concurrency         int

	IdleLatencyDuration time.Duration
	DownloadDuration    time.Duration
	UploadDuration      time.Duration

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	UserAgent    string
	Experimental bool

	// Interface and SourceIP carry the opaque "bind here" instruction.
	// Resolving an interface name to a bind option is a platform capability
	// supplied by the host via DialControl.
	Interface string
	SourceIP  string

	// DialControl, when non-nil, is applied to every socket the engine
	// creates (HTTP dials and the UDP probe socket). Hosts use it to bind
	// sockets to a named interface on platforms that support it.
	DialControl func(network, address string, c syscall.RawConn) error

	// CertificatePath points at an optional PEM bundle used as the sole
	// trust anchor for HTTPS connections.
	CertificatePath string
}

// LatencySummary aggregates one latency probe loop.
//
// Invariant: Received <= Sent and Loss == (Sent-Received)/Sent when Sent > 0.
// RTT fields are nil when there were not enough successful samples.
type LatencySummary struct {
	Sent         uint64   `json:"sent"`
	Received     uint64   `json:"received"`
	Loss         float64  `json:"loss"`
	MinMillis    *float64 `json:"min_ms,omitempty"`
	MeanMillis   *float64 `json:"mean_ms,omitempty"`
	MedianMillis *float64 `json:"median_ms,omitempty"`
	P25Millis    *float64 `json:"p25_ms,omitempty"`
	P75Millis    *float64 `json:"p75_ms,omitempty"`
	MaxMillis    *float64 `json:"max_ms,omitempty"`
	JitterMillis *float64 `json:"jitter_ms,omitempty"`
}

// ThroughputSummary aggregates one throughput phase. Bytes and DurationMillis
// describe the steady-state window (or the raw totals when no window could be
// estimated) while Mbps and the four statistics come from the per-tick series.
type ThroughputSummary struct {
	Bytes          uint64   `json:"bytes"`
	DurationMillis uint64   `json:"duration_ms"`
	Mbps           float64  `json:"mbps"`
	MeanMbps       *float64 `json:"mean_mbps,omitempty"`
	MedianMbps     *float64 `json:"median_mbps,omitempty"`
	P25Mbps        *float64 `json:"p25_mbps,omitempty"`
	P75Mbps        *float64 `json:"p75_mbps,omitempty"`
}

// TurnInfo is the TURN credential document returned by the service. Beyond
// URL selection the engine treats it as opaque.
type TurnInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ExperimentalUDPSummary reports the UDP-like loss probe.
type ExperimentalUDPSummary struct {
	Target        string         `json:"target,omitempty"`
	Latency       LatencySummary `json:"latency"`
	OutOfOrder    uint64         `json:"out_of_order"`
	OutOfOrderPct float64        `json:"out_of_order_pct"`
	MOS           *float64       `json:"mos,omitempty"`
	QualityLabel  string         `json:"quality_label"`
}

// RunResult is the aggregate outcome of a completed run. The network fields
// at the bottom start empty and are filled by a post-run enrichment step
// outside the engine.
type RunResult struct {
	TimestampUTC string          `json:"timestamp_utc"`
	BaseURL      string          `json:"base_url"`
	MeasID       string          `json:"meas_id"`
	Comment      string          `json:"comments,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	Server       string          `json:"server,omitempty"`

	IdleLatency           LatencySummary    `json:"idle_latency"`
	Download              ThroughputSummary `json:"download"`
	Upload                ThroughputSummary `json:"upload"`
	LoadedLatencyDownload LatencySummary    `json:"loaded_latency_download"`
	LoadedLatencyUpload   LatencySummary    `json:"loaded_latency_upload"`

	Turn            *TurnInfo               `json:"turn,omitempty"`
	ExperimentalUDP *ExperimentalUDPSummary `json:"experimental_udp,omitempty"`

	IP            string  `json:"ip,omitempty"`
	Colo          string  `json:"colo,omitempty"`
	ASN           string  `json:"asn,omitempty"`
	ASOrg         string  `json:"as_org,omitempty"`
	InterfaceName string  `json:"interface_name,omitempty"`
	NetworkName   string  `json:"network_name,omitempty"`
	IsWireless    *bool   `json:"is_wireless,omitempty"`
	InterfaceMAC  string  `json:"interface_mac,omitempty"`
	LinkSpeedMbps *uint64 `json:"link_speed_mbps,omitempty"`
}
