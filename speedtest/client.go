package speedtest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const (
	downPath      = "/__down"
	upPath        = "/__up"
	metaPath      = "/meta"
	locationsPath = "/locations"
	turnPath      = "/__turn"

	dialTimeout   = 10 * time.Second
	dialKeepAlive = 30 * time.Second
	fetchTimeout  = 10 * time.Second
)

// Client issues requests against the speed-test service. A single Client is
// shared by every subtask of a run; it is safe for concurrent use.
type Client struct {
	http      *http.Client
	base      *url.URL
	measID    string
	userAgent string
}

// NewClient builds the HTTP client for a run, honoring the config's bind
// instruction and optional trust anchor. Construction failure is fatal to
// the run before any phase starts.
func NewClient(cfg *RunConfig, events chan<- TestEvent) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: dialKeepAlive,
		Control:   cfg.DialControl,
	}
	if cfg.SourceIP != "" {
		ip := net.ParseIP(cfg.SourceIP)
		if ip == nil {
			return nil, errors.Errorf("invalid source IP %q", cfg.SourceIP)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
		emit(events, Info{Message: fmt.Sprintf("Binding HTTP connections to source IP: %s", ip)})
	}
	if cfg.Interface != "" {
		emit(events, Info{Message: fmt.Sprintf("Binding HTTP connections to interface %s", cfg.Interface)})
	}

	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.CertificatePath != "" {
		pem, err := os.ReadFile(cfg.CertificatePath)
		if err != nil {
			return nil, errors.Wrap(err, "could not read certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", cfg.CertificatePath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		http:      &http.Client{Transport: transport},
		base:      base,
		measID:    cfg.MeasID,
		userAgent: cfg.UserAgent,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// downURL addresses a download of size bytes tagged with the measurement id.
func (c *Client) downURL(bytes uint64) string {
	q := url.Values{}
	q.Set("measId", c.measID)
	q.Set("bytes", fmt.Sprintf("%d", bytes))
	return c.endpoint(downPath, q)
}

// upURL addresses an upload tagged with the measurement id.
func (c *Client) upURL() string {
	q := url.Values{}
	q.Set("measId", c.measID)
	return c.endpoint(upPath, q)
}

// probeURL addresses a zero-byte download used as a latency probe, tagged
// with the concurrent phase when probing under load.
func (c *Client) probeURL(during Phase) string {
	q := url.Values{}
	q.Set("measId", c.measID)
	q.Set("bytes", "0")
	if tag := during.queryValue(); tag != "" {
		q.Set("during", tag)
	}
	return c.endpoint(downPath, q)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

// probeLatency issues one timed zero-byte download. It returns the round
// trip in milliseconds and, when the response carried inline cf-meta
// headers, their JSON rendering.
func (c *Client) probeLatency(during Phase, timeout time.Duration) (float64, json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.probeURL(during), nil)
	if err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		resp.Body.Close()
		return 0, nil, err
	}
	if err := resp.Body.Close(); err != nil {
		return 0, nil, err
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, nil, errors.Errorf("probe returned status %d", resp.StatusCode)
	}

	return float64(elapsed.Microseconds()) / 1000, metaFromHeader(resp.Header), nil
}

// metaFromHeader reconstructs the metadata document from the cf-meta-*
// response headers. Returns nil when the headers are absent.
func metaFromHeader(header http.Header) json.RawMessage {
	if header.Get("cf-meta-ip") == "" && header.Get("cf-meta-colo") == "" {
		return nil
	}

	doc := map[string]string{}
	for key, field := range map[string]string{
		"cf-meta-ip":      "clientIp",
		"cf-meta-asn":     "asn",
		"cf-meta-colo":    "colo",
		"cf-meta-city":    "city",
		"cf-meta-country": "country",
	} {
		if v := header.Get(key); v != "" {
			doc[field] = v
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}

func (c *Client) fetchJSON(path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// FetchMeta returns the metadata document from the dedicated endpoint, or an
// error when the endpoint is unavailable or the document is empty.
func (c *Client) FetchMeta() (json.RawMessage, error) {
	body, err := c.fetchJSON(metaPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch metadata")
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() || len(parsed.Map()) == 0 {
		return nil, errors.New("metadata endpoint returned no usable document")
	}

	return json.RawMessage(body), nil
}

// FetchMetaFromResponse extracts metadata from the headers of a zero-byte
// download, the fallback path when the dedicated endpoint is unavailable.
func (c *Client) FetchMetaFromResponse() (json.RawMessage, error) {
	_, meta, err := c.probeLatency(PhaseNone, fetchTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch metadata from response headers")
	}
	if meta == nil {
		return nil, errors.New("response carried no metadata headers")
	}
	return meta, nil
}

// FetchLocations returns the colo code to city mapping published by the
// service.
func (c *Client) FetchLocations() (map[string]string, error) {
	body, err := c.fetchJSON(locationsPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch locations")
	}

	locations := map[string]string{}
	gjson.ParseBytes(body).ForEach(func(_, entry gjson.Result) bool {
		iata := entry.Get("iata").String()
		city := entry.Get("city").String()
		if iata != "" {
			locations[iata] = city
		}
		return true
	})
	if len(locations) == 0 {
		return nil, errors.New("locations endpoint returned no entries")
	}

	return locations, nil
}

// FetchTurn returns the TURN credential document used by the experimental
// UDP probe.
func (c *Client) FetchTurn() (*TurnInfo, error) {
	body, err := c.fetchJSON(turnPath)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch TURN info")
	}

	info := &TurnInfo{}
	if err := json.Unmarshal(body, info); err != nil {
		return nil, errors.Wrap(err, "could not decode TURN info")
	}

	return info, nil
}

// extractMetadata pulls the enrichment-relevant fields out of an opaque
// metadata document.
func extractMetadata(meta json.RawMessage) (ip, colo, asn, asOrg string) {
	parsed := gjson.ParseBytes(meta)
	return parsed.Get("clientIp").String(),
		parsed.Get("colo").String(),
		parsed.Get("asn").String(),
		parsed.Get("asOrganization").String()
}

// mapColoToServer renders a "City (COLO)" label for a colo code, or "" when
// the code is unknown.
func mapColoToServer(locations map[string]string, colo string) string {
	if colo == "" {
		return ""
	}
	city, ok := locations[colo]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s (%s)", city, colo)
}
