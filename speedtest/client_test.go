package speedtest

import (
	"net/http"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func newURLTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(&RunConfig{
		BaseURL: "https://speed.cloudflare.com",
		MeasID:  "abc123",
	}, nil)
	assert.NilError(t, err)
	return client
}

func TestEndpointURLs(t *testing.T) {
	client := newURLTestClient(t)

	assert.Equal(t, client.downURL(10_000_000), "https://speed.cloudflare.com/__down?bytes=10000000&measId=abc123")
	assert.Equal(t, client.upURL(), "https://speed.cloudflare.com/__up?measId=abc123")
	assert.Equal(t, client.probeURL(PhaseNone), "https://speed.cloudflare.com/__down?bytes=0&measId=abc123")
	assert.Equal(t, client.probeURL(PhaseDownload), "https://speed.cloudflare.com/__down?bytes=0&during=download&measId=abc123")
	assert.Equal(t, client.probeURL(PhaseUpload), "https://speed.cloudflare.com/__down?bytes=0&during=upload&measId=abc123")
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := NewClient(&RunConfig{BaseURL: "://not-a-url"}, nil)
	assert.ErrorContains(t, err, "invalid base URL")

	_, err = NewClient(&RunConfig{BaseURL: "https://example.com", SourceIP: "not-an-ip"}, nil)
	assert.ErrorContains(t, err, "invalid source IP")

	_, err = NewClient(&RunConfig{BaseURL: "https://example.com", CertificatePath: "/nonexistent/ca.pem"}, nil)
	assert.ErrorContains(t, err, "could not read certificate")
}

func TestMetaFromHeader(t *testing.T) {
	header := http.Header{}
	header.Set("cf-meta-ip", "203.0.113.9")
	header.Set("cf-meta-asn", "13335")
	header.Set("cf-meta-colo", "NRT")
	header.Set("cf-meta-city", "Tokyo")

	meta := metaFromHeader(header)
	assert.Assert(t, meta != nil)

	ip, colo, asn, asOrg := extractMetadata(meta)
	assert.Equal(t, ip, "203.0.113.9")
	assert.Equal(t, colo, "NRT")
	assert.Equal(t, asn, "13335")
	assert.Equal(t, asOrg, "")

	assert.Assert(t, metaFromHeader(http.Header{}) == nil)
}

func TestFetchMeta(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meta" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"clientIp":"198.51.100.7","colo":"SIN","asn":64500,"asOrganization":"Example Net"}`))
	})

	meta, err := client.FetchMeta()
	assert.NilError(t, err)

	ip, colo, asn, asOrg := extractMetadata(meta)
	assert.Equal(t, ip, "198.51.100.7")
	assert.Equal(t, colo, "SIN")
	assert.Equal(t, asn, "64500")
	assert.Equal(t, asOrg, "Example Net")
}

func TestFetchMetaRejectsEmptyDocument(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.FetchMeta()
	assert.ErrorContains(t, err, "no usable document")
}

func TestFetchMetaPropagatesHTTPFailure(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.FetchMeta()
	assert.ErrorContains(t, err, "could not fetch metadata")
	assert.ErrorContains(t, err, "503")
}

func TestFetchMetaFromResponse(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-meta-colo", "FRA")
		w.WriteHeader(http.StatusOK)
	})

	meta, err := client.FetchMetaFromResponse()
	assert.NilError(t, err)
	_, colo, _, _ := extractMetadata(meta)
	assert.Equal(t, colo, "FRA")
}

func TestFetchMetaFromResponseWithoutHeaders(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := client.FetchMetaFromResponse()
	assert.ErrorContains(t, err, "no metadata headers")
}

func TestFetchLocations(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/locations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"iata":"NRT","city":"Tokyo"},{"iata":"SIN","city":"Singapore"},{"city":"no-iata"}]`))
	})

	locations, err := client.FetchLocations()
	assert.NilError(t, err)
	assert.Equal(t, len(locations), 2)
	assert.Equal(t, locations["NRT"], "Tokyo")

	assert.Equal(t, mapColoToServer(locations, "SIN"), "Singapore (SIN)")
	assert.Equal(t, mapColoToServer(locations, "XXX"), "")
	assert.Equal(t, mapColoToServer(locations, ""), "")
}

func TestFetchLocationsEmpty(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := client.FetchLocations()
	assert.ErrorContains(t, err, "no entries")
}

func TestFetchTurn(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/__turn" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"urls":["stun:stun.example.com:3478"],"username":"u","credential":"c"}`))
	})

	turn, err := client.FetchTurn()
	assert.NilError(t, err)
	assert.DeepEqual(t, turn.URLs, []string{"stun:stun.example.com:3478"})
	assert.Equal(t, turn.Username, "u")
	assert.Equal(t, turn.Credential, "c")
}

func TestClientSetsUserAgent(t *testing.T) {
	agents := make(chan string, 1)
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case agents <- r.Header.Get("User-Agent"):
		default:
		}
		w.WriteHeader(http.StatusOK)
	})

	_, _, err := client.probeLatency(PhaseNone, fetchTimeout)
	assert.NilError(t, err)
	assert.Equal(t, <-agents, "speedtest-test")
}

func TestProbeLatencyRejectsNon2xx(t *testing.T) {
	client, _, _ := newSpeedTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, err := client.probeLatency(PhaseNone, fetchTimeout)
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.Contains(err.Error(), "502"))
}
