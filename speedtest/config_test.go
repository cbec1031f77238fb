package speedtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"gotest.tools/v3/assert"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10s", 10 * time.Second},
		{"800ms", 800 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"10", 10 * time.Second},
		{"2.5", 2500 * time.Millisecond},
	}

	for _, c := range cases {
		var d Duration
		assert.NilError(t, yaml.Unmarshal([]byte(c.in), &d), "input %q", c.in)
		assert.Equal(t, d.Duration(), c.want, "input %q", c.in)
	}

	var d Duration
	assert.Assert(t, yaml.Unmarshal([]byte(`"ten seconds"`), &d) != nil)
}

func TestOptionsYAMLOverridesOnlyPresentKeys(t *testing.T) {
	opts := DefaultOptions()

	doc := []byte("download_duration: 20s\nconcurrency: 4\ncomments: from file\nexperimental: true\n")
	assert.NilError(t, yaml.Unmarshal(doc, &opts))

	assert.Equal(t, opts.DownloadDuration, 20*time.Second)
	assert.Equal(t, opts.Concurrency, 4)
	assert.Equal(t, opts.Comment, "from file")
	assert.Equal(t, opts.Experimental, true)

	// Everything absent from the document keeps its prior value.
	assert.Equal(t, opts.BaseURL, "https://speed.cloudflare.com")
	assert.Equal(t, opts.UploadDuration, 10*time.Second)
	assert.Equal(t, opts.DownloadBytesPerReq, uint64(10_000_000))
	assert.Equal(t, opts.ProbeInterval, 250*time.Millisecond)
}

func TestLoadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	doc := "base_url: https://speed.example.com\nprobe_timeout: 1.5\nsource_ip: 192.0.2.10\n"
	assert.NilError(t, os.WriteFile(path, []byte(doc), 0o600))

	opts := DefaultOptions()
	assert.NilError(t, LoadOptionsFile(path, &opts))

	assert.Equal(t, opts.BaseURL, "https://speed.example.com")
	assert.Equal(t, opts.ProbeTimeout, 1500*time.Millisecond)
	assert.Equal(t, opts.SourceIP, "192.0.2.10")
	assert.Equal(t, opts.Concurrency, 6)
}

func TestLoadOptionsFileErrors(t *testing.T) {
	opts := DefaultOptions()

	err := LoadOptionsFile(filepath.Join(t.TempDir(), "missing.yaml"), &opts)
	assert.ErrorContains(t, err, "could not read options file")

	path := filepath.Join(t.TempDir(), "broken.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("concurrency: [not an int\n"), 0o600))
	err = LoadOptionsFile(path, &opts)
	assert.ErrorContains(t, err, "could not parse options file")
}

func TestBuildRunConfig(t *testing.T) {
	opts := DefaultOptions()
	opts.Comment = "k"
	opts.Experimental = true

	cfg := BuildRunConfig(opts, "agent/1.0")

	assert.Equal(t, cfg.BaseURL, opts.BaseURL)
	assert.Equal(t, cfg.Comment, "k")
	assert.Equal(t, cfg.UserAgent, "agent/1.0")
	assert.Equal(t, cfg.Experimental, true)
	assert.Equal(t, cfg.DownloadDuration, 10*time.Second)
	assert.Assert(t, cfg.MeasID != "")

	// Each run gets its own measurement id.
	assert.Assert(t, BuildRunConfig(opts, "agent/1.0").MeasID != cfg.MeasID)
}
