package speedtest

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations given either as strings ("10s", "800ms")
// or as a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return errors.New("duration must be a string or a number of seconds")
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Options are the host-facing measurement knobs, settable from flags and an
// optional YAML file.
type Options struct {
	BaseURL             string
	Comment             string
	DownloadBytesPerReq uint64
	UploadBytesPerReq   uint64
	Concurrency         int
	IdleLatencyDuration time.Duration
	DownloadDuration    time.Duration
	UploadDuration      time.Duration
	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	Experimental        bool
	Interface           string
	SourceIP            string
	CertificatePath     string
}

// UnmarshalYAML overrides only the keys present in the document, so a file
// can be decoded over defaults (or flag values) without clobbering the rest.
func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	type fileOptions struct {
		BaseURL             *string   `yaml:"base_url"`
		Comment             *string   `yaml:"comments"`
		DownloadBytesPerReq *uint64   `yaml:"download_bytes_per_req"`
		UploadBytesPerReq   *uint64   `yaml:"upload_bytes_per_req"`
		Concurrency         *int      `yaml:"concurrency"`
		IdleLatencyDuration *Duration `yaml:"idle_latency_duration"`
		DownloadDuration    *Duration `yaml:"download_duration"`
		UploadDuration      *Duration `yaml:"upload_duration"`
		ProbeInterval       *Duration `yaml:"probe_interval"`
		ProbeTimeout        *Duration `yaml:"probe_timeout"`
		Experimental        *bool     `yaml:"experimental"`
		Interface           *string   `yaml:"interface"`
		SourceIP            *string   `yaml:"source_ip"`
		CertificatePath     *string   `yaml:"certificate"`
	}

	var f fileOptions
	if err := node.Decode(&f); err != nil {
		return err
	}

	if f.BaseURL != nil {
		o.BaseURL = *f.BaseURL
	}
	if f.Comment != nil {
		o.Comment = *f.Comment
	}
	if f.DownloadBytesPerReq != nil {
		o.DownloadBytesPerReq = *f.DownloadBytesPerReq
	}
	if f.UploadBytesPerReq != nil {
		o.UploadBytesPerReq = *f.UploadBytesPerReq
	}
	if f.Concurrency != nil {
		o.Concurrency = *f.Concurrency
	}
	if f.IdleLatencyDuration != nil {
		o.IdleLatencyDuration = f.IdleLatencyDuration.Duration()
	}
	if f.DownloadDuration != nil {
		o.DownloadDuration = f.DownloadDuration.Duration()
	}
	if f.UploadDuration != nil {
		o.UploadDuration = f.UploadDuration.Duration()
	}
	if f.ProbeInterval != nil {
		o.ProbeInterval = f.ProbeInterval.Duration()
	}
	if f.ProbeTimeout != nil {
		o.ProbeTimeout = f.ProbeTimeout.Duration()
	}
	if f.Experimental != nil {
		o.Experimental = *f.Experimental
	}
	if f.Interface != nil {
		o.Interface = *f.Interface
	}
	if f.SourceIP != nil {
		o.SourceIP = *f.SourceIP
	}
	if f.CertificatePath != nil {
		o.CertificatePath = *f.CertificatePath
	}

	return nil
}

// DefaultOptions matches the service's recommended measurement shape.
func DefaultOptions() Options {
	return Options{
		BaseURL:             "https://speed.cloudflare.com",
		DownloadBytesPerReq: 10_000_000,
		UploadBytesPerReq:   5_000_000,
		Concurrency:         6,
		IdleLatencyDuration: 2 * time.Second,
		DownloadDuration:    10 * time.Second,
		UploadDuration:      10 * time.Second,
		ProbeInterval:       250 * time.Millisecond,
		ProbeTimeout:        800 * time.Millisecond,
	}
}

// LoadOptionsFile decodes a YAML options file over opts in place.
func LoadOptionsFile(path string, opts *Options) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read options file")
	}
	if err := yaml.Unmarshal(raw, opts); err != nil {
		return errors.Wrap(err, "could not parse options file")
	}
	return nil
}

// BuildRunConfig turns options into the immutable per-run config, minting a
// fresh measurement id.
func BuildRunConfig(opts Options, userAgent string) RunConfig {
	return RunConfig{
		BaseURL:             opts.BaseURL,
		MeasID:              uuid.NewString(),
		Comment:             opts.Comment,
		DownloadBytesPerReq: opts.DownloadBytesPerReq,
		UploadBytesPerReq:   opts.UploadBytesPerReq,
		Concurrency:         opts.Concurrency,
		IdleLatencyDuration: opts.IdleLatencyDuration,
		DownloadDuration:    opts.DownloadDuration,
		UploadDuration:      opts.UploadDuration,
		ProbeInterval:       opts.ProbeInterval,
		ProbeTimeout:        opts.ProbeTimeout,
		UserAgent:           userAgent,
		Experimental:        opts.Experimental,
		Interface:           opts.Interface,
		SourceIP:            opts.SourceIP,
		CertificatePath:     opts.CertificatePath,
	}
}
