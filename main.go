package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kavehtehrani/cloudflare-speed-cli/speedtest"
)

var (
	BuildName    = "cloudflare-speed-cli"
	BuildVersion = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flagVals := speedtest.DefaultOptions()
	var configPath string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:           BuildName,
		Short:         "Measure throughput, latency and loss against a speed-test service",
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := resolveOptions(cmd.Flags(), flagVals, configPath)
			if err != nil {
				return err
			}
			userAgent := fmt.Sprintf("%s/%s", BuildName, BuildVersion)
			return run(opts, userAgent, jsonOut)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML options file")
	flags.BoolVar(&jsonOut, "json", false, "Print the result as JSON instead of a text summary")
	flags.StringVar(&flagVals.BaseURL, "base-url", flagVals.BaseURL, "Base URL of the speed-test service")
	flags.DurationVar(&flagVals.DownloadDuration, "download-duration", flagVals.DownloadDuration, "Download phase duration")
	flags.DurationVar(&flagVals.UploadDuration, "upload-duration", flagVals.UploadDuration, "Upload phase duration")
	flags.DurationVar(&flagVals.IdleLatencyDuration, "idle-latency-duration", flagVals.IdleLatencyDuration, "Idle latency probe duration")
	flags.IntVar(&flagVals.Concurrency, "concurrency", flagVals.Concurrency, "Concurrency for download/upload workers")
	flags.Uint64Var(&flagVals.DownloadBytesPerReq, "download-bytes-per-req", flagVals.DownloadBytesPerReq, "Bytes per download request")
	flags.Uint64Var(&flagVals.UploadBytesPerReq, "upload-bytes-per-req", flagVals.UploadBytesPerReq, "Bytes per upload request")
	flags.DurationVar(&flagVals.ProbeInterval, "probe-interval", flagVals.ProbeInterval, "Latency probe interval")
	flags.DurationVar(&flagVals.ProbeTimeout, "probe-timeout", flagVals.ProbeTimeout, "Latency probe timeout")
	flags.BoolVar(&flagVals.Experimental, "experimental", false, "Enable the experimental TURN fetch and UDP loss probe")
	flags.StringVar(&flagVals.Interface, "interface", "", "Bind to a specific network interface (e.g. eth0)")
	flags.StringVar(&flagVals.SourceIP, "source", "", "Bind to a specific source IP address")
	flags.StringVar(&flagVals.CertificatePath, "certificate", "", "Path to a PEM trust-anchor bundle")
	flags.StringVar(&flagVals.Comment, "comments", "", "Attach free-text comments to this run")

	return cmd
}

// resolveOptions layers defaults, the optional YAML file, and any flags the
// user actually set, in that order of precedence.
func resolveOptions(flags *pflag.FlagSet, flagVals speedtest.Options, configPath string) (speedtest.Options, error) {
	opts := speedtest.DefaultOptions()
	if configPath != "" {
		if err := speedtest.LoadOptionsFile(configPath, &opts); err != nil {
			return opts, err
		}
	}

	overrides := map[string]func(){
		"base-url":               func() { opts.BaseURL = flagVals.BaseURL },
		"download-duration":      func() { opts.DownloadDuration = flagVals.DownloadDuration },
		"upload-duration":        func() { opts.UploadDuration = flagVals.UploadDuration },
		"idle-latency-duration":  func() { opts.IdleLatencyDuration = flagVals.IdleLatencyDuration },
		"concurrency":            func() { opts.Concurrency = flagVals.Concurrency },
		"download-bytes-per-req": func() { opts.DownloadBytesPerReq = flagVals.DownloadBytesPerReq },
		"upload-bytes-per-req":   func() { opts.UploadBytesPerReq = flagVals.UploadBytesPerReq },
		"probe-interval":         func() { opts.ProbeInterval = flagVals.ProbeInterval },
		"probe-timeout":          func() { opts.ProbeTimeout = flagVals.ProbeTimeout },
		"experimental":           func() { opts.Experimental = flagVals.Experimental },
		"interface":              func() { opts.Interface = flagVals.Interface },
		"source":                 func() { opts.SourceIP = flagVals.SourceIP },
		"certificate":            func() { opts.CertificatePath = flagVals.CertificatePath },
		"comments":               func() { opts.Comment = flagVals.Comment },
	}
	for name, apply := range overrides {
		if flags.Changed(name) {
			apply()
		}
	}

	return opts, nil
}

func run(opts speedtest.Options, userAgent string, jsonOut bool) error {
	cfg := speedtest.BuildRunConfig(opts, userAgent)

	events := make(chan speedtest.TestEvent, 256)
	control := make(chan speedtest.EngineControl, 8)

	// Interrupts cancel the run cooperatively; the engine returns with
	// whatever it measured so far.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		control <- speedtest.Cancel{}
	}()

	type outcome struct {
		result *speedtest.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := speedtest.NewEngine(cfg).Run(events, control)
		close(events)
		done <- outcome{result: result, err: err}
	}()

	// Output happens on this side of the channel so a slow terminal never
	// stalls the measurement loops.
	status := log.New(os.Stderr, "", 0)
	out := log.New(os.Stdout, "", 0)
	if !jsonOut {
		status.Printf("%s %s", BuildName, BuildVersion)
		status.Printf("At: %s", time.Now().Format(time.RFC1123Z))
	}

	collector := speedtest.NewCollector()
	for ev := range events {
		line := collector.Observe(ev)
		if line != "" && !jsonOut {
			status.Println(line)
		}
	}

	res := <-done
	if res.err != nil {
		return errors.Wrap(res.err, "speed test failed")
	}

	if jsonOut {
		buf, err := json.MarshalIndent(res.result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "could not encode result")
		}
		out.Println(string(buf))
		return nil
	}

	lines, err := speedtest.BuildTextSummary(res.result, collector)
	if err != nil {
		return err
	}
	status.Println()
	for _, line := range lines {
		out.Println(line)
	}

	return nil
}
