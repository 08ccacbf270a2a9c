// Command spikedetect loads a chunked recording, detects threshold-crossing
// spikes on its channels and optionally writes the spike times and the
// per-channel amplitude spectra.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/RyanBlaney/sonido-spikes/config"
	"github.com/RyanBlaney/sonido-spikes/detection"
	"github.com/RyanBlaney/sonido-spikes/frequency"
	"github.com/RyanBlaney/sonido-spikes/loader"
	"github.com/RyanBlaney/sonido-spikes/logging"
	"github.com/RyanBlaney/sonido-spikes/metrics"
	"github.com/RyanBlaney/sonido-spikes/recording"
	"github.com/RyanBlaney/sonido-spikes/recording/chunkstore"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	configFile string
	storeDir   string
	outFile    string
	textfile   string
	logLevel   string
	quiet      bool

	channels []int
	factor   float64
	mode     string
	window   float64
	workers  int
	save     bool
	freq     bool

	importCSV  string
	sampleRate float64
	chunkWidth int
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	pflag.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file (default: built-in defaults)")
	pflag.StringVarP(&opts.outFile, "out", "o", "spiketimes.json", "Spike times output file")
	pflag.StringVar(&opts.textfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the run")
	pflag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pflag.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print progress")
	pflag.IntSliceVar(&opts.channels, "channels", nil, "Channel indices to scan (default: all)")
	pflag.Float64VarP(&opts.factor, "factor", "f", 0, "Threshold factor")
	pflag.StringVarP(&opts.mode, "mode", "m", "", "Spike polarity (peaks, troughs, both)")
	pflag.Float64VarP(&opts.window, "window", "w", 0, "Spike window in seconds")
	pflag.IntVar(&opts.workers, "workers", 0, "Channels scanned concurrently")
	pflag.BoolVar(&opts.save, "save", false, "Write spike times to --out")
	pflag.BoolVar(&opts.freq, "freq", false, "Run frequency analysis after detection")
	pflag.StringVar(&opts.importCSV, "import-csv", "", "Convert a CSV file (one row per channel) into the store and exit")
	pflag.Float64Var(&opts.sampleRate, "fs", 0, "Sampling rate in Hz for --import-csv")
	pflag.IntVar(&opts.chunkWidth, "chunk-width", 4096, "Samples per chunk for --import-csv")
	version := pflag.BoolP("version", "v", false, "Print version and exit")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: spikedetect [flags] <store-dir>\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *version {
		fmt.Printf("spikedetect %s\n", Version)
		return 0
	}
	if pflag.NArg() != 1 {
		pflag.Usage()
		return 2
	}
	opts.storeDir = pflag.Arg(0)

	cfg, err := loadConfig(&opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spikedetect: %v\n", err)
		return 2
	}
	logger := setupLogging(cfg)

	if opts.importCSV != "" {
		if err := importCSV(opts.importCSV, opts.storeDir, opts.sampleRate, opts.chunkWidth); err != nil {
			logger.Error(err, "Import failed")
			return 1
		}
		logger.Info("Import completed", logging.Fields{"store": opts.storeDir})
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	cfg.Loader.Metrics = rec
	cfg.Detection.Engine.Metrics = rec

	code := process(ctx, cfg, &opts, logger)

	if cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err != nil {
			logger.Error(err, "Failed to write metrics", logging.Fields{"path": cfg.Metrics.Textfile})
		}
	}
	return code
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		loaded, err := config.Load(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if pflag.CommandLine.Changed("channels") {
		cfg.Detection.ChannelSelection = config.SelectSelection
		cfg.Detection.Channels = opts.channels
	}
	if pflag.CommandLine.Changed("factor") {
		cfg.Detection.ThresholdFactor = opts.factor
	}
	if pflag.CommandLine.Changed("mode") {
		mode, err := detection.ParseMode(opts.mode)
		if err != nil {
			return nil, err
		}
		cfg.Detection.Mode = mode
	}
	if pflag.CommandLine.Changed("window") {
		cfg.Detection.SpikeWindowSeconds = opts.window
	}
	if pflag.CommandLine.Changed("workers") {
		cfg.Detection.Engine.Workers = opts.workers
	}
	if opts.save {
		cfg.Detection.SaveSpikeTimes = true
	}
	if opts.freq {
		cfg.Frequency.Enabled = true
	}
	if opts.textfile != "" {
		cfg.Metrics.Textfile = opts.textfile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) logging.Logger {
	var logger *logging.DefaultLogger
	if cfg.Logging.NoColor {
		logger = logging.NewDefaultLoggerNoColor()
	} else {
		logger = logging.NewDefaultLogger()
	}
	// Validate has already accepted the level.
	level, _ := cfg.Logging.ParseLevel()
	logger.SetLevel(level)
	logging.SetGlobalLogger(logger)
	return logger.WithFields(logging.Fields{"component": "spikedetect"})
}

func process(ctx context.Context, cfg *config.Config, opts *options, logger logging.Logger) int {
	store, err := chunkstore.Open(opts.storeDir)
	if err != nil {
		logger.Error(err, "Failed to open store", logging.Fields{"store": opts.storeDir})
		return 1
	}
	defer store.Close()

	m, err := load(ctx, cfg, store, opts.quiet)
	if err != nil {
		if errors.Is(err, loader.ErrCancelled) {
			logger.Warn("Load cancelled", logging.Fields{"filled": m.Filled()})
			return 130
		}
		logger.Error(err, "Load failed")
		return 1
	}

	channels, _ := m.Shape()
	results, err := detect(ctx, cfg, m, cfg.Detection.RunSettings(channels), opts.quiet, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Detection cancelled", logging.Fields{"channels": len(results.Channels)})
			return 130
		}
		logger.Error(err, "Detection failed")
		return 1
	}

	if cfg.Detection.SaveSpikeTimes {
		if err := writeJSON(opts.outFile, results.Export()); err != nil {
			logger.Error(err, "Failed to write spike times", logging.Fields{"path": opts.outFile})
			return 1
		}
		logger.Info("Spike times written", logging.Fields{"path": opts.outFile})
	}

	if cfg.Frequency.Enabled {
		if err := analyse(ctx, cfg, m, cfg.Detection.Selection(channels), opts.quiet, logger); err != nil {
			logger.Error(err, "Frequency analysis failed")
			return 1
		}
	}
	return 0
}

func load(ctx context.Context, cfg *config.Config, ds recording.Dataset, quiet bool) (*recording.Matrix, error) {
	task, err := loader.New(&cfg.Loader).Load(ctx, ds)
	if err != nil {
		return nil, err
	}

	for ev := range task.Events() {
		if !quiet && ev.Kind == loader.EventStep {
			fmt.Fprintf(os.Stderr, "\rloading: %s of %d (%.0f%%)", ev.Label, ev.Steps, 100*ev.Fraction)
		}
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	return task.Wait()
}

func detect(ctx context.Context, cfg *config.Config, src recording.Source, s detection.Settings, quiet bool, logger logging.Logger) (*detection.ResultSet, error) {
	engineCfg := cfg.Detection.Engine
	engineCfg.StreamSpikes = false

	run, err := detection.NewEngine(&engineCfg).Detect(ctx, src, s)
	if err != nil {
		return nil, err
	}

	for ev := range run.Events() {
		switch ev.Kind {
		case detection.EventChannel:
			r := ev.Result
			fields := logging.Fields{
				"channel":   r.Channel,
				"threshold": r.Threshold,
				"peaks":     r.Count(detection.Peak),
				"troughs":   r.Count(detection.Trough),
			}
			if r.Unclosed != nil {
				fields["unclosed_at"] = r.Unclosed.Index
			}
			logger.Debug("Channel scanned", fields)
		case detection.EventProgress:
			if !quiet {
				fmt.Fprintf(os.Stderr, "\rdetecting: %d/%d channels (%.0f%%)", ev.Processed, ev.Total, 100*ev.Fraction)
			}
		}
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}

	results, err := run.Wait()
	if err == nil {
		logger.Info("Detection completed", logging.Fields{
			"channels": len(results.Channels),
			"spikes":   results.SpikeCount(),
		})
	}
	return results, err
}

func analyse(ctx context.Context, cfg *config.Config, src recording.Source, sel recording.Selection, quiet bool, logger logging.Logger) error {
	progress := make(chan frequency.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if !quiet {
				fmt.Fprintf(os.Stderr, "\ranalysing: %d/%d channels (%.0f%%)", p.Processed, p.Total, 100*p.Fraction)
			}
		}
		if !quiet {
			fmt.Fprintln(os.Stderr)
		}
	}()

	spectra, err := frequency.New(&cfg.Frequency).Analyze(ctx, src, sel, progress)
	close(progress)
	<-done
	if err != nil {
		return err
	}

	for _, s := range spectra {
		if freq, amp, ok := s.Dominant(); ok {
			logger.Info("Dominant frequency", logging.Fields{
				"channel":   s.Channel,
				"hz":        freq,
				"amplitude": amp,
			})
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
