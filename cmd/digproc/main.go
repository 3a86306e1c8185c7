package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	flag "github.com/spf13/pflag"

	"github.com/will7200/digproc/device/rtsp"
	"github.com/will7200/digproc/device/sim"
	"github.com/will7200/digproc/internal/config"
	"github.com/will7200/digproc/internal/metrics"
	relay "github.com/will7200/digproc/internal/rtsp"
	"github.com/will7200/digproc/internal/server"
	"github.com/will7200/digproc/internal/version"
	"github.com/will7200/digproc/pipeline"
	"github.com/will7200/digproc/process"
)

// log a progress line every progressEvery processed frames
const progressEvery = 100

var (
	flagSet       = new(flag.FlagSet)
	internalUsage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
)

func main() {
	flag.Usage = internalUsage

	var (
		showVersion = flagSet.BoolP("version", "v", false, "prints the version of digproc")
		help        = flagSet.BoolP("help", "h", false, "show this help message")
		configPath  = flagSet.StringP("config", "c", "", "yaml configuration file")
	)
	config.AddFlags(flagSet)

	flagSet.VisitAll(func(f *flag.Flag) {
		if flag.Lookup(f.Name) == nil {
			flag.CommandLine.AddFlag(f)
		}
	})

	if err := config.LoadDotEnv(); err != nil {
		fmt.Println(err)
	}
	// Set flags from environment
	if err := config.SetFlagsFromEnvironment(flag.CommandLine, os.Environ()); err != nil {
		fmt.Println(err)
	}
	flag.Parse()

	if *showVersion {
		fmt.Println("digproc version", version.Version)
		fmt.Println("built at:", version.Date)
		return
	}
	if *help {
		flag.Usage()
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	cfg, err := config.Load(flag.CommandLine, *configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Acquisition failed")
	}
}

func newDigitizer(cfg config.Config) pipeline.Digitizer {
	switch cfg.Source {
	case config.SourceRTSP:
		return rtsp.New(rtsp.Params{
			URL:   cfg.URL,
			Probe: cfg.Probe,
		})
	default:
		return sim.New(sim.Params{
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		})
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RelayAddr != "" {
		r := relay.NewRelay(relay.RelayParams{RTSPAddress: cfg.RelayAddr})
		if err := r.Run(ctx); err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
	}

	digitizer := newDigitizer(cfg)
	counter := process.NewCounter(progressEvery, nil)
	checksum := process.NewChecksum(nil)

	p, err := pipeline.New(pipeline.Params{
		Name:                   cfg.Source,
		BufferCount:            cfg.Buffers,
		AllowPartialAllocation: true,
		Digitizer:              digitizer,
		Process:                process.Chain(counter.Process, checksum.Process),
		MaxFrames:              cfg.Frames,
		Overflow:               cfg.OverflowPolicy(),
	})
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			metrics.NewCollector("digproc", p),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		go func() {
			if err := server.Run(ctx, cfg.MetricsAddr, server.NewRouter(p, registry)); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
	}

	// the run outlives ctx so an interrupt goes through Stop and drains
	if err := p.Start(context.Background()); err != nil {
		return err
	}
	fmt.Println("Press <Ctrl+C> to stop.")

	select {
	case <-ctx.Done():
	case <-p.Done():
	}

	err = p.Stop(cfg.StopTimeout)
	stats := p.Statistics()
	frameTime := float64(stats.FrameTime()) / float64(time.Millisecond)
	fmt.Printf("\n%d frames processed at %.1f frames/sec (%.1f ms/frame).\n", stats.Processed, stats.Rate, frameTime)
	if stats.Missed > 0 || stats.Dropped > 0 {
		fmt.Printf("%d frames missed, %d frames dropped at stop.\n", stats.Missed, stats.Dropped)
	}
	if d, ok := digitizer.(*rtsp.Digitizer); ok {
		s := d.Stats()
		log.Info().
			Uint64("packets", s.Packets).
			Uint64("units", s.Units).
			Uint64("dropped", s.Dropped).
			Uint64("oversize", s.Oversize).
			Msg("RTSP statistics")
	}
	if sum, frame := checksum.Last(); frame > 0 {
		log.Debug().Uint64("frame", frame).Uint32("crc", sum).Msg("Last frame checksum")
	}
	return err
}
