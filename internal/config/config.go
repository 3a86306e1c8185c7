// Package config layers defaults, an optional YAML file and command line
// flags into a Config
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/will7200/digproc/pipeline"
)

const (
	SourceSim  = "sim"
	SourceRTSP = "rtsp"
)

// EnvPrefix selects the environment variables mapped onto flags
const EnvPrefix = "digproc-"

type Config struct {
	Debug       bool          `koanf:"debug"`
	Source      string        `koanf:"source"`
	URL         string        `koanf:"url"`
	Buffers     int           `koanf:"buffers"`
	Frames      uint64        `koanf:"frames"`
	FPS         float64       `koanf:"fps"`
	Width       int           `koanf:"width"`
	Height      int           `koanf:"height"`
	Overflow    string        `koanf:"overflow"`
	StopTimeout time.Duration `koanf:"stop-timeout"`
	MetricsAddr string        `koanf:"metrics-addr"`
	RelayAddr   string        `koanf:"relay-addr"`
	Probe       bool          `koanf:"probe"`
}

func Default() Config {
	return Config{
		Source:      SourceSim,
		Buffers:     3,
		FPS:         30,
		Width:       640,
		Height:      480,
		Overflow:    pipeline.OverflowBlock.String(),
		StopTimeout: 5 * time.Second,
	}
}

// AddFlags registers one flag per Config field on fs, named after its
// koanf key
func AddFlags(fs *flag.FlagSet) {
	d := Default()
	fs.BoolP("debug", "d", d.Debug, "debug logging")
	fs.String("source", d.Source, "digitizer to acquire from (sim|rtsp)")
	fs.String("url", d.URL, "rtsp url of the camera")
	fs.Int("buffers", d.Buffers, "number of buffers in the acquisition pool")
	fs.Uint64("frames", d.Frames, "stop after this many frames, 0 runs until interrupted")
	fs.Float64("fps", d.FPS, "simulated frame rate, 0 grabs as fast as possible")
	fs.Int("width", d.Width, "simulated frame width")
	fs.Int("height", d.Height, "simulated frame height")
	fs.String("overflow", d.Overflow, "what to do when every buffer is busy (block|drop)")
	fs.Duration("stop-timeout", d.StopTimeout, "how long to wait for in-flight processing on shutdown")
	fs.String("metrics-addr", d.MetricsAddr, "serve /metrics, /stats and /healthz on this address")
	fs.String("relay-addr", d.RelayAddr, "run an rtsp relay on this address")
	fs.Bool("probe", d.Probe, "probe the rtsp stream with ffprobe before connecting")
}

// Load builds a Config from the defaults, the YAML file at path when path
// is not empty, then the flags of fs that were set
func Load(fs *flag.FlagSet, path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("loading flags: %w", err)
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Source {
	case SourceSim:
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
		}
	case SourceRTSP:
		if c.URL == "" {
			return errors.New("url is required for the rtsp source")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.Buffers < 2 {
		return fmt.Errorf("buffers must be at least 2, got %d", c.Buffers)
	}
	if c.FPS < 0 {
		return fmt.Errorf("fps must not be negative, got %v", c.FPS)
	}
	if _, err := pipeline.ParseOverflowPolicy(c.Overflow); err != nil {
		return err
	}
	return nil
}

func (c Config) OverflowPolicy() pipeline.OverflowPolicy {
	policy, _ := pipeline.ParseOverflowPolicy(c.Overflow)
	return policy
}

// LoadDotEnv reads .env style files into the environment, missing files
// are skipped
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// FlagNameFromEnvironmentName gets the variable from the environment
// starting with the EnvPrefix, not case-sensitive
func FlagNameFromEnvironmentName(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "-")
	if strings.HasPrefix(s, EnvPrefix) {
		return strings.TrimPrefix(s, EnvPrefix)
	}
	return ""
}

// SetFlagsFromEnvironment sets every flag of fs named by a DIGPROC_
// variable in environ. Flags already set are left alone.
func SetFlagsFromEnvironment(fs *flag.FlagSet, environ []string) error {
	var errs []error
	for _, v := range environ {
		vals := strings.SplitN(v, "=", 2)
		if len(vals) != 2 {
			continue
		}
		flagName := FlagNameFromEnvironmentName(vals[0])
		if flagName == "" {
			continue
		}
		fn := fs.Lookup(flagName)
		if fn == nil || fn.Changed {
			continue
		}
		if err := fs.Set(flagName, vals[1]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", vals[0], err))
		}
	}
	return multierr.Combine(errs...)
}
