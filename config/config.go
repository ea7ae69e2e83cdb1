// Package config loads peer settings from an optional YAML file overlaid by
// command line flags.
package config

import (
	"errors"
	"os"

	"github.com/adwski/duelnet/transport"
	"github.com/adwski/duelnet/transport/factory"
	"github.com/adwski/duelnet/transport/mesh"
	"github.com/adwski/duelnet/voice"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var (
	ErrRead  = errors.New("unable to read config file")
	ErrParse = errors.New("unable to parse config")
)

type Config struct {
	LogLevel  string                `yaml:"log_level"`
	Transport factory.Config        `yaml:"transport"`
	Join      transport.RetryPolicy `yaml:"join"`
	Voice     voice.Config          `yaml:"voice"`
}

func Default() *Config {
	return &Config{
		LogLevel: zerolog.InfoLevel.String(),
		Transport: factory.Config{
			Kind: factory.KindMesh,
			Mesh: mesh.DefaultConfig(),
		},
		Join:  transport.DefaultRetryPolicy(),
		Voice: voice.DefaultConfig(),
	}
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	return zerolog.ParseLevel(c.LogLevel)
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrRead, err)
	}
	if err = yaml.Unmarshal(b, c); err != nil {
		return errors.Join(ErrParse, err)
	}
	return nil
}

// Load builds the configuration from defaults, then the file named by
// --config, then the remaining flags parsed with fs. Flags that are not set
// keep the value coming from the file. Callers may register their own flags
// on fs beforehand.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	pre := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	path := pre.StringP("config", "c", "", "path to yaml config file")
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return nil, errors.Join(ErrParse, err)
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.LoadFile(*path); err != nil {
			return nil, err
		}
	}

	fs.StringP("config", "c", *path, "path to yaml config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	return cfg, nil
}

// BindFlags registers flags writing into c. Current field values become the
// flag defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	m := &c.Transport.Mesh
	r := &c.Transport.Relay

	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "log level")
	fs.StringVarP(&c.Transport.Kind, "transport", "t", c.Transport.Kind, "transport kind: mesh, relay or loopback")

	fs.StringSliceVarP(&m.BootstrapAddrs, "bootstrap", "b", m.BootstrapAddrs, "bootstrap peer multiaddrs")
	fs.StringSliceVar(&m.ListenAddrs, "listen", m.ListenAddrs, "mesh listen multiaddrs")
	fs.StringSliceVar(&m.StaticRelays, "static-relay", m.StaticRelays, "circuit relay multiaddrs")
	fs.StringVar(&m.DiscoveryTopic, "discovery-topic", m.DiscoveryTopic, "room discovery topic")
	fs.StringVar(&m.MDNSService, "mdns-service", m.MDNSService, "mdns service tag")
	fs.BoolVar(&m.DisableMDNS, "no-mdns", m.DisableMDNS, "disable mdns peer discovery")
	fs.BoolVar(&m.EnableNAT, "nat", m.EnableNAT, "enable port mapping and hole punching")
	fs.IntVar(&m.MeshWaitAttempts, "mesh-wait-attempts", m.MeshWaitAttempts, "mesh health polls after subscribing")
	fs.DurationVar(&m.MeshWaitInterval, "mesh-wait-interval", m.MeshWaitInterval, "interval between mesh health polls")
	fs.DurationVar(&m.KeepaliveInterval, "keepalive", m.KeepaliveInterval, "topic keepalive interval")

	fs.StringVarP(&r.URL, "relay-url", "r", r.URL, "relay server url, looked up on the LAN when empty")
	fs.StringVar(&r.PeerID, "peer-id", r.PeerID, "relay peer id, random when empty")
	fs.StringVar(&r.ServiceName, "relay-service", r.ServiceName, "relay dns-sd service name")

	fs.IntVar(&c.Join.Attempts, "join-attempts", c.Join.Attempts, "room lookup attempts when joining")
	fs.DurationVar(&c.Join.Delay, "join-delay", c.Join.Delay, "delay between room lookups")

	fs.DurationVar(&c.Voice.ThrottleInterval, "voice-throttle", c.Voice.ThrottleInterval, "minimum interval between voice frames")
	fs.Float64Var(&c.Voice.SilenceThreshold, "voice-silence", c.Voice.SilenceThreshold, "peak amplitude below which frames are not sent")
	fs.IntVar(&c.Voice.FFTSize, "fft-size", c.Voice.FFTSize, "analyser fft size")
	fs.Float64Var(&c.Voice.MinDecibels, "min-db", c.Voice.MinDecibels, "analyser lower bound")
	fs.Float64Var(&c.Voice.MaxDecibels, "max-db", c.Voice.MaxDecibels, "analyser upper bound")
	fs.Float64Var(&c.Voice.Smoothing, "smoothing", c.Voice.Smoothing, "analyser smoothing constant")
}
