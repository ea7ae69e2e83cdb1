// Package factory builds the transport adapter selected by configuration.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adwski/duelnet/transport"
	"github.com/adwski/duelnet/transport/loopback"
	"github.com/adwski/duelnet/transport/mesh"
	"github.com/adwski/duelnet/transport/relay"
)

const (
	KindMesh     = "mesh"
	KindRelay    = "relay"
	KindLoopback = "loopback"
)

var ErrUnknownKind = errors.New("unknown transport kind")

type Config struct {
	Kind     string          `yaml:"kind"`
	Mesh     mesh.Config     `yaml:"mesh"`
	Relay    relay.Config    `yaml:"relay"`
	Loopback loopback.Config `yaml:"-"`
}

// New returns an uninitialized adapter of the configured kind. opts are
// applied to whichever adapter is built.
func New(cfg Config, opts transport.Options) (transport.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindMesh, "":
		cfg.Mesh.Options = opts
		return mesh.New(cfg.Mesh), nil
	case KindRelay:
		cfg.Relay.Options = opts
		return relay.New(cfg.Relay), nil
	case KindLoopback:
		cfg.Loopback.Options = opts
		return loopback.New(cfg.Loopback), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
