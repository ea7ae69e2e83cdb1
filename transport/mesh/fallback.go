package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/adwski/duelnet/transport"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

var errNoPeerstoreAddrs = errors.New("no cached addresses for peer")

// dialer is the part of the host used by connect-with-fallback.
type dialer interface {
	connected(pid peer.ID) bool
	dialPeerstore(ctx context.Context, pid peer.ID) error
	dialAddr(ctx context.Context, pid peer.ID, addr ma.Multiaddr) error
}

type hostDialer struct {
	h       host.Host
	timeout func(context.Context) (context.Context, context.CancelFunc)
}

func (d hostDialer) connected(pid peer.ID) bool {
	return len(d.h.Network().ConnsToPeer(pid)) > 0
}

func (d hostDialer) dialPeerstore(ctx context.Context, pid peer.ID) error {
	if len(d.h.Peerstore().Addrs(pid)) == 0 {
		return errNoPeerstoreAddrs
	}
	ctx, cancel := d.timeout(ctx)
	defer cancel()
	return d.h.Connect(ctx, peer.AddrInfo{ID: pid})
}

func (d hostDialer) dialAddr(ctx context.Context, pid peer.ID, addr ma.Multiaddr) error {
	ctx, cancel := d.timeout(ctx)
	defer cancel()
	return d.h.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}})
}

// connectWithFallback returns at once when pid is already connected. It
// then tries the cached peerstore addresses and finally every fallback
// address, most direct transport first, stopping at the first success.
func connectWithFallback(
	ctx context.Context,
	d dialer,
	pid peer.ID,
	addrs []string,
	logger *zerolog.Logger,
) error {
	if d.connected(pid) {
		return nil
	}

	err := d.dialPeerstore(ctx, pid)
	if err == nil {
		logger.Debug().Str("peer", pid.String()).Msg("connected using cached addresses")
		return nil
	}
	errs := []error{fmt.Errorf("peerstore: %w", err)}

	for _, addr := range rankAddrs(pid, addrs) {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = d.dialAddr(ctx, pid, addr); err == nil {
			logger.Debug().Str("peer", pid.String()).Str("addr", addr.String()).Msg("connected using fallback address")
			return nil
		}
		logger.Debug().Err(err).Str("peer", pid.String()).Str("addr", addr.String()).Msg("fallback dial failed")
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return errors.Join(transport.ErrAllAddressesFailed, errors.Join(errs...))
}

// rankAddrs parses addrs, drops those that belong to another peer and
// orders the rest by transport directness: QUIC, TCP, WebSocket or
// WebTransport, then circuit relay.
func rankAddrs(pid peer.ID, addrs []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		tpt, id := peer.SplitAddr(m)
		if tpt == nil || (id != "" && id != pid) {
			continue
		}
		out = append(out, tpt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return addrPriority(out[i]) < addrPriority(out[j])
	})
	return out
}

func addrPriority(m ma.Multiaddr) int {
	switch {
	case hasProtocol(m, ma.P_CIRCUIT):
		return 3
	case hasProtocol(m, ma.P_WS), hasProtocol(m, ma.P_WSS),
		hasProtocol(m, ma.P_WEBTRANSPORT), hasProtocol(m, ma.P_WEBRTC_DIRECT):
		return 2
	case hasProtocol(m, ma.P_QUIC_V1), hasProtocol(m, ma.P_QUIC):
		return 0
	case hasProtocol(m, ma.P_TCP):
		return 1
	}
	return 2
}

func hasProtocol(m ma.Multiaddr, code int) bool {
	for _, p := range m.Protocols() {
		if p.Code == code {
			return true
		}
	}
	return false
}
