package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultServiceName = "_duelnet-relay._tcp"
	DefaultDomain      = "local."
)

var ErrRelayNotFound = errors.New("no relay found on the local network")

// Lookup browses the LAN for an advertised relay and returns its websocket
// base URL. It returns the first entry found before ctx is done.
func Lookup(ctx context.Context, service, domain string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Join(ErrRelayNotFound, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err = resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", errors.Join(ErrRelayNotFound, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrRelayNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrRelayNotFound
			}
			if u := entryURL(entry); u != "" {
				return u, nil
			}
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return fmt.Sprintf("ws://%s", net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
}

// Advertise registers a relay listening on port under instance so that
// peers without a configured relay URL can find it. Shut the returned
// server down to withdraw the advertisement.
func Advertise(instance, service, domain string, port int) (*zeroconf.Server, error) {
	return zeroconf.Register(instance, service, domain, port, []string{"proto=duelnet", "v=1"}, nil)
}
