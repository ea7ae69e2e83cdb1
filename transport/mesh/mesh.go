// Package mesh implements the peer-to-peer transport on top of a libp2p
// host and gossipsub. Rooms are announced on a shared discovery topic and
// each room has its own topic named after the hosting peer.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/duelnet/envelope"
	"github.com/adwski/duelnet/transport"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	protectTag       = "duelnet-room"
	bootstrapWorkers = 4
)

var (
	ErrHost      = errors.New("unable to start libp2p host")
	ErrPubSub    = errors.New("unable to start gossipsub")
	ErrDiscovery = errors.New("unable to join discovery topic")
	ErrBadPeerID = errors.New("invalid peer id")
)

var _ transport.Adapter = (*Transport)(nil)

type (
	Transport struct {
		*transport.Base
		cfg   Config
		reg   *registry
		dials *singleflight.Group
		now   func() time.Time

		mx     *sync.Mutex
		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup
		closed bool
		host   host.Host
		ps     *pubsub.PubSub
		mdns   mdns.Service
		dialer dialer
		topics map[string]*pubsub.Topic
		subs   map[string]*pubsub.Subscription
	}

	messageHandler func(topic string, msg *pubsub.Message)
)

func New(cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{
		Base:   transport.NewBase("mesh", cfg.Options),
		cfg:    cfg,
		reg:    newRegistry(),
		dials:  &singleflight.Group{},
		now:    time.Now,
		mx:     &sync.Mutex{},
		wg:     &sync.WaitGroup{},
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}
}

// Initialize starts the libp2p host, gossipsub, the discovery topic, mDNS
// and the background keepalive and prune loops, then dials bootstrap peers.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return transport.ErrClosed
	}
	if t.ctx != nil {
		t.mx.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	root := t.ctx
	t.mx.Unlock()

	if err := t.start(ctx, root); err != nil {
		t.Logger().Error().Err(err).Msg("mesh transport initialization failed")
		t.Cleanup()
		return errors.Join(transport.ErrNotInitialized, err)
	}
	return nil
}

func (t *Transport) start(ctx, root context.Context) error {
	cm, err := connmgr.NewConnManager(t.cfg.ConnLow, t.cfg.ConnHigh, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return errors.Join(ErrHost, err)
	}
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(t.cfg.ListenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.EnableRelay(),
	}
	if t.cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}
	if relays := t.addrInfos(t.cfg.StaticRelays); len(relays) > 0 {
		opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays(relays))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return errors.Join(ErrHost, err)
	}
	t.mx.Lock()
	t.host = h
	t.dialer = hostDialer{h: h, timeout: t.dialTimeout}
	t.mx.Unlock()

	t.SetPeerID(h.ID().String())
	h.Network().Notify(t.notifiee())

	ps, err := pubsub.NewGossipSub(root, h, pubsub.WithPeerExchange(true))
	if err != nil {
		return errors.Join(ErrPubSub, err)
	}
	t.mx.Lock()
	t.ps = ps
	t.mx.Unlock()

	if _, err = t.subscribe(t.cfg.DiscoveryTopic, t.handleDiscovery); err != nil {
		return errors.Join(ErrDiscovery, err)
	}

	if !t.cfg.DisableMDNS {
		svc := mdns.NewMdnsService(h, t.cfg.MDNSService, &mdnsNotifee{t: t})
		if err = svc.Start(); err != nil {
			t.Logger().Warn().Err(err).Msg("mDNS discovery is unavailable")
		} else {
			t.mx.Lock()
			t.mdns = svc
			t.mx.Unlock()
		}
	}

	t.AttachVoice(t)

	t.spawn(t.keepaliveLoop)
	t.spawn(t.pruneLoop)

	bctx, cancel := transport.Bind(ctx, root)
	defer cancel()
	t.bootstrap(bctx)

	t.Logger().Info().
		Strs("listen", addrStrings(h)).
		Str("discovery", t.cfg.DiscoveryTopic).
		Msg("mesh transport initialized")
	return nil
}

func (t *Transport) dialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.DialTimeout)
}

func (t *Transport) addrInfos(addrs []string) []peer.AddrInfo {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		pi, err := peer.AddrInfoFromString(a)
		if err != nil {
			t.Logger().Warn().Err(err).Str("addr", a).Msg("skipping invalid peer address")
			continue
		}
		infos = append(infos, *pi)
	}
	return infos
}

// bootstrap dials the configured bootstrap peers concurrently. Failures are
// logged, mDNS and inbound connections can still populate the mesh.
func (t *Transport) bootstrap(ctx context.Context) {
	infos := t.addrInfos(t.cfg.BootstrapAddrs)
	if len(infos) == 0 {
		return
	}
	h := t.currentHost()

	var (
		g         errgroup.Group
		connected = make([]bool, len(infos))
	)
	g.SetLimit(bootstrapWorkers)
	for i, pi := range infos {
		g.Go(func() error {
			dctx, cancel := t.dialTimeout(ctx)
			defer cancel()
			if err := h.Connect(dctx, pi); err != nil {
				t.Logger().Warn().Err(err).Str("peer", pi.ID.String()).Msg("bootstrap dial failed")
				return nil
			}
			connected[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var n int
	for _, ok := range connected {
		if ok {
			n++
		}
	}
	t.Logger().Debug().Int("connected", n).Int("total", len(infos)).Msg("bootstrap finished")
}

func (t *Transport) rootContext() (context.Context, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ctx == nil || t.closed || t.ps == nil {
		return nil, false
	}
	return t.ctx, true
}

// spawn runs fn with the root context on a goroutine that Cleanup waits
// for. It reports false once Cleanup has started.
func (t *Transport) spawn(fn func(ctx context.Context)) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ctx == nil || t.closed {
		return false
	}
	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn(ctx)
	}()
	return true
}

func (t *Transport) currentHost() host.Host {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.host
}

// Cleanup stops every loop and subscription and closes the host. It is
// safe on a partially initialized transport.
func (t *Transport) Cleanup() {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return
	}
	t.closed = true
	cancel, h, svc := t.cancel, t.host, t.mdns
	subs := t.subs
	t.subs = make(map[string]*pubsub.Subscription)
	t.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	if svc != nil {
		if err := svc.Close(); err != nil {
			t.Logger().Debug().Err(err).Msg("mDNS close")
		}
	}
	t.CleanupBase()
	t.wg.Wait()
	if h != nil {
		if err := h.Close(); err != nil {
			t.Logger().Error().Err(err).Msg("failed to close libp2p host")
		}
	}
	t.Logger().Debug().Msg("mesh transport stopped")
}

// ConnectToPeerWithFallback ensures a connection to peerID. Concurrent
// calls for the same peer share one dial sequence. Exhausting every
// address returns transport.ErrAllAddressesFailed.
func (t *Transport) ConnectToPeerWithFallback(ctx context.Context, peerID string, addrs []string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return errors.Join(transport.ErrAllAddressesFailed, ErrBadPeerID, err)
	}
	t.mx.Lock()
	d := t.dialer
	t.mx.Unlock()
	if d == nil {
		return transport.ErrNotInitialized
	}
	_, err, shared := t.dials.Do(peerID, func() (any, error) {
		return nil, connectWithFallback(ctx, d, pid, addrs, t.Logger())
	})
	if shared {
		t.Logger().Debug().Str("peer", peerID).Msg("joined in-flight dial")
	}
	return err
}

func (t *Transport) CreateRoom(ctx context.Context) (string, error) {
	if _, ok := t.rootContext(); !ok {
		return "", transport.ErrNotInitialized
	}
	roomID := t.PeerID()
	if t.RoomID() == roomID {
		return roomID, nil
	}
	t.LeaveRoom(ctx)
	t.SetRoomID(roomID)
	t.SubscribeTopic(ctx, transport.RoomTopic(roomID), false)
	if t.reg.addRoom(roomID) {
		t.Events().RoomsUpdated.Emit(t.reg.roomList())
	}
	t.announceRoom(ctx, roomID)
	t.Logger().Info().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

func (t *Transport) announceRoom(ctx context.Context, roomID string) {
	msg := envelope.MustEncode(envelope.RoomCreate{PeerID: roomID})
	if err := t.PublishToTopic(ctx, t.cfg.DiscoveryTopic, []byte(msg)); err != nil {
		t.Logger().Warn().Err(err).Msg("unable to announce room")
	}
}

// JoinRoom waits for the room creator to be discovered, connects to it,
// subscribes to the room topic with a mesh wait and announces the local
// peer on it.
func (t *Transport) JoinRoom(ctx context.Context, roomID string, policy transport.RetryPolicy) error {
	root, ok := t.rootContext()
	if !ok {
		return transport.ErrNotInitialized
	}
	if t.RoomID() == roomID {
		return nil
	}
	pid, err := peer.Decode(roomID)
	if err != nil {
		return errors.Join(transport.ErrRoomNotFound, ErrBadPeerID, err)
	}
	ctx, cancel := transport.Bind(ctx, root)
	defer cancel()

	err = policy.Retry(ctx, func(attempt int) error {
		if t.reg.knows(roomID) {
			return nil
		}
		t.Logger().Debug().Int("attempt", attempt).Str("roomID", roomID).Msg("room host not discovered yet")
		return transport.ErrRoomNotFound
	})
	if err != nil {
		t.Logger().Error().Err(err).Str("roomID", roomID).Msg("unable to find room")
		return err
	}

	if err = t.ConnectToPeerWithFallback(ctx, roomID, t.reg.addrs(roomID)); err != nil {
		t.Logger().Error().Err(err).Str("roomID", roomID).Msg("unable to connect to room host")
		return err
	}

	t.LeaveRoom(ctx)
	if h := t.currentHost(); h != nil {
		h.ConnManager().Protect(pid, protectTag)
	}
	t.SetRoomID(roomID)
	topic := transport.RoomTopic(roomID)
	if !t.SubscribeTopic(ctx, topic, true) {
		return transport.ErrNotSubscribed
	}
	join := envelope.MustEncode(envelope.PlayerJoin{PeerID: t.PeerID()})
	if err = t.PublishToTopic(ctx, topic, []byte(join)); err != nil {
		t.Logger().Warn().Err(err).Msg("unable to announce join")
	}
	t.Logger().Info().Str("roomID", roomID).Msg("room joined")
	return nil
}

func (t *Transport) LeaveRoom(_ context.Context) {
	roomID := t.ReleaseRoom()
	if roomID == "" {
		return
	}
	t.UnsubscribeTopic(transport.RoomTopic(roomID))
	if roomID == t.PeerID() {
		if t.reg.removeRoom(roomID) {
			t.Events().RoomsUpdated.Emit(t.reg.roomList())
		}
	} else if pid, err := peer.Decode(roomID); err == nil {
		if h := t.currentHost(); h != nil {
			h.ConnManager().Unprotect(pid, protectTag)
		}
	}
	t.Logger().Debug().Str("roomID", roomID).Msg("room left")
}

// SubscribeTopic subscribes to name once. With waitForMesh it polls for
// topic peers within the mesh-health budget, but reports success even when
// none showed up: subscribed, delivery best-effort.
func (t *Transport) SubscribeTopic(ctx context.Context, name string, waitForMesh bool) bool {
	root, ok := t.rootContext()
	if !ok {
		return false
	}
	topic, err := t.subscribe(name, t.deliver)
	if err != nil {
		t.Logger().Error().Err(err).Str("topic", name).Msg("unable to subscribe")
		return false
	}
	if waitForMesh {
		ctx, cancel := transport.Bind(ctx, root)
		defer cancel()
		if !t.waitForMesh(ctx, name, topic) {
			t.Logger().Warn().Str("topic", name).Msg("no mesh peers observed, delivery is best-effort")
		}
	}
	return true
}

func (t *Transport) subscribe(name string, handle messageHandler) (*pubsub.Topic, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ps == nil || t.closed {
		return nil, transport.ErrNotInitialized
	}
	topic, err := t.joinLocked(name)
	if err != nil {
		return nil, err
	}
	if _, ok := t.subs[name]; ok {
		return topic, nil
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	t.subs[name] = sub
	t.Subscriptions().Add(name)

	t.wg.Add(1)
	go t.consume(t.ctx, name, sub, handle)
	return topic, nil
}

func (t *Transport) joinLocked(name string) (*pubsub.Topic, error) {
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, err
	}
	t.topics[name] = topic
	return topic, nil
}

func (t *Transport) UnsubscribeTopic(name string) {
	t.mx.Lock()
	sub, ok := t.subs[name]
	delete(t.subs, name)
	t.mx.Unlock()
	if ok {
		sub.Cancel()
	}
	t.Subscriptions().Remove(name)
}

// PublishToTopic publishes on name whether or not the local peer is
// subscribed to it. Publishing with no topic peers is not an error.
func (t *Transport) PublishToTopic(ctx context.Context, name string, message []byte) error {
	root, ok := t.rootContext()
	if !ok {
		return transport.ErrClosed
	}
	t.mx.Lock()
	topic, err := t.joinLocked(name)
	t.mx.Unlock()
	if err != nil {
		return err
	}
	ctx, cancel := transport.Bind(ctx, root)
	defer cancel()
	if len(topic.ListPeers()) == 0 {
		t.Logger().Debug().Str("topic", name).Msg("publishing without topic peers")
	}
	return topic.Publish(ctx, message)
}

func (t *Transport) consume(ctx context.Context, name string, sub *pubsub.Subscription, handle messageHandler) {
	defer t.wg.Done()
	self := t.currentHost().ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				t.Logger().Warn().Err(err).Str("topic", name).Msg("topic consumer stopped")
			}
			return
		}
		from := msg.GetFrom()
		if from == self || len(msg.Data) == 0 {
			continue
		}
		t.observe(from)
		handle(name, msg)
	}
}

func (t *Transport) deliver(topic string, msg *pubsub.Message) {
	t.Deliver(topic, msg.GetFrom().String(), msg.Data)
}

func (t *Transport) handleDiscovery(_ string, msg *pubsub.Message) {
	env, err := envelope.Decode(string(msg.Data))
	if err != nil {
		if !errors.Is(err, envelope.ErrUnrecognized) {
			t.Logger().Debug().Err(err).Msg("dropping malformed discovery message")
		}
		return
	}
	if rc, ok := env.(envelope.RoomCreate); ok && t.reg.addRoom(rc.PeerID) {
		t.Logger().Debug().Str("roomID", rc.PeerID).Msg("room discovered")
		t.Events().RoomsUpdated.Emit(t.reg.roomList())
	}
}

// observe registers a message author as a discovered peer.
func (t *Transport) observe(pid peer.ID) {
	h := t.currentHost()
	addrs := make([]string, 0)
	for _, a := range h.Peerstore().Addrs(pid) {
		addrs = append(addrs, a.String())
	}
	if t.reg.discover(pid.String(), addrs) {
		t.Events().PeerDiscovery.Emit(transport.PeerInfo{ID: pid.String(), Addresses: addrs})
	}
}

func (t *Transport) waitForMesh(ctx context.Context, name string, topic *pubsub.Topic) bool {
	for attempt := 1; attempt <= t.cfg.MeshWaitAttempts; attempt++ {
		if len(topic.ListPeers()) > 0 {
			return true
		}
		hb := envelope.MustEncode(envelope.Heartbeat{Timestamp: t.now().UnixMilli()})
		if err := topic.Publish(ctx, []byte(hb)); err != nil {
			t.Logger().Debug().Err(err).Str("topic", name).Msg("heartbeat publish failed")
		}
		timer := time.NewTimer(t.cfg.MeshWaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return len(topic.ListPeers()) > 0
}

func (t *Transport) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.keepalive(ctx)
		}
	}
}

func (t *Transport) keepalive(ctx context.Context) {
	msg := []byte(envelope.MustEncode(envelope.Keepalive{Timestamp: t.now().UnixMilli()}))
	for _, name := range t.Subscriptions().List() {
		if err := t.PublishToTopic(ctx, name, msg); err != nil {
			t.Logger().Debug().Err(err).Str("topic", name).Msg("keepalive publish failed")
		}
	}
	if roomID := t.RoomID(); roomID != "" && roomID == t.PeerID() {
		t.announceRoom(ctx, roomID)
	}
}

func (t *Transport) pruneLoop(ctx context.Context) {
	interval := t.cfg.PruneAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.prune()
		}
	}
}

func (t *Transport) prune() {
	removed, roomsChanged := t.reg.prune(t.now(), t.cfg.PruneAfter)
	for _, id := range removed {
		t.Logger().Debug().Str("peer", id).Msg("pruning disconnected peer")
		t.Events().RemovePeer.Emit(id)
	}
	if roomsChanged {
		t.Events().RoomsUpdated.Emit(t.reg.roomList())
	}
}

func (t *Transport) notifiee() *network.NotifyBundle {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.onConnected(c.RemotePeer().String(), c.RemoteMultiaddr().String())
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			if len(n.ConnsToPeer(c.RemotePeer())) > 0 {
				return
			}
			t.onDisconnected(c.RemotePeer().String(), c.RemoteMultiaddr().String())
		},
	}
}

func (t *Transport) onConnected(id, addr string) {
	if t.reg.discover(id, []string{addr}) {
		t.Events().PeerDiscovery.Emit(transport.PeerInfo{ID: id, Addresses: []string{addr}})
	}
	if t.reg.connect(id, addr) {
		t.Events().ConnectionOpen.Emit(transport.Connection{PeerID: id, Address: addr})
	}
}

func (t *Transport) onDisconnected(id, addr string) {
	if t.reg.disconnect(id, t.now()) {
		t.Events().ConnectionClose.Emit(transport.Connection{PeerID: id, Address: addr})
	}
}

type mdnsNotifee struct {
	t *Transport
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	h := n.t.currentHost()
	if _, ok := n.t.rootContext(); h == nil || !ok || pi.ID == h.ID() {
		return
	}
	addrs := make([]string, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		addrs = append(addrs, a.String())
	}
	if n.t.reg.discover(pi.ID.String(), addrs) {
		n.t.Logger().Debug().Str("peer", pi.ID.String()).Msg("mDNS peer discovered")
		n.t.Events().PeerDiscovery.Emit(transport.PeerInfo{ID: pi.ID.String(), Addresses: addrs})
	}

	n.t.spawn(func(ctx context.Context) {
		if err := n.t.ConnectToPeerWithFallback(ctx, pi.ID.String(), addrs); err != nil {
			n.t.Logger().Debug().Err(err).Str("peer", pi.ID.String()).Msg("mDNS peer dial failed")
		}
	})
}

func addrStrings(h host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, a.String()+"/p2p/"+h.ID().String())
	}
	return out
}

// HostAddrs returns the dialable addresses of the local host including its
// peer id, suitable as bootstrap addresses for other peers.
func (t *Transport) HostAddrs() []string {
	if h := t.currentHost(); h != nil {
		return addrStrings(h)
	}
	return nil
}
