// Package loopback implements an in-process transport for offline play and
// tests. Published messages are handed to the other hub members as is,
// synchronously or after a simulated delay.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/duelnet/envelope"
	"github.com/adwski/duelnet/transport"
	"github.com/google/uuid"
)

var _ transport.Adapter = (*Transport)(nil)

type (
	Config struct {
		Hub     *Hub
		PeerID  string
		Delay   time.Duration
		Options transport.Options
	}

	Transport struct {
		*transport.Base
		hub   *Hub
		delay time.Duration

		mx     *sync.Mutex
		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup
	}
)

func New(cfg Config) *Transport {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	peerID := cfg.PeerID
	if peerID == "" {
		peerID = uuid.NewString()
	}
	t := &Transport{
		Base:  transport.NewBase("loopback", cfg.Options),
		hub:   hub,
		delay: cfg.Delay,
		mx:    &sync.Mutex{},
		wg:    &sync.WaitGroup{},
	}
	t.SetPeerID(peerID)
	return t
}

func (t *Transport) address() string {
	return "loopback://" + t.PeerID()
}

func (t *Transport) Initialize(_ context.Context) error {
	t.mx.Lock()
	if t.ctx != nil {
		t.mx.Unlock()
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mx.Unlock()

	if err := t.hub.attach(t); err != nil {
		t.Cleanup()
		return errors.Join(transport.ErrNotInitialized, err)
	}
	t.AttachVoice(t)
	t.Logger().Debug().Msg("loopback transport initialized")
	return nil
}

func (t *Transport) rootContext() (context.Context, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ctx == nil || t.ctx.Err() != nil {
		return nil, false
	}
	return t.ctx, true
}

func (t *Transport) Cleanup() {
	t.mx.Lock()
	cancel := t.cancel
	t.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.hub.detach(t)
	t.CleanupBase()
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
	t.hub.openRoom(roomID)
	t.Logger().Info().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

func (t *Transport) JoinRoom(ctx context.Context, roomID string, policy transport.RetryPolicy) error {
	root, ok := t.rootContext()
	if !ok {
		return transport.ErrNotInitialized
	}
	if t.RoomID() == roomID {
		return nil
	}
	ctx, cancel := transport.Bind(ctx, root)
	defer cancel()

	err := policy.Retry(ctx, func(int) error {
		if !t.hub.hasRoom(roomID) {
			return transport.ErrRoomNotFound
		}
		return nil
	})
	if err != nil {
		t.Logger().Error().Err(err).Str("roomID", roomID).Msg("unable to join room")
		return err
	}

	t.LeaveRoom(ctx)
	t.SetRoomID(roomID)
	topic := transport.RoomTopic(roomID)
	t.SubscribeTopic(ctx, topic, true)
	if err = t.PublishToTopic(ctx, topic, []byte(envelope.MustEncode(envelope.PlayerJoin{PeerID: t.PeerID()}))); err != nil {
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
		t.hub.closeRoom(roomID)
	}
	t.Logger().Debug().Str("roomID", roomID).Msg("room left")
}

func (t *Transport) SubscribeTopic(ctx context.Context, topic string, _ bool) bool {
	if _, ok := t.rootContext(); !ok || ctx.Err() != nil {
		return false
	}
	if t.Subscriptions().Add(topic) {
		t.hub.subscribe(topic, t)
	}
	return true
}

func (t *Transport) UnsubscribeTopic(topic string) {
	if t.Subscriptions().Remove(topic) {
		t.hub.unsubscribe(topic, t.PeerID())
	}
}

func (t *Transport) PublishToTopic(ctx context.Context, topic string, message []byte) error {
	root, ok := t.rootContext()
	if !ok {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	from := t.PeerID()
	for _, dst := range t.hub.recipients(topic, from) {
		if t.delay <= 0 {
			dst.Deliver(topic, from, message)
			continue
		}
		t.wg.Add(1)
		go func(dst *Transport) {
			defer t.wg.Done()
			timer := time.NewTimer(t.delay)
			defer timer.Stop()
			select {
			case <-root.Done():
			case <-timer.C:
				dst.Deliver(topic, from, message)
			}
		}(dst)
	}
	return nil
}
