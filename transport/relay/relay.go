// Package relay implements the centralized transport: a persistent
// websocket session with the relay server, which mediates room and topic
// membership instead of a mesh.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwski/duelnet/backend/model"
	"github.com/adwski/duelnet/envelope"
	"github.com/adwski/duelnet/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultLookupTimeout  = 3 * time.Second

	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = 2 * time.Second
	defaultReadLimit        = 1 << 20
	// server pings every 5 seconds
	defaultPingWait = 15 * time.Second
	defaultTXQueue  = 64
	defaultInbox    = 256
)

var (
	ErrNoRelayURL     = errors.New("relay url is not configured")
	ErrDial           = errors.New("unable to connect to relay")
	ErrRejected       = errors.New("relay rejected request")
	ErrTimeout        = errors.New("relay request timed out")
	ErrConnectionLost = errors.New("relay connection lost")
)

var _ transport.Adapter = (*Transport)(nil)

type (
	Config struct {
		Options transport.Options `yaml:"-"`

		URL            string        `yaml:"url"`
		PeerID         string        `yaml:"peer_id"`
		ServiceName    string        `yaml:"service_name"`
		Domain         string        `yaml:"domain"`
		LookupTimeout  time.Duration `yaml:"lookup_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	}

	Transport struct {
		*transport.Base
		cfg    Config
		dialer *websocket.Dialer

		mx      *sync.Mutex
		ctx     context.Context
		cancel  context.CancelFunc
		wg      *sync.WaitGroup
		closed  bool
		conn    *websocket.Conn
		tx      chan model.Frame
		inbox   chan func()
		pending map[string]chan model.Frame
		rooms   []string
	}
)

func New(cfg Config) *Transport {
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	t := &Transport{
		Base: transport.NewBase("relay", cfg.Options),
		cfg:  cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		mx:      &sync.Mutex{},
		wg:      &sync.WaitGroup{},
		tx:      make(chan model.Frame, defaultTXQueue),
		inbox:   make(chan func(), defaultInbox),
		pending: make(map[string]chan model.Frame),
	}
	t.SetPeerID(cfg.PeerID)
	return t
}

// Initialize connects to the relay. Without a configured URL the relay is
// looked up on the LAN.
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

	if err := t.connect(ctx, root); err != nil {
		t.Logger().Error().Err(err).Msg("relay transport initialization failed")
		t.Cleanup()
		return errors.Join(transport.ErrNotInitialized, err)
	}
	return nil
}

func (t *Transport) connect(ctx, root context.Context) error {
	base := t.cfg.URL
	if base == "" {
		lctx, cancel := context.WithTimeout(ctx, t.cfg.LookupTimeout)
		defer cancel()
		var err error
		if base, err = Lookup(lctx, t.cfg.ServiceName, t.cfg.Domain); err != nil {
			return errors.Join(ErrNoRelayURL, err)
		}
		t.Logger().Info().Str("url", base).Msg("relay found on local network")
	}
	endpoint, err := sessionURL(base, t.PeerID())
	if err != nil {
		return errors.Join(ErrDial, err)
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Join(ErrDial, err)
	}
	t.mx.Lock()
	t.conn = conn
	t.mx.Unlock()

	t.AttachVoice(t)

	t.wg.Add(3)
	go t.sender(root, conn)
	go t.receiver(root, conn)
	go t.dispatcher(root)

	t.Events().ConnectionOpen.Emit(transport.Connection{Address: endpoint})
	t.Logger().Info().Str("url", endpoint).Msg("relay transport initialized")
	return nil
}

// sessionURL builds "<base>/relay/peer/<peerID>", mapping http schemes to
// their websocket counterparts.
func sessionURL(base, peerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported relay url scheme: " + u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/relay/peer/" + url.PathEscape(peerID)
	return u.String(), nil
}

func (t *Transport) rootContext() (context.Context, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.ctx == nil || t.closed || t.conn == nil {
		return nil, false
	}
	return t.ctx, true
}

func (t *Transport) Cleanup() {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return
	}
	t.closed = true
	cancel, conn := t.cancel, t.conn
	t.mx.Unlock()

	t.CleanupBase()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		closeConn(conn, t.Logger())
	}
	t.wg.Wait()
	t.failPending()
	t.Logger().Debug().Msg("relay transport stopped")
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
	if _, err := t.request(ctx, model.Frame{Type: model.FrameTypeCreateRoom}); err != nil {
		return "", err
	}
	t.SetRoomID(roomID)
	t.SubscribeTopic(ctx, transport.RoomTopic(roomID), false)
	t.ready(ctx)
	t.Logger().Info().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

// JoinRoom polls the relay room list under policy, joins the room, then
// announces the local peer and completes the ready handshake.
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

	err := policy.Retry(ctx, func(attempt int) error {
		if t.hasRoom(roomID) {
			return nil
		}
		if _, err := t.request(ctx, model.Frame{Type: model.FrameTypeListRooms}); err != nil {
			t.Logger().Debug().Err(err).Msg("room list refresh failed")
		}
		if t.hasRoom(roomID) {
			return nil
		}
		t.Logger().Debug().Int("attempt", attempt).Str("roomID", roomID).Msg("room not listed yet")
		return transport.ErrRoomNotFound
	})
	if err != nil {
		t.Logger().Error().Err(err).Str("roomID", roomID).Msg("unable to find room")
		return err
	}

	t.LeaveRoom(ctx)
	if _, err = t.request(ctx, model.Frame{Type: model.FrameTypeJoinRoom, Topic: roomID}); err != nil {
		t.Logger().Error().Err(err).Str("roomID", roomID).Msg("unable to join room")
		return err
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
	t.ready(ctx)
	t.Logger().Info().Str("roomID", roomID).Msg("room joined")
	return nil
}

func (t *Transport) ready(ctx context.Context) {
	if _, err := t.request(ctx, model.Frame{Type: model.FrameTypePlayerReady}); err != nil {
		t.Logger().Warn().Err(err).Msg("ready handshake failed")
	}
}

func (t *Transport) LeaveRoom(ctx context.Context) {
	roomID := t.ReleaseRoom()
	if roomID == "" {
		return
	}
	t.UnsubscribeTopic(transport.RoomTopic(roomID))
	if _, err := t.request(ctx, model.Frame{Type: model.FrameTypeLeaveRoom}); err != nil {
		t.Logger().Warn().Err(err).Str("roomID", roomID).Msg("leave request failed")
	}
}

// SubscribeTopic asks the relay to fan topic out to this session. The relay
// is the only other hop, so there is no mesh to wait for.
func (t *Transport) SubscribeTopic(ctx context.Context, topic string, _ bool) bool {
	if _, ok := t.rootContext(); !ok {
		return false
	}
	if t.Subscriptions().Has(topic) {
		return true
	}
	if _, err := t.request(ctx, model.Frame{Type: model.FrameTypeSubscribe, Topic: topic}); err != nil {
		t.Logger().Error().Err(err).Str("topic", topic).Msg("unable to subscribe")
		return false
	}
	t.Subscriptions().Add(topic)
	return true
}

func (t *Transport) UnsubscribeTopic(topic string) {
	if !t.Subscriptions().Remove(topic) {
		return
	}
	t.enqueue(model.Frame{ID: uuid.NewString(), Type: model.FrameTypeUnsubscribe, Topic: topic})
}

func (t *Transport) PublishToTopic(ctx context.Context, topic string, message []byte) error {
	if _, ok := t.rootContext(); !ok {
		return transport.ErrClosed
	}
	_, err := t.request(ctx, model.Frame{
		Type:    model.FrameTypePublish,
		Topic:   topic,
		Payload: string(message),
	})
	return err
}

// Rooms returns the room list last reported by the relay.
func (t *Transport) Rooms() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return append([]string(nil), t.rooms...)
}

func (t *Transport) hasRoom(roomID string) bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	for _, r := range t.rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// request sends frame with a fresh request id and waits for the matching
// reply. Error replies are returned as ErrRejected.
func (t *Transport) request(ctx context.Context, frame model.Frame) (model.Frame, error) {
	root, ok := t.rootContext()
	if !ok {
		return model.Frame{}, transport.ErrClosed
	}
	frame.ID = uuid.NewString()
	reply := make(chan model.Frame, 1)

	t.mx.Lock()
	t.pending[frame.ID] = reply
	t.mx.Unlock()
	defer func() {
		t.mx.Lock()
		delete(t.pending, frame.ID)
		t.mx.Unlock()
	}()

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case t.tx <- frame:
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	case <-root.Done():
		return model.Frame{}, transport.ErrClosed
	case <-timer.C:
		return model.Frame{}, ErrTimeout
	}

	select {
	case r, ok := <-reply:
		if !ok {
			return model.Frame{}, ErrConnectionLost
		}
		if r.Type == model.FrameTypeError {
			return r, errors.Join(ErrRejected, errors.New(r.Error))
		}
		return r, nil
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	case <-root.Done():
		return model.Frame{}, transport.ErrClosed
	case <-timer.C:
		return model.Frame{}, ErrTimeout
	}
}

// enqueue sends a frame without waiting for its reply.
func (t *Transport) enqueue(frame model.Frame) {
	root, ok := t.rootContext()
	if !ok {
		return
	}
	select {
	case t.tx <- frame:
	case <-root.Done():
	}
}

func (t *Transport) resolve(frame model.Frame) bool {
	if frame.ID == "" {
		return false
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	reply, ok := t.pending[frame.ID]
	if !ok {
		return false
	}
	select {
	case reply <- frame:
	default:
	}
	return true
}

func (t *Transport) failPending() {
	t.mx.Lock()
	defer t.mx.Unlock()
	for id, reply := range t.pending {
		close(reply)
		delete(t.pending, id)
	}
}

// route runs on the receiver goroutine. Replies are resolved in place,
// everything else is queued for the dispatcher so handlers may issue
// requests of their own.
func (t *Transport) route(ctx context.Context, frame model.Frame) {
	switch frame.Type {
	case model.FrameTypeAck, model.FrameTypeError:
		t.resolve(frame)
		return
	case model.FrameTypeRoomsUpdated:
		rooms := roomIDs(frame.Rooms)
		t.mx.Lock()
		t.rooms = rooms
		t.mx.Unlock()
		t.resolve(frame)
	}
	t.dispatch(ctx, func() { t.handleFrame(frame) })
}

// dispatch queues fn for the dispatcher. Order of queued events is kept.
func (t *Transport) dispatch(ctx context.Context, fn func()) {
	select {
	case t.inbox <- fn:
	case <-ctx.Done():
	}
}

func (t *Transport) dispatcher(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-t.inbox:
			fn()
		}
	}
}

func (t *Transport) handleFrame(frame model.Frame) {
	switch frame.Type {
	case model.FrameTypeMessage:
		if frame.SRC == t.PeerID() {
			return
		}
		t.Deliver(frame.Topic, frame.SRC, []byte(frame.Payload))

	case model.FrameTypeRoomsUpdated:
		t.Events().RoomsUpdated.Emit(roomIDs(frame.Rooms))

	case model.FrameTypePeerJoined:
		if frame.SRC == "" || frame.SRC == t.PeerID() {
			return
		}
		t.Events().PeerDiscovery.Emit(transport.PeerInfo{ID: frame.SRC})
		t.Events().ConnectionOpen.Emit(transport.Connection{PeerID: frame.SRC})

	case model.FrameTypePeerLeft:
		if frame.SRC == "" || frame.SRC == t.PeerID() {
			return
		}
		t.Events().ConnectionClose.Emit(transport.Connection{PeerID: frame.SRC})
		t.Events().RemovePeer.Emit(frame.SRC)

	default:
		t.Logger().Trace().Interface("frame", frame).Msg("unhandled relay frame")
	}
}

func roomIDs(rooms []model.RoomInfo) []string {
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.ID)
	}
	return ids
}

func (t *Transport) sender(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.tx:
			b, err := json.Marshal(&frame)
			if err != nil {
				t.Logger().Error().Err(err).Msg("failed to marshall outgoing frame")
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				t.Logger().Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				t.Logger().Error().Err(err).Msg("failed to write outgoing frame")
				return
			}
		}
	}
}

func (t *Transport) receiver(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()

	conn.SetReadLimit(defaultReadLimit)
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultPingWait))
	}
	conn.SetPingHandler(func(data string) error {
		t.Logger().Trace().Msg("got ping")
		if err := extend(); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := extend(); err != nil {
		t.Logger().Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.Logger().Error().Err(err).Msg("relay connection lost")
				t.failPending()
				t.dispatch(ctx, func() {
					t.Events().ConnectionClose.Emit(transport.Connection{Address: t.cfg.URL})
				})
			}
			return
		}
		if err = extend(); err != nil {
			return
		}
		var frame model.Frame
		if err = json.Unmarshal(msg, &frame); err != nil {
			t.Logger().Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		t.route(ctx, frame)
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultCloseDeadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
