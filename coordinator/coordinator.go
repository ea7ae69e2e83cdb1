// Package coordinator keeps peers and rooms in sync with a transport
// adapter and turns room-topic envelopes into typed application events.
// It works the same over every adapter kind.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/duelnet/envelope"
	"github.com/adwski/duelnet/transport"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const DefaultDedupSize = 4096

var (
	ErrNoAdapter = errors.New("transport adapter is not set")
	ErrClosed    = errors.New("coordinator is closed")
)

type (
	// CommandLog is the rules engine's record of applied commands.
	CommandLog interface {
		HasCommand(commandID string) bool
	}

	PlayerJoined struct {
		RoomID string
		PeerID string
	}

	ChatReceived struct {
		RoomID string
		From   string
		Text   string
	}

	StateReceived struct {
		RoomID string
		From   string
		State  json.RawMessage
	}

	CommandReceived struct {
		RoomID  string
		From    string
		Command envelope.Command
	}

	// Events is the surface the application observes.
	Events struct {
		PlayersUpdated   transport.Signal[[]PeerRecord]         // players:updated
		RoomsUpdated     transport.Signal[[]RoomRecord]         // rooms:updated
		StateRefresh     transport.Signal[StateReceived]        // duel:refresh:state:
		PlayerJoin       transport.Signal[PlayerJoined]         // duel:player:join:
		CommandExec      transport.Signal[CommandReceived]      // duel:command:exec
		ChatMessage      transport.Signal[ChatReceived]         // duel:chat:message
		AllPlayersReady  transport.Signal[string]               // duel:all_players_ready
		AudioError       transport.Signal[error]                // audio:error
		AudioStateChange transport.Signal[transport.AudioState] // audio:stateChange
	}

	Config struct {
		Logger     *zerolog.Logger
		Adapter    transport.Adapter
		CommandLog CommandLog
		Retry      transport.RetryPolicy
		Codec      envelope.Codec
		DedupSize  int
	}

	Coordinator struct {
		logger  zerolog.Logger
		adapter transport.Adapter
		log     CommandLog
		retry   transport.RetryPolicy
		codec   envelope.Codec
		seen    *lru.Cache[string, struct{}]
		reg     *registry
		events  Events

		mx       *sync.Mutex
		detach   []func()
		unlisten func()
		closed   bool
	}
)

func New(cfg Config) (*Coordinator, error) {
	if cfg.Adapter == nil {
		return nil, ErrNoAdapter
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = transport.DefaultRetryPolicy()
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		logger:  cfg.Logger.With().Str("component", "coordinator").Logger(),
		adapter: cfg.Adapter,
		log:     cfg.CommandLog,
		retry:   cfg.Retry,
		codec:   cfg.Codec,
		seen:    seen,
		reg:     newRegistry(),
		mx:      &sync.Mutex{},
	}
	c.attach()
	return c, nil
}

func (c *Coordinator) Events() *Events { return &c.events }

func (c *Coordinator) Adapter() transport.Adapter { return c.adapter }

func (c *Coordinator) PeerID() string { return c.adapter.PeerID() }

func (c *Coordinator) RoomID() string { return c.adapter.RoomID() }

func (c *Coordinator) Players() []PeerRecord { return c.reg.players() }

func (c *Coordinator) Rooms() []RoomRecord { return c.reg.roomList() }

// attach subscribes to the adapter's events. The registries are only ever
// mutated from these handlers.
func (c *Coordinator) attach() {
	ev := c.adapter.Events()
	c.detach = append(c.detach,
		ev.PeerDiscovery.Subscribe(func(p transport.PeerInfo) {
			if p.ID != "" && p.ID != c.PeerID() && c.reg.discover(p.ID, p.Addresses) {
				c.emitPlayers()
			}
		}),
		ev.ConnectionOpen.Subscribe(func(conn transport.Connection) {
			if conn.PeerID != "" && conn.PeerID != c.PeerID() && c.reg.setConnected(conn.PeerID, conn.Address, true) {
				c.emitPlayers()
			}
		}),
		ev.ConnectionClose.Subscribe(func(conn transport.Connection) {
			if conn.PeerID != "" && c.reg.setConnected(conn.PeerID, "", false) {
				c.emitPlayers()
			}
		}),
		ev.RemovePeer.Subscribe(func(id string) {
			if c.reg.remove(id) {
				c.emitPlayers()
			}
		}),
		ev.RoomsUpdated.Subscribe(func(rooms []string) {
			c.reg.setRooms(rooms)
			c.events.RoomsUpdated.Emit(c.reg.roomList())
		}),
		ev.AudioError.Subscribe(func(err error) {
			c.events.AudioError.Emit(err)
		}),
		ev.AudioStateChange.Subscribe(func(s transport.AudioState) {
			c.events.AudioStateChange.Emit(s)
		}),
	)
}

func (c *Coordinator) emitPlayers() {
	c.events.PlayersUpdated.Emit(c.reg.players())
}

func (c *Coordinator) syncCurrentRoom() {
	if c.reg.setCurrent(c.adapter.RoomID()) {
		c.events.RoomsUpdated.Emit(c.reg.roomList())
	}
}

// Initialize brings the adapter up. A failure here is fatal for the
// coordinator.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.adapter.Initialize(ctx); err != nil {
		c.logger.Error().Err(err).Msg("transport initialization failed")
		return err
	}
	return nil
}

// CreateRoom creates a room hosted by the local peer and starts listening
// on its topic.
func (c *Coordinator) CreateRoom(ctx context.Context) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	c.listen(c.adapter.PeerID())
	roomID, err := c.adapter.CreateRoom(ctx)
	if err != nil {
		c.restoreListener()
		c.logger.Error().Err(err).Msg("unable to create room")
		return "", err
	}
	c.listen(roomID)
	c.syncCurrentRoom()
	c.logger.Info().Str("roomID", roomID).Msg("room created")
	return roomID, nil
}

// JoinRoom joins roomID through the adapter. On success the local peer
// observes its own join like every other member does.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.listen(roomID)
	if err := c.adapter.JoinRoom(ctx, roomID, c.retry); err != nil {
		c.restoreListener()
		c.logger.Error().Err(err).Str("roomID", roomID).Msg("unable to join room")
		return err
	}
	c.syncCurrentRoom()
	c.events.PlayerJoin.Emit(PlayerJoined{RoomID: roomID, PeerID: c.PeerID()})
	c.logger.Info().Str("roomID", roomID).Msg("room joined")
	return nil
}

func (c *Coordinator) LeaveRoom(ctx context.Context) {
	roomID := c.adapter.RoomID()
	c.stopListening()
	if roomID != "" {
		c.adapter.StopVoiceChat(roomID)
	}
	c.adapter.LeaveRoom(ctx)
	c.syncCurrentRoom()
}

func (c *Coordinator) SendChat(ctx context.Context, text string) error {
	return c.send(ctx, envelope.ChatMessage{Text: text})
}

func (c *Coordinator) SendState(ctx context.Context, state json.RawMessage) error {
	return c.send(ctx, envelope.StateRefresh{State: state})
}

// SendCommand publishes cmd to the room. Its id is recorded as dispatched
// so a redelivered copy is never handed back to the application.
func (c *Coordinator) SendCommand(ctx context.Context, cmd envelope.Command) error {
	if err := c.send(ctx, envelope.CommandExec{Command: cmd}); err != nil {
		return err
	}
	c.seen.Add(cmd.CommandID, struct{}{})
	return nil
}

func (c *Coordinator) send(ctx context.Context, e envelope.Envelope) error {
	roomID := c.adapter.RoomID()
	if roomID == "" {
		return transport.ErrNotInRoom
	}
	msg, err := c.codec.Encode(e)
	if err != nil {
		return err
	}
	return c.MessageTopic(ctx, transport.RoomTopic(roomID), msg)
}

// MessageTopic publishes a raw message on topic.
func (c *Coordinator) MessageTopic(ctx context.Context, topic, message string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.adapter.PublishToTopic(ctx, topic, []byte(message)); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return err
	}
	return nil
}

// StartVoiceChat starts voice in the current room.
func (c *Coordinator) StartVoiceChat(ctx context.Context) bool {
	roomID := c.adapter.RoomID()
	if roomID == "" {
		c.events.AudioError.Emit(transport.ErrNotInRoom)
		return false
	}
	return c.adapter.StartVoiceChat(ctx, roomID)
}

func (c *Coordinator) StopVoiceChat() {
	if roomID := c.adapter.RoomID(); roomID != "" {
		c.adapter.StopVoiceChat(roomID)
	}
}

func (c *Coordinator) SetMicMuted(muted bool) { c.adapter.SetMicMuted(muted) }

func (c *Coordinator) SetPlaybackMuted(muted bool) { c.adapter.SetPlaybackMuted(muted) }

// Close detaches every listener and cleans the adapter up.
func (c *Coordinator) Close() {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return
	}
	c.closed = true
	detach := c.detach
	c.detach = nil
	unlisten := c.unlisten
	c.unlisten = nil
	c.mx.Unlock()

	if unlisten != nil {
		unlisten()
	}
	for _, fn := range detach {
		fn()
	}
	c.adapter.Cleanup()

	ev := &c.events
	ev.PlayersUpdated.Reset()
	ev.RoomsUpdated.Reset()
	ev.StateRefresh.Reset()
	ev.PlayerJoin.Reset()
	ev.CommandExec.Reset()
	ev.ChatMessage.Reset()
	ev.AllPlayersReady.Reset()
	ev.AudioError.Reset()
	ev.AudioStateChange.Reset()
	c.logger.Debug().Msg("coordinator closed")
}

func (c *Coordinator) isClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}

// listen routes roomID's topic into handleRoomMessage, replacing any
// previous room listener.
func (c *Coordinator) listen(roomID string) {
	unlisten := c.adapter.Events().OnTopic(transport.RoomTopic(roomID), func(msg transport.TopicMessage) {
		c.handleRoomMessage(roomID, msg)
	})
	c.mx.Lock()
	prev := c.unlisten
	c.unlisten = unlisten
	c.mx.Unlock()
	if prev != nil {
		prev()
	}
}

// restoreListener points the room listener back at the adapter's current
// room after a failed create or join.
func (c *Coordinator) restoreListener() {
	if roomID := c.adapter.RoomID(); roomID != "" {
		c.listen(roomID)
	} else {
		c.stopListening()
	}
	c.syncCurrentRoom()
}

func (c *Coordinator) stopListening() {
	c.mx.Lock()
	unlisten := c.unlisten
	c.unlisten = nil
	c.mx.Unlock()
	if unlisten != nil {
		unlisten()
	}
}

func (c *Coordinator) handleRoomMessage(roomID string, msg transport.TopicMessage) {
	s := string(msg.Data)
	if envelope.IsLiveness(s) {
		return
	}
	env, err := c.codec.Decode(s)
	if err != nil {
		if errors.Is(err, envelope.ErrUnrecognized) {
			c.logger.Trace().Str("from", msg.From).Msg("ignoring unrecognized room message")
			return
		}
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("dropping malformed room message")
		return
	}

	switch m := env.(type) {
	case envelope.PlayerJoin:
		c.events.PlayerJoin.Emit(PlayerJoined{RoomID: roomID, PeerID: m.PeerID})
	case envelope.ChatMessage:
		c.events.ChatMessage.Emit(ChatReceived{RoomID: roomID, From: msg.From, Text: m.Text})
	case envelope.StateRefresh:
		c.events.StateRefresh.Emit(StateReceived{RoomID: roomID, From: msg.From, State: m.State})
	case envelope.CommandExec:
		c.dispatchCommand(roomID, msg.From, m.Command)
	case envelope.AllPlayersReady:
		c.events.AllPlayersReady.Emit(roomID)
	default:
		c.logger.Trace().Str("kind", env.Kind().String()).Msg("ignoring room message")
	}
}

// dispatchCommand emits cmd unless the command log already has it or this
// coordinator dispatched it before.
func (c *Coordinator) dispatchCommand(roomID, from string, cmd envelope.Command) {
	logger := c.logger.With().Str("commandID", cmd.CommandID).Str("from", from).Logger()
	if c.log != nil && c.log.HasCommand(cmd.CommandID) {
		logger.Debug().Msg("command already in log")
		return
	}
	if found, _ := c.seen.ContainsOrAdd(cmd.CommandID, struct{}{}); found {
		logger.Debug().Msg("duplicate command dropped")
		return
	}
	c.events.CommandExec.Emit(CommandReceived{RoomID: roomID, From: from, Command: cmd})
}
