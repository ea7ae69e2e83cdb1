package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/duelnet/backend/model"
	"github.com/rs/zerolog"
)

// AllPlayersReadyPayload is published on the room topic once every
// participant has completed the ready handshake.
const AllPlayersReadyPayload = "duel:all_players_ready"

var (
	ErrConnect       = errors.New("unable to connect")
	ErrCreate        = errors.New("unable to create room")
	ErrJoin          = errors.New("unable to join room")
	ErrSubscribe     = errors.New("unable to subscribe")
	ErrPublish       = errors.New("unable to publish")
	ErrReady         = errors.New("unable to mark player ready")
	ErrNotInRoom     = errors.New("peer is not in a room")
	ErrEmptyTopic    = errors.New("topic is empty")
	ErrUnknownFrame  = errors.New("unknown frame type")
	ErrEmptyPeerID   = errors.New("peer id is empty")
	ErrSessionExists = errors.New("session already exists")
)

type (
	RoomStore interface {
		CreateRoom(peerID string) (*model.Room, error)
		JoinRoom(roomID string, peerID string) (*model.Room, error)
		LeaveRoom(roomID string, peerID string) bool
		SetReady(roomID string, peerID string) (bool, error)
		GetRoom(roomID string) (*model.Room, error)
		ListRooms() []model.RoomInfo
	}

	Switch interface {
		Connect(peerID string, wire model.Wire) error
		Disconnect(peerID string) []string
		Subscribe(topic string, peerID string) (bool, error)
		Unsubscribe(topic string, peerID string) bool
		Send(ctx context.Context, frame model.Frame, peerID string) bool
		Broadcast(ctx context.Context, frame model.Frame)
	}

	Broker interface {
		Subscribe(ctx context.Context, topic string) error
		Unsubscribe(ctx context.Context, topic string) error
		Publish(ctx context.Context, frame model.Frame) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		broker Broker
		logger zerolog.Logger

		mx       *sync.Mutex
		sessions map[string]string // peer id -> current room id
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Broker    Broker
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		broker:   cfg.Broker,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		mx:       &sync.Mutex{},
		sessions: make(map[string]string),
	}
}

func (svc *Service) ListRooms() []model.RoomInfo {
	return svc.store.ListRooms()
}

func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	return svc.store.GetRoom(roomID)
}

// CreateSession attaches a peer's wire to the relay and starts dispatching
// its inbound frames. The session lives until ctx is canceled.
func (svc *Service) CreateSession(ctx context.Context, peerID string, wire model.Wire) error {
	if peerID == "" {
		return ErrEmptyPeerID
	}
	svc.mx.Lock()
	if _, ok := svc.sessions[peerID]; ok {
		svc.mx.Unlock()
		return ErrSessionExists
	}
	svc.sessions[peerID] = ""
	svc.mx.Unlock()

	if err := svc.sw.Connect(peerID, wire); err != nil {
		svc.mx.Lock()
		delete(svc.sessions, peerID)
		svc.mx.Unlock()
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().Str("peerID", peerID).Msg("session connected")

	go svc.consume(ctx, peerID, wire.RX)

	go func() {
		svc.sw.Broadcast(ctx, model.Frame{Type: model.FrameTypePeerJoined, SRC: peerID})
		svc.sw.Send(ctx, model.Frame{Type: model.FrameTypeRoomsUpdated, Rooms: svc.store.ListRooms()}, peerID)
	}()
	return nil
}

func (svc *Service) DeleteSession(ctx context.Context, peerID string) error {
	for _, topic := range svc.sw.Disconnect(peerID) {
		if err := svc.broker.Unsubscribe(ctx, topic); err != nil {
			svc.logger.Error().Err(err).Str("topic", topic).Msg("broker unsubscribe failed")
		}
	}
	svc.leaveCurrentRoom(ctx, peerID)

	svc.mx.Lock()
	delete(svc.sessions, peerID)
	svc.mx.Unlock()
	svc.logger.Debug().Str("peerID", peerID).Msg("session deleted")

	go svc.sw.Broadcast(context.Background(), model.Frame{Type: model.FrameTypePeerLeft, SRC: peerID})
	return nil
}

func (svc *Service) consume(ctx context.Context, peerID string, rx <-chan model.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-rx:
			frame.SRC = peerID
			svc.HandleFrame(ctx, frame)
		}
	}
}

// HandleFrame dispatches a single inbound frame. Every request frame is
// answered with an ack or an error frame carrying the request id.
func (svc *Service) HandleFrame(ctx context.Context, frame model.Frame) {
	logger := svc.logger.With().
		Str("peerID", frame.SRC).
		Str("type", frame.Type).
		Str("topic", frame.Topic).Logger()

	var err error
	switch frame.Type {
	case model.FrameTypeCreateRoom:
		err = svc.createRoom(ctx, frame.SRC)
	case model.FrameTypeJoinRoom:
		err = svc.joinRoom(ctx, frame.Topic, frame.SRC)
	case model.FrameTypeLeaveRoom:
		svc.leaveCurrentRoom(ctx, frame.SRC)
	case model.FrameTypeListRooms:
		svc.sw.Send(ctx, model.Frame{
			ID:    frame.ID,
			Type:  model.FrameTypeRoomsUpdated,
			Rooms: svc.store.ListRooms(),
		}, frame.SRC)
		return
	case model.FrameTypeSubscribe:
		err = svc.subscribe(ctx, frame.Topic, frame.SRC)
	case model.FrameTypeUnsubscribe:
		svc.unsubscribe(ctx, frame.Topic, frame.SRC)
	case model.FrameTypePublish:
		err = svc.publish(ctx, frame)
	case model.FrameTypePlayerReady:
		err = svc.playerReady(ctx, frame.SRC)
	default:
		err = ErrUnknownFrame
	}

	reply := model.Frame{ID: frame.ID, Type: model.FrameTypeAck, Topic: frame.Topic}
	if err != nil {
		logger.Debug().Err(err).Msg("request failed")
		reply.Type = model.FrameTypeError
		reply.Error = err.Error()
	}
	svc.sw.Send(ctx, reply, frame.SRC)
}

func (svc *Service) createRoom(ctx context.Context, peerID string) error {
	if current := svc.currentRoom(peerID); current != "" && current != peerID {
		svc.leaveCurrentRoom(ctx, peerID)
	}
	if _, err := svc.store.CreateRoom(peerID); err != nil {
		return errors.Join(ErrCreate, err)
	}
	svc.setCurrentRoom(peerID, peerID)
	svc.logger.Debug().Str("roomID", peerID).Msg("room created")
	svc.broadcastRooms(ctx)
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, roomID, peerID string) error {
	if current := svc.currentRoom(peerID); current != "" && current != roomID {
		svc.leaveCurrentRoom(ctx, peerID)
	}
	if _, err := svc.store.JoinRoom(roomID, peerID); err != nil {
		return errors.Join(ErrJoin, err)
	}
	svc.setCurrentRoom(peerID, roomID)
	svc.logger.Debug().
		Str("peerID", peerID).
		Str("roomID", roomID).
		Msg("peer joined room")
	svc.broadcastRooms(ctx)
	return nil
}

func (svc *Service) leaveCurrentRoom(ctx context.Context, peerID string) {
	roomID := svc.currentRoom(peerID)
	if roomID == "" {
		return
	}
	svc.setCurrentRoom(peerID, "")
	if svc.store.LeaveRoom(roomID, peerID) {
		svc.logger.Debug().Str("roomID", roomID).Msg("room closed")
	}
	svc.broadcastRooms(ctx)
}

func (svc *Service) subscribe(ctx context.Context, topic, peerID string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	first, err := svc.sw.Subscribe(topic, peerID)
	if err != nil {
		return errors.Join(ErrSubscribe, err)
	}
	if first {
		if err = svc.broker.Subscribe(ctx, topic); err != nil {
			svc.sw.Unsubscribe(topic, peerID)
			return errors.Join(ErrSubscribe, err)
		}
	}
	return nil
}

func (svc *Service) unsubscribe(ctx context.Context, topic, peerID string) {
	if svc.sw.Unsubscribe(topic, peerID) {
		if err := svc.broker.Unsubscribe(ctx, topic); err != nil {
			svc.logger.Error().Err(err).Str("topic", topic).Msg("broker unsubscribe failed")
		}
	}
}

func (svc *Service) publish(ctx context.Context, frame model.Frame) error {
	if frame.Topic == "" {
		return ErrEmptyTopic
	}
	err := svc.broker.Publish(ctx, model.Frame{
		Type:    model.FrameTypeMessage,
		SRC:     frame.SRC,
		Topic:   frame.Topic,
		Payload: frame.Payload,
	})
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

func (svc *Service) playerReady(ctx context.Context, peerID string) error {
	roomID := svc.currentRoom(peerID)
	if roomID == "" {
		return errors.Join(ErrReady, ErrNotInRoom)
	}
	all, err := svc.store.SetReady(roomID, peerID)
	if err != nil {
		return errors.Join(ErrReady, err)
	}
	if all {
		svc.logger.Debug().Str("roomID", roomID).Msg("all players ready")
		err = svc.broker.Publish(ctx, model.Frame{
			Type:    model.FrameTypeMessage,
			Topic:   roomID,
			Payload: AllPlayersReadyPayload,
		})
		if err != nil {
			return errors.Join(ErrPublish, err)
		}
	}
	return nil
}

func (svc *Service) broadcastRooms(ctx context.Context) {
	svc.sw.Broadcast(ctx, model.Frame{Type: model.FrameTypeRoomsUpdated, Rooms: svc.store.ListRooms()})
}

func (svc *Service) currentRoom(peerID string) string {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return svc.sessions[peerID]
}

func (svc *Service) setCurrentRoom(peerID, roomID string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	if _, ok := svc.sessions[peerID]; ok {
		svc.sessions[peerID] = roomID
	}
}
