package model

// Room is the relay server's view of a duel room. The room ID is always
// the peer ID of its creator.
type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID    string `json:"id"`
	Ready bool   `json:"ready"`
}

// RoomInfo is the listing form of a room.
type RoomInfo struct {
	ID           string `json:"room_id"`
	Participants int    `json:"participants"`
}

// Frame types sent by peers to the relay.
const (
	FrameTypeCreateRoom  = "room:create"
	FrameTypeJoinRoom    = "room:join"
	FrameTypeLeaveRoom   = "room:leave"
	FrameTypeListRooms   = "room:list"
	FrameTypeSubscribe   = "topic:subscribe"
	FrameTypeUnsubscribe = "topic:unsubscribe"
	FrameTypePublish     = "topic:publish"
	FrameTypePlayerReady = "player:ready"
)

// Frame types sent by the relay to peers.
const (
	FrameTypeAck          = "ack"
	FrameTypeError        = "error"
	FrameTypeMessage      = "topic:message"
	FrameTypeRoomsUpdated = "rooms:updated"
	FrameTypePeerJoined   = "peer:joined"
	FrameTypePeerLeft     = "peer:left"
)

// Frame is the unit exchanged over a relay websocket session.
type Frame struct {
	ID      string     `json:"id,omitempty"`    // request id, echoed back in ack/error
	Type    string     `json:"type"`            //
	SRC     string     `json:"src,omitempty"`   // for inbound frames server re-assigns this based on websocket session
	Topic   string     `json:"topic,omitempty"` //
	Payload string     `json:"payload,omitempty"`
	Rooms   []RoomInfo `json:"rooms,omitempty"`
	Error   string     `json:"error,omitempty"`
}

type Wire struct {
	RX chan Frame
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Frame),
		TX: make(chan Frame),
	}
}
