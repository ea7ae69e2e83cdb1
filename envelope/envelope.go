// Package envelope implements the colon-delimited message grammar carried on
// room and discovery topics.
//
// Every envelope is an ASCII string that starts with a fixed kind tag.
// Structured payloads (chat text, state snapshots, commands) are UTF-8 JSON,
// base64-encoded and appended after the tag:
//
//	room:create:<peerId>
//	duel:player:join:<peerId>
//	duel:chat:message:<base64(json-string)>
//	duel:refresh:state:<base64(json-object)>
//	duel:command:exec:<base64(json-object)>
//	duel:all_players_ready
//	mesh:heartbeat:<timestamp>
//	keepalive:<timestamp>
//
// A [Codec] with [V1] prefixes the same grammar with an explicit version
// tag ("dn1|"). Decoding accepts both forms, so peers can migrate one at a
// time. Messages with an unrecognized prefix decode to [ErrUnrecognized] and
// are expected to be ignored by callers.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags as they appear on the wire.
const (
	TagRoomCreate      = "room:create:"
	TagPlayerJoin      = "duel:player:join:"
	TagChatMessage     = "duel:chat:message:"
	TagRefreshState    = "duel:refresh:state:"
	TagCommandExec     = "duel:command:exec:"
	TagAllPlayersReady = "duel:all_players_ready"
	TagHeartbeat       = "mesh:heartbeat:"
	TagKeepalive       = "keepalive:"

	versionPrefix = "dn1|"
)

var (
	ErrUnrecognized   = errors.New("unrecognized envelope")
	ErrMalformed      = errors.New("malformed envelope payload")
	ErrEmptyPeerID    = errors.New("empty peer id")
	ErrEmptyCommandID = errors.New("empty command id")
	ErrNotJSONObject  = errors.New("state is not a json object")
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindRoomCreate
	KindPlayerJoin
	KindChatMessage
	KindStateRefresh
	KindCommandExec
	KindAllPlayersReady
	KindHeartbeat
	KindKeepalive
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindRoomCreate:      "room:create",
	KindPlayerJoin:      "duel:player:join",
	KindChatMessage:     "duel:chat:message",
	KindStateRefresh:    "duel:refresh:state",
	KindCommandExec:     "duel:command:exec",
	KindAllPlayersReady: "duel:all_players_ready",
	KindHeartbeat:       "mesh:heartbeat",
	KindKeepalive:       "keepalive",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Envelope is one of the concrete message kinds below.
type Envelope interface {
	Kind() Kind
}

type (
	// RoomCreate announces a room on the discovery topic. The room id is the
	// creator's peer id.
	RoomCreate struct {
		PeerID string
	}

	PlayerJoin struct {
		PeerID string
	}

	ChatMessage struct {
		Text string
	}

	// StateRefresh carries an opaque state snapshot owned by the rules
	// engine. State must be a JSON object.
	StateRefresh struct {
		State json.RawMessage
	}

	CommandExec struct {
		Command Command
	}

	AllPlayersReady struct{}

	Heartbeat struct {
		Timestamp int64
	}

	Keepalive struct {
		Timestamp int64
	}
)

// Command is a game action relayed, never interpreted, by this layer.
type Command struct {
	CommandID string            `json:"commandId"`
	Type      string            `json:"type"`
	Data      map[string]string `json:"data"`
}

func (RoomCreate) Kind() Kind      { return KindRoomCreate }
func (PlayerJoin) Kind() Kind      { return KindPlayerJoin }
func (ChatMessage) Kind() Kind     { return KindChatMessage }
func (StateRefresh) Kind() Kind    { return KindStateRefresh }
func (CommandExec) Kind() Kind     { return KindCommandExec }
func (AllPlayersReady) Kind() Kind { return KindAllPlayersReady }
func (Heartbeat) Kind() Kind       { return KindHeartbeat }
func (Keepalive) Kind() Kind       { return KindKeepalive }

type Version uint8

const (
	// V0 is the untagged legacy grammar.
	V0 Version = iota
	// V1 prefixes the legacy grammar with an explicit version tag.
	V1
)

// Codec encodes envelopes in a chosen wire version and decodes any
// supported version.
type Codec struct {
	Version Version
}

// Default encodes the legacy grammar understood by every peer.
var Default = Codec{Version: V0}

func Encode(e Envelope) (string, error) { return Default.Encode(e) }

func Decode(s string) (Envelope, error) { return Default.Decode(s) }

// MustEncode is Encode for envelopes that cannot fail to encode
// (join, room, ready, heartbeat and keepalive).
func MustEncode(e Envelope) string {
	s, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return s
}

func (c Codec) Encode(e Envelope) (string, error) {
	body, err := encodeBody(e)
	if err != nil {
		return "", err
	}
	if c.Version == V1 {
		return versionPrefix + body, nil
	}
	return body, nil
}

func encodeBody(e Envelope) (string, error) {
	switch m := e.(type) {
	case RoomCreate:
		if m.PeerID == "" {
			return "", ErrEmptyPeerID
		}
		return TagRoomCreate + m.PeerID, nil
	case PlayerJoin:
		if m.PeerID == "" {
			return "", ErrEmptyPeerID
		}
		return TagPlayerJoin + m.PeerID, nil
	case ChatMessage:
		return encodeJSON(TagChatMessage, m.Text)
	case StateRefresh:
		if !isJSONObject(m.State) {
			return "", ErrNotJSONObject
		}
		return TagRefreshState + base64.StdEncoding.EncodeToString(m.State), nil
	case CommandExec:
		if m.Command.CommandID == "" {
			return "", ErrEmptyCommandID
		}
		return encodeJSON(TagCommandExec, m.Command)
	case AllPlayersReady:
		return TagAllPlayersReady, nil
	case Heartbeat:
		return TagHeartbeat + strconv.FormatInt(m.Timestamp, 10), nil
	case Keepalive:
		return TagKeepalive + strconv.FormatInt(m.Timestamp, 10), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnrecognized, e)
	}
}

func encodeJSON(tag string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return tag + base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses s. Unknown prefixes yield ErrUnrecognized; known prefixes
// with undecodable payloads yield ErrMalformed.
func (Codec) Decode(s string) (Envelope, error) {
	s = strings.TrimPrefix(s, versionPrefix)

	switch {
	case strings.HasPrefix(s, TagRoomCreate):
		id := strings.TrimPrefix(s, TagRoomCreate)
		if id == "" {
			return nil, errors.Join(ErrMalformed, ErrEmptyPeerID)
		}
		return RoomCreate{PeerID: id}, nil

	case strings.HasPrefix(s, TagPlayerJoin):
		id := strings.TrimPrefix(s, TagPlayerJoin)
		if id == "" {
			return nil, errors.Join(ErrMalformed, ErrEmptyPeerID)
		}
		return PlayerJoin{PeerID: id}, nil

	case strings.HasPrefix(s, TagChatMessage):
		var text string
		if err := decodeJSON(strings.TrimPrefix(s, TagChatMessage), &text); err != nil {
			return nil, err
		}
		return ChatMessage{Text: text}, nil

	case strings.HasPrefix(s, TagRefreshState):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, TagRefreshState))
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		if !isJSONObject(raw) {
			return nil, errors.Join(ErrMalformed, ErrNotJSONObject)
		}
		return StateRefresh{State: raw}, nil

	case strings.HasPrefix(s, TagCommandExec):
		var cmd Command
		if err := decodeJSON(strings.TrimPrefix(s, TagCommandExec), &cmd); err != nil {
			return nil, err
		}
		if cmd.CommandID == "" {
			return nil, errors.Join(ErrMalformed, ErrEmptyCommandID)
		}
		return CommandExec{Command: cmd}, nil

	case s == TagAllPlayersReady:
		return AllPlayersReady{}, nil

	case strings.HasPrefix(s, TagHeartbeat):
		ts, err := strconv.ParseInt(strings.TrimPrefix(s, TagHeartbeat), 10, 64)
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		return Heartbeat{Timestamp: ts}, nil

	case strings.HasPrefix(s, TagKeepalive):
		ts, err := strconv.ParseInt(strings.TrimPrefix(s, TagKeepalive), 10, 64)
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		return Keepalive{Timestamp: ts}, nil
	}
	return nil, ErrUnrecognized
}

func decodeJSON(payload string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errors.Join(ErrMalformed, err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// IsLiveness reports whether s is a transport liveness message (heartbeat or
// keepalive) that application logic ignores.
func IsLiveness(s string) bool {
	s = strings.TrimPrefix(s, versionPrefix)
	return strings.HasPrefix(s, TagHeartbeat) || strings.HasPrefix(s, TagKeepalive)
}

func isJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}
