package envelope

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"chat", ChatMessage{Text: "good game, ünïcødé and: colons"}},
		{"empty chat", ChatMessage{}},
		{"state", StateRefresh{State: json.RawMessage(`{"turn":3,"phase":"main","life":{"a":8000}}`)}},
		{"command", CommandExec{Command: Command{
			CommandID: "c1",
			Type:      "summon",
			Data:      map[string]string{"card": "46986414", "zone": "m1"},
		}}},
		{"command without data", CommandExec{Command: Command{CommandID: "c2", Type: "pass"}}},
		{"command with empty data", CommandExec{Command: Command{CommandID: "c3", Type: "pass", Data: map[string]string{}}}},
		{"player join", PlayerJoin{PeerID: "12D3KooWA"}},
		{"room create", RoomCreate{PeerID: "12D3KooWB"}},
		{"ready", AllPlayersReady{}},
		{"heartbeat", Heartbeat{Timestamp: 1700000000123}},
		{"keepalive", Keepalive{Timestamp: 42}},
	}

	for _, version := range []Version{V0, V1} {
		codec := Codec{Version: version}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				wire, err := codec.Encode(tc.env)
				require.NoError(t, err)

				got, err := codec.Decode(wire)
				require.NoError(t, err)
				assert.Equal(t, tc.env, got)
				assert.Equal(t, tc.env.Kind(), got.Kind())
			})
		}
	}
}

func TestEncode_WireGrammar(t *testing.T) {
	wire, err := Encode(PlayerJoin{PeerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "duel:player:join:bob", wire)

	wire, err = Encode(ChatMessage{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "duel:chat:message:"+base64.StdEncoding.EncodeToString([]byte(`"hi"`)), wire)

	wire, err = Encode(CommandExec{Command: Command{CommandID: "c1", Type: "draw"}})
	require.NoError(t, err)
	assert.Equal(t,
		"duel:command:exec:"+base64.StdEncoding.EncodeToString([]byte(`{"commandId":"c1","type":"draw","data":null}`)),
		wire)

	wire, err = Encode(CommandExec{Command: Command{CommandID: "c1", Type: "draw", Data: map[string]string{}}})
	require.NoError(t, err)
	assert.Equal(t,
		"duel:command:exec:"+base64.StdEncoding.EncodeToString([]byte(`{"commandId":"c1","type":"draw","data":{}}`)),
		wire)

	wire, err = Codec{Version: V1}.Encode(AllPlayersReady{})
	require.NoError(t, err)
	assert.Equal(t, "dn1|duel:all_players_ready", wire)
}

func TestEncode_Invalid(t *testing.T) {
	_, err := Encode(StateRefresh{State: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrNotJSONObject)

	_, err = Encode(CommandExec{Command: Command{Type: "draw"}})
	assert.ErrorIs(t, err, ErrEmptyCommandID)

	_, err = Encode(PlayerJoin{})
	assert.ErrorIs(t, err, ErrEmptyPeerID)
}

func TestDecode_Malformed(t *testing.T) {
	for _, wire := range []string{
		"duel:chat:message:!!!notbase64",
		"duel:refresh:state:" + base64.StdEncoding.EncodeToString([]byte(`"string"`)),
		"duel:refresh:state:" + base64.StdEncoding.EncodeToString([]byte(`{broken`)),
		"duel:command:exec:" + base64.StdEncoding.EncodeToString([]byte(`{"type":"draw"}`)),
		"duel:command:exec:" + base64.StdEncoding.EncodeToString([]byte(`nope`)),
		"duel:player:join:",
		"mesh:heartbeat:soon",
	} {
		_, err := Decode(wire)
		assert.ErrorIs(t, err, ErrMalformed, wire)
	}
}

func TestDecode_Unrecognized(t *testing.T) {
	for _, wire := range []string{"", "hello", "duel:future:kind:xyz", "duel:all_players_ready:extra"} {
		_, err := Decode(wire)
		assert.ErrorIs(t, err, ErrUnrecognized, wire)
	}
}

func TestIsLiveness(t *testing.T) {
	assert.True(t, IsLiveness("keepalive:1"))
	assert.True(t, IsLiveness("mesh:heartbeat:1"))
	assert.True(t, IsLiveness("dn1|keepalive:1"))
	assert.False(t, IsLiveness("duel:player:join:x"))
}
