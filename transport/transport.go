// Package transport defines the contract every duel transport implements
// and the plumbing they share.
//
// Subscribing to a topic never implies that other peers will receive what
// is published on it. A successful SubscribeTopic means "subscribed,
// delivery best-effort": the mesh may still be forming, or there may be
// nobody else on the topic yet.
package transport

import (
	"context"
	"errors"

	"github.com/adwski/duelnet/voice"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrAllAddressesFailed = errors.New("all peer addresses failed")
	ErrNotInitialized     = errors.New("transport is not initialized")
	ErrClosed             = errors.New("transport is closed")
	ErrNotSubscribed      = errors.New("not subscribed to topic")
	ErrNotInRoom          = errors.New("not in a room")
)

type Adapter interface {
	// Initialize starts the transport. Its failure is fatal.
	Initialize(ctx context.Context) error
	// Cleanup detaches every listener, aborts in-flight operations and
	// releases audio resources. It is safe to call on a partially
	// initialized adapter and more than once.
	Cleanup()

	PeerID() string
	RoomID() string

	// CreateRoom makes the local peer host a room whose id is its own
	// peer id and announces it.
	CreateRoom(ctx context.Context) (string, error)
	// JoinRoom locates the room creator under policy, subscribes to the
	// room topic and announces the local peer. Returns ErrRoomNotFound
	// when the room never shows up.
	JoinRoom(ctx context.Context, roomID string, policy RetryPolicy) error
	LeaveRoom(ctx context.Context)

	// SubscribeTopic is idempotent. With waitForMesh it additionally waits,
	// within a bounded budget, for at least one other subscriber.
	SubscribeTopic(ctx context.Context, topic string, waitForMesh bool) bool
	UnsubscribeTopic(topic string)
	PublishToTopic(ctx context.Context, topic string, message []byte) error

	StartVoiceChat(ctx context.Context, roomID string) bool
	StopVoiceChat(roomID string)
	SetMicMuted(muted bool)
	SetPlaybackMuted(muted bool)
	AudioAnalyser() *voice.Analyser

	Events() *Events
}

// RoomTopic returns the topic carrying a room's duel traffic.
func RoomTopic(roomID string) string {
	return roomID
}
