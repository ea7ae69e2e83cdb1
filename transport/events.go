package transport

import (
	"sync"
)

type (
	// PeerInfo is emitted when a peer is observed, with the addresses it
	// was seen on.
	PeerInfo struct {
		ID        string
		Addresses []string
	}

	Connection struct {
		PeerID  string
		Address string
	}

	TopicMessage struct {
		Topic string
		From  string
		Data  []byte
	}

	AudioState struct {
		RoomID        string
		Active        bool
		MicMuted      bool
		PlaybackMuted bool
	}
)

// Signal is a typed multi-subscriber event. Handlers run synchronously on
// the emitting goroutine in subscription order. The zero value is ready
// to use.
type Signal[T any] struct {
	mx       sync.RWMutex
	next     uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function removing it.
func (s *Signal[T]) Subscribe(fn func(T)) func() {
	s.mx.Lock()
	s.next++
	id := s.next
	s.handlers = append(s.handlers, handler[T]{id: id, fn: fn})
	s.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mx.Lock()
			defer s.mx.Unlock()
			for i, h := range s.handlers {
				if h.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Signal[T]) Emit(v T) {
	s.mx.RLock()
	handlers := s.handlers
	s.mx.RUnlock()
	for _, h := range handlers {
		h.fn(v)
	}
}

// Len returns the number of registered handlers.
func (s *Signal[T]) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.handlers)
}

func (s *Signal[T]) Reset() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.handlers = nil
}

// Events is the event vocabulary shared by every adapter.
type Events struct {
	PeerDiscovery    Signal[PeerInfo]     // peer:discovery
	ConnectionOpen   Signal[Connection]   // connection:open
	ConnectionClose  Signal[Connection]   // connection:close
	RemovePeer       Signal[string]       // remove:peer
	TopicMessage     Signal[TopicMessage] // topic:<name>:message
	RoomsUpdated     Signal[[]string]     // rooms:updated
	AudioError       Signal[error]        // audio:error
	AudioStateChange Signal[AudioState]   // audio:stateChange
}

// OnTopic subscribes fn to messages of a single topic.
func (e *Events) OnTopic(topic string, fn func(TopicMessage)) func() {
	return e.TopicMessage.Subscribe(func(msg TopicMessage) {
		if msg.Topic == topic {
			fn(msg)
		}
	})
}

// Reset detaches every listener.
func (e *Events) Reset() {
	e.PeerDiscovery.Reset()
	e.ConnectionOpen.Reset()
	e.ConnectionClose.Reset()
	e.RemovePeer.Reset()
	e.TopicMessage.Reset()
	e.RoomsUpdated.Reset()
	e.AudioError.Reset()
	e.AudioStateChange.Reset()
}

// Listeners returns the total number of registered handlers.
func (e *Events) Listeners() int {
	return e.PeerDiscovery.Len() + e.ConnectionOpen.Len() + e.ConnectionClose.Len() +
		e.RemovePeer.Len() + e.TopicMessage.Len() + e.RoomsUpdated.Len() +
		e.AudioError.Len() + e.AudioStateChange.Len()
}
