package loopback

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/duelnet/transport"
	"go.uber.org/atomic"
)

var ErrPeerExists = errors.New("peer already attached to hub")

// Hub connects loopback transports living in the same process. It plays
// the part of the network: membership, hosted rooms and topic fan-out.
type Hub struct {
	mx      *sync.RWMutex
	members map[string]*Transport
	rooms   map[string]struct{}
	topics  map[string]map[string]*Transport

	lookups *atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		mx:      &sync.RWMutex{},
		members: make(map[string]*Transport),
		rooms:   make(map[string]struct{}),
		topics:  make(map[string]map[string]*Transport),
		lookups: atomic.NewInt64(0),
	}
}

// Lookups returns how many times a room was looked up.
func (h *Hub) Lookups() int64 {
	return h.lookups.Load()
}

func (h *Hub) attach(t *Transport) error {
	h.mx.Lock()
	if _, ok := h.members[t.PeerID()]; ok {
		h.mx.Unlock()
		return ErrPeerExists
	}
	others := h.othersLocked(t.PeerID())
	h.members[t.PeerID()] = t
	rooms := h.roomsLocked()
	h.mx.Unlock()

	self := transport.PeerInfo{ID: t.PeerID(), Addresses: []string{t.address()}}
	for _, o := range others {
		other := transport.PeerInfo{ID: o.PeerID(), Addresses: []string{o.address()}}
		t.Events().PeerDiscovery.Emit(other)
		t.Events().ConnectionOpen.Emit(transport.Connection{PeerID: other.ID, Address: other.Addresses[0]})
		o.Events().PeerDiscovery.Emit(self)
		o.Events().ConnectionOpen.Emit(transport.Connection{PeerID: self.ID, Address: self.Addresses[0]})
	}
	if len(rooms) > 0 {
		t.Events().RoomsUpdated.Emit(rooms)
	}
	return nil
}

func (h *Hub) detach(t *Transport) {
	id := t.PeerID()
	h.mx.Lock()
	if h.members[id] != t {
		h.mx.Unlock()
		return
	}
	delete(h.members, id)
	for topic, subs := range h.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	_, hosted := h.rooms[id]
	delete(h.rooms, id)
	others := h.othersLocked(id)
	rooms := h.roomsLocked()
	h.mx.Unlock()

	for _, o := range others {
		o.Events().ConnectionClose.Emit(transport.Connection{PeerID: id, Address: t.address()})
		o.Events().RemovePeer.Emit(id)
		if hosted {
			o.Events().RoomsUpdated.Emit(rooms)
		}
	}
}

func (h *Hub) openRoom(roomID string) {
	h.mx.Lock()
	h.rooms[roomID] = struct{}{}
	members := h.othersLocked("")
	rooms := h.roomsLocked()
	h.mx.Unlock()
	for _, m := range members {
		m.Events().RoomsUpdated.Emit(rooms)
	}
}

func (h *Hub) closeRoom(roomID string) {
	h.mx.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.mx.Unlock()
		return
	}
	delete(h.rooms, roomID)
	members := h.othersLocked("")
	rooms := h.roomsLocked()
	h.mx.Unlock()
	for _, m := range members {
		m.Events().RoomsUpdated.Emit(rooms)
	}
}

func (h *Hub) hasRoom(roomID string) bool {
	h.lookups.Inc()
	h.mx.RLock()
	defer h.mx.RUnlock()
	_, ok := h.rooms[roomID]
	return ok
}

func (h *Hub) subscribe(topic string, t *Transport) {
	h.mx.Lock()
	defer h.mx.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Transport)
		h.topics[topic] = subs
	}
	subs[t.PeerID()] = t
}

func (h *Hub) unsubscribe(topic string, peerID string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, peerID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Subscribers returns the ids of peers subscribed to topic.
func (h *Hub) Subscribers(topic string) []string {
	h.mx.RLock()
	defer h.mx.RUnlock()
	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) recipients(topic, src string) []*Transport {
	h.mx.RLock()
	defer h.mx.RUnlock()
	out := make([]*Transport, 0, len(h.topics[topic]))
	for id, t := range h.topics[topic] {
		if id != src {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) othersLocked(except string) []*Transport {
	out := make([]*Transport, 0, len(h.members))
	for id, t := range h.members {
		if id != except {
			out = append(out, t)
		}
	}
	return out
}

func (h *Hub) roomsLocked() []string {
	rooms := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}
