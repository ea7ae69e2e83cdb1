package coordinator

import (
	"slices"
	"sort"
	"sync"
)

type (
	PeerRecord struct {
		ID        string
		Addresses []string
		Connected bool
	}

	// RoomRecord is a known room. Connected is set for the room the local
	// peer is currently in.
	RoomRecord struct {
		ID        string
		Connected bool
	}
)

type registry struct {
	mx      *sync.Mutex
	peers   map[string]*PeerRecord
	rooms   []string
	current string
}

func newRegistry() *registry {
	return &registry{
		mx:    &sync.Mutex{},
		peers: make(map[string]*PeerRecord),
	}
}

// discover upserts a peer. Non-empty address lists replace the stored ones.
func (r *registry) discover(id string, addrs []string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.peers[id]
	if !ok {
		r.peers[id] = &PeerRecord{ID: id, Addresses: slices.Clone(addrs)}
		return true
	}
	if len(addrs) == 0 || slices.Equal(p.Addresses, addrs) {
		return false
	}
	p.Addresses = slices.Clone(addrs)
	return true
}

// setConnected reports whether the peer's state changed.
func (r *registry) setConnected(id, addr string, connected bool) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.peers[id]
	if !ok {
		if !connected {
			return false
		}
		p = &PeerRecord{ID: id}
		r.peers[id] = p
	}
	changed := p.Connected != connected
	p.Connected = connected
	if addr != "" && !slices.Contains(p.Addresses, addr) {
		p.Addresses = append(p.Addresses, addr)
		changed = true
	}
	return changed
}

func (r *registry) remove(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *registry) players() []PeerRecord {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerRecord{ID: p.ID, Addresses: slices.Clone(p.Addresses), Connected: p.Connected})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) setRooms(ids []string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.rooms = slices.Clone(ids)
	sort.Strings(r.rooms)
	r.rooms = slices.Compact(r.rooms)
}

// setCurrent reports whether the current room changed.
func (r *registry) setCurrent(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	changed := r.current != id
	r.current = id
	return changed
}

// roomList returns the known rooms. The current room is always listed.
func (r *registry) roomList() []RoomRecord {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]RoomRecord, 0, len(r.rooms)+1)
	seen := false
	for _, id := range r.rooms {
		out = append(out, RoomRecord{ID: id, Connected: id == r.current})
		seen = seen || id == r.current
	}
	if r.current != "" && !seen {
		out = append(out, RoomRecord{ID: r.current, Connected: true})
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}
