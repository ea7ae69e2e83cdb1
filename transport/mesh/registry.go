package mesh

import (
	"sort"
	"sync"
	"time"
)

type peerEntry struct {
	addrs          []string
	connected      bool
	disconnectedAt time.Time
}

// registry tracks peers and announced rooms as observed by this host. It
// backs room lookups of JoinRoom and disconnected-peer pruning.
type registry struct {
	mx    *sync.Mutex
	peers map[string]*peerEntry
	rooms map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		mx:    &sync.Mutex{},
		peers: make(map[string]*peerEntry),
		rooms: make(map[string]struct{}),
	}
}

// discover records addrs for id. It reports whether the peer was new.
func (r *registry) discover(id string, addrs []string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.peers[id]
	if !ok {
		e = &peerEntry{}
		r.peers[id] = e
	}
	for _, a := range addrs {
		if !contains(e.addrs, a) {
			e.addrs = append(e.addrs, a)
		}
	}
	return !ok
}

// connect marks id connected. It reports whether the state changed.
func (r *registry) connect(id, addr string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.peers[id]
	if !ok {
		e = &peerEntry{}
		r.peers[id] = e
	}
	if addr != "" && !contains(e.addrs, addr) {
		e.addrs = append(e.addrs, addr)
	}
	changed := !e.connected
	e.connected = true
	e.disconnectedAt = time.Time{}
	return changed
}

func (r *registry) disconnect(id string, now time.Time) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	e, ok := r.peers[id]
	if !ok || !e.connected {
		return false
	}
	e.connected = false
	e.disconnectedAt = now
	return true
}

func (r *registry) addrs(id string) []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	if e, ok := r.peers[id]; ok {
		return append([]string(nil), e.addrs...)
	}
	return nil
}

// knows reports whether id was seen as a peer or announced a room.
func (r *registry) knows(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, peerOK := r.peers[id]
	_, roomOK := r.rooms[id]
	return peerOK || roomOK
}

// addRoom reports whether the room was new.
func (r *registry) addRoom(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.rooms[id]; ok {
		return false
	}
	r.rooms[id] = struct{}{}
	return true
}

func (r *registry) removeRoom(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.rooms[id]; !ok {
		return false
	}
	delete(r.rooms, id)
	return true
}

func (r *registry) roomList() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	rooms := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// prune removes peers disconnected for longer than window, along with the
// rooms they host, and returns the removed peer ids.
func (r *registry) prune(now time.Time, window time.Duration) (removed []string, roomsChanged bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for id, e := range r.peers {
		if e.connected || e.disconnectedAt.IsZero() || now.Sub(e.disconnectedAt) <= window {
			continue
		}
		delete(r.peers, id)
		removed = append(removed, id)
		if _, ok := r.rooms[id]; ok {
			delete(r.rooms, id)
			roomsChanged = true
		}
	}
	sort.Strings(removed)
	return removed, roomsChanged
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
