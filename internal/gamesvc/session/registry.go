package session

import (
	"github.com/stoneplay/stone-services/internal/comm"
)

// Conn is one live subscriber connection. The websocket layer implements it;
// tests use a channel-backed fake.
type Conn interface {
	UserID() int64
	Send(ev *comm.Event)
	Close()
}

// registry tracks the live connections subscribed to one game, keyed by user
// id. A user holds at most one entry; re-joining replaces (and closes) the
// prior connection. Callers hold the owning game's lock.
type registry struct {
	conns map[int64]Conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[int64]Conn)}
}

func (r *registry) add(c Conn) {
	if prev, ok := r.conns[c.UserID()]; ok && prev != c {
		prev.Close()
	}
	r.conns[c.UserID()] = c
}

// remove drops the entry only while it still holds this exact connection. A
// stale socket's teardown arriving after a rejoin must not evict the
// replacement.
func (r *registry) remove(c Conn) bool {
	cur, ok := r.conns[c.UserID()]
	if !ok || cur != c {
		return false
	}
	delete(r.conns, c.UserID())
	return true
}

func (r *registry) broadcast(ev *comm.Event) {
	for _, c := range r.conns {
		c.Send(ev)
	}
}

// sendTo delivers an event to a single subscriber, used for error events that
// must reach only the initiating connection.
func (r *registry) sendTo(userID int64, ev *comm.Event) {
	if c, ok := r.conns[userID]; ok {
		c.Send(ev)
	}
}

func (r *registry) size() int {
	return len(r.conns)
}
