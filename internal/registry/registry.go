// Package registry holds the node-local mapping of authenticated identity to WebSocket connection.
package registry

import "sync"

// Socket is the subset of transport.Conn the registry needs. Defined here (rather than imported) so the registry has
// no dependency on the transport package and can be unit tested with a bare stand-in.
type Socket interface {
	Send(frame []byte) error
	Close(code int, reason string)
}

// Registry maps identity to the socket currently bound to it. All reads and writes happen under a single mutex
// no I/O is ever performed while the lock is held.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Socket
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{clients: make(map[string]Socket)}
}

// Bind installs sock as the current socket for identity and returns the previously bound socket, if any. The caller
// must close the returned socket with code 4000 before releasing any other reference to it; the prior socket's own
// read loop will then observe the close and call UnbindIfCurrent, which will no-op because the slot already points
// at the new socket.
func (r *Registry) Bind(identity string, sock Socket) (prior Socket, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, evicted = r.clients[identity]
	r.clients[identity] = sock
	return prior, evicted
}

// UnbindIfCurrent removes the mapping for identity iff the stored socket is exactly sock. It returns whether removal
// happened. This guards against the ABA problem where a newer session has already replaced the slot: an older
// connection's deferred cleanup must not evict a newer one.
func (r *Registry) UnbindIfCurrent(identity string, sock Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.clients[identity]
	if !ok || current != sock {
		return false
	}
	delete(r.clients, identity)
	return true
}

// Snapshot returns a copy of the currently bound sockets, safe to range over after the lock is released.
func (r *Registry) Snapshot() []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Socket, 0, len(r.clients))
	for _, sock := range r.clients {
		out = append(out, sock)
	}
	return out
}

// LocalIdentities returns a copy of the identities currently bound on this node.
func (r *Registry) LocalIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.clients))
	for identity := range r.clients {
		out = append(out, identity)
	}
	return out
}

// IsBound reports whether identity currently has a socket bound on this node, without returning the socket itself.
// The hub's pub/sub message listener uses Get instead, since it needs the socket to deliver to.
func (r *Registry) IsBound(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[identity]
	return ok
}

// Get returns the socket currently bound to identity, if any.
func (r *Registry) Get(identity string) (Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sock, ok := r.clients[identity]
	return sock, ok
}

// Len returns the number of currently bound sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
