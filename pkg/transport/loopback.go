package transport

import "sync"

// Hub wires loopback endpoints together in process. It exists for tests and
// same-machine demos: delivery is instant and ordered, but links can be cut
// to simulate loss, which is all the engine's failure paths need.
type Hub struct {
	mu      sync.Mutex
	inboxes map[string][]Datagram
	blocked map[[2]string]bool
}

func NewHub() *Hub {
	return &Hub{
		inboxes: make(map[string][]Datagram),
		blocked: make(map[[2]string]bool),
	}
}

// Endpoint registers (or returns) the loopback socket for addr.
func (h *Hub) Endpoint(addr string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inboxes[addr]; !ok {
		h.inboxes[addr] = nil
	}
	return &Loopback{hub: h, addr: addr}
}

// Block drops everything sent from one address to another until Unblock.
func (h *Hub) Block(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocked[[2]string{from, to}] = true
}

func (h *Hub) Unblock(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.blocked, [2]string{from, to})
}

func (h *Hub) send(from, to string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blocked[[2]string{from, to}] {
		return
	}
	if _, ok := h.inboxes[to]; !ok {
		// Nobody listening; the packet is lost, same as on a real link.
		return
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	h.inboxes[to] = append(h.inboxes[to], Datagram{From: from, Payload: p})
}

// Loopback is one endpoint attached to a Hub.
type Loopback struct {
	hub  *Hub
	addr string
}

func (l *Loopback) Addr() string { return l.addr }

func (l *Loopback) Send(payload []byte, addr string) {
	l.hub.send(l.addr, addr, payload)
}

func (l *Loopback) Receive() []Datagram {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	out := l.hub.inboxes[l.addr]
	l.hub.inboxes[l.addr] = nil
	return out
}

func (l *Loopback) Close() error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	delete(l.hub.inboxes, l.addr)
	return nil
}
