// Package transport abstracts the unreliable datagram link a session runs
// over. Implementations never block the simulation thread: sends are
// fire-and-forget and Receive drains whatever arrived since the last call.
package transport

// Datagram is one received packet together with the sender's address.
type Datagram struct {
	From    string
	Payload []byte
}

// Socket is the non-blocking datagram primitive a session drives once (or
// more) per tick. Addresses are the exact "host:port" strings the session
// was built with; they key peer routing.
type Socket interface {
	// Send transmits the payload to addr. Delivery is best-effort; failures
	// count as packet loss.
	Send(payload []byte, addr string)
	// Receive returns all pending datagrams without blocking. It may return
	// an empty slice.
	Receive() []Datagram
	Close() error
}
