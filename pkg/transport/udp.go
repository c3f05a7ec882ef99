package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/donedgardo/rollback/pkg/logger"
	"github.com/donedgardo/rollback/pkg/network/socket"
)

const udpBacklog = 512
const maxDatagramSize = 4096

// UDP is the default transport: a single bound UDP socket with a background
// reader feeding a bounded queue. The queue is drained by Receive on the
// simulation thread; when it overflows the oldest traffic is dropped, which
// the protocol treats as ordinary loss.
type UDP struct {
	conn     *net.UDPConn
	incoming chan Datagram
	log      *logger.Logger

	mu       sync.Mutex
	resolved map[string]*net.UDPAddr
	names    map[string]string // resolved form -> caller-supplied form
}

// NewUDP binds a UDP transport to the local port.
func NewUDP(port int, log *logger.Logger) (*UDP, error) {
	conn, err := socket.NewUDP(port)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:     conn,
		incoming: make(chan Datagram, udpBacklog),
		log:      log,
		resolved: make(map[string]*net.UDPAddr),
		names:    make(map[string]string),
	}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the bound address, with an unspecified host rewritten to
// the loopback IP so the value is always routable.
func (u *UDP) LocalAddr() string {
	addr := u.conn.LocalAddr().(*net.UDPAddr)
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}
	return addr.String()
}

func (u *UDP) Send(payload []byte, addr string) {
	dst, err := u.resolve(addr)
	if err != nil {
		u.log.Debug().Err(err).Str("addr", addr).Msg("udp send skipped")
		return
	}
	if _, err = u.conn.WriteToUDP(payload, dst); err != nil {
		u.log.Debug().Err(err).Str("addr", addr).Msg("udp send failed")
	}
}

func (u *UDP) Receive() []Datagram {
	var out []Datagram
	for {
		select {
		case d := <-u.incoming:
			out = append(out, d)
		default:
			return out
		}
	}
}

func (u *UDP) Close() error { return u.conn.Close() }

func (u *UDP) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case u.incoming <- Datagram{From: u.name(from.String()), Payload: payload}:
		default:
			// Full queue means the simulation stalled for a while; new
			// traffic wins over stale traffic.
			select {
			case <-u.incoming:
			default:
			}
			select {
			case u.incoming <- Datagram{From: u.name(from.String()), Payload: payload}:
			default:
			}
		}
	}
}

// resolve caches destination lookups and remembers the caller's spelling of
// the address, so datagrams coming back from a resolved IP are reported
// under the name the session routes by.
func (u *UDP) resolve(addr string) (*net.UDPAddr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if dst, ok := u.resolved[addr]; ok {
		return dst, nil
	}
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	u.resolved[addr] = dst
	u.names[dst.String()] = addr
	return dst, nil
}

func (u *UDP) name(resolved string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if name, ok := u.names[resolved]; ok {
		return name
	}
	return resolved
}
