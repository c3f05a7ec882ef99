package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/donedgardo/rollback/pkg/logger"
)

const wsBacklog = 512
const wsWriteWait = 5 * time.Second
const wsPath = "/link"

// WS tunnels session datagrams through WebSocket messages, one message per
// datagram, for links where UDP is blocked. Each peer pair shares one
// connection: the first side to send dials, the other side accepts. Message
// boundaries are preserved, so the engine sees the same unreliable-datagram
// semantics as over UDP (a dropped connection is just burst packet loss).
type WS struct {
	advertised string
	server     *http.Server
	listener   net.Listener
	incoming   chan Datagram
	log        *logger.Logger

	mu    sync.Mutex
	conns map[string]*deadlinedConn
}

// NewWS starts a WebSocket transport listening on the local port. The
// advertised address is sent to peers so they can route replies; empty means
// 127.0.0.1 with the given port.
func NewWS(port int, advertised string, log *logger.Logger) (*WS, error) {
	if advertised == "" {
		advertised = fmt.Sprintf("127.0.0.1:%d", port)
	}
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	w := &WS{
		advertised: advertised,
		listener:   l,
		incoming:   make(chan Datagram, wsBacklog),
		log:        log,
		conns:      make(map[string]*deadlinedConn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, w.accept)
	w.server = &http.Server{Handler: mux}
	go func() { _ = w.server.Serve(l) }()
	return w, nil
}

// LocalAddr returns the advertised address.
func (w *WS) LocalAddr() string { return w.advertised }

func (w *WS) Send(payload []byte, addr string) {
	conn, err := w.connect(addr)
	if err != nil {
		w.log.Debug().Err(err).Str("addr", addr).Msg("ws send skipped")
		return
	}
	if err := conn.write(websocket.BinaryMessage, payload); err != nil {
		w.log.Debug().Err(err).Str("addr", addr).Msg("ws send failed")
		w.drop(addr, conn)
	}
}

func (w *WS) Receive() []Datagram {
	var out []Datagram
	for {
		select {
		case d := <-w.incoming:
			out = append(out, d)
		default:
			return out
		}
	}
}

func (w *WS) Close() error {
	w.mu.Lock()
	for _, c := range w.conns {
		_ = c.close()
	}
	w.conns = make(map[string]*deadlinedConn)
	w.mu.Unlock()
	return w.server.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxDatagramSize,
	WriteBufferSize: maxDatagramSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (w *WS) accept(rw http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("from")
	if peer == "" {
		http.Error(rw, "missing from param", http.StatusBadRequest)
		return
	}
	sock, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	conn := &deadlinedConn{sock: sock, wt: wsWriteWait}
	w.mu.Lock()
	if _, exists := w.conns[peer]; !exists {
		w.conns[peer] = conn
	}
	w.mu.Unlock()
	go w.readLoop(peer, conn)
}

func (w *WS) connect(addr string) (*deadlinedConn, error) {
	w.mu.Lock()
	if conn, ok := w.conns[addr]; ok {
		w.mu.Unlock()
		return conn, nil
	}
	w.mu.Unlock()

	url := fmt.Sprintf("ws://%s%s?from=%s", addr, wsPath, w.advertised)
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	conn := &deadlinedConn{sock: sock, wt: wsWriteWait}

	w.mu.Lock()
	if existing, ok := w.conns[addr]; ok {
		// Lost the dial race against an accepted connection.
		w.mu.Unlock()
		_ = conn.close()
		return existing, nil
	}
	w.conns[addr] = conn
	w.mu.Unlock()
	go w.readLoop(addr, conn)
	return conn, nil
}

func (w *WS) drop(addr string, conn *deadlinedConn) {
	w.mu.Lock()
	if w.conns[addr] == conn {
		delete(w.conns, addr)
	}
	w.mu.Unlock()
	_ = conn.close()
}

func (w *WS) readLoop(peer string, conn *deadlinedConn) {
	for {
		payload, err := conn.read()
		if err != nil {
			w.drop(peer, conn)
			return
		}
		select {
		case w.incoming <- Datagram{From: peer, Payload: payload}:
		default:
			select {
			case <-w.incoming:
			default:
			}
			select {
			case w.incoming <- Datagram{From: peer, Payload: payload}:
			default:
			}
		}
	}
}

type deadlinedConn struct {
	sock *websocket.Conn
	wt   time.Duration

	wmu sync.Mutex
}

func (conn *deadlinedConn) close() error { return conn.sock.Close() }

func (conn *deadlinedConn) read() (message []byte, err error) {
	_, message, err = conn.sock.ReadMessage()
	return
}

func (conn *deadlinedConn) write(t int, mess []byte) error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	if err := conn.sock.SetWriteDeadline(time.Now().Add(conn.wt)); err != nil {
		return err
	}
	return conn.sock.WriteMessage(t, mess)
}
