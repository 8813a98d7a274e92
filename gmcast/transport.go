package gmcast

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/codership/galera-sub001/config"
	"github.com/codership/galera-sub001/glog"
)

// writeFrame and readFrame implement the wire framing every TCP stream
// connection carries: a 1-byte FrameType, a 4-byte big-endian payload
// length, then the payload itself.
func writeFrame(w io.Writer, frame FrameType, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(frame)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("gmcast: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("gmcast: write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return FrameType(header[0]), payload, nil
}

// TCPSender implements Sender over a real net.Conn. Writes are serialized
// since the reactor may issue a handshake send and a broadcast fan-out
// send to the same connection within one tick.
type TCPSender struct {
	conn net.Conn
	mu   sync.Mutex
}

func newTCPSender(conn net.Conn) *TCPSender { return &TCPSender{conn: conn} }

func (s *TCPSender) Send(frame FrameType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.conn, frame, payload)
}

func (s *TCPSender) Close() error { return s.conn.Close() }

// Received is one inbound frame posted by a connection's read goroutine to
// the shared channel a reactor drains every tick. Err is set, with Frame
// and Payload left zero, once the connection's read loop has exited.
type Received struct {
	Addr    string
	Frame   FrameType
	Payload []byte
	Err     error
}

// tlsConfig derives a *tls.Config from the socket.ssl* keys spec.md's
// external interfaces table lists, or nil when socket.ssl is unset.
func tlsConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.Bool("socket.ssl", false) {
		return nil, nil
	}
	certFile := cfg.String("socket.ssl_cert", "")
	keyFile := cfg.String("socket.ssl_key", "")
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("gmcast: socket.ssl enabled without socket.ssl_cert/socket.ssl_key")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("gmcast: loading TLS keypair: %w", err)
	}
	tc := &tls.Config{Certificates: []tls.Certificate{cert}}
	if ca := cfg.String("socket.ssl_ca", ""); ca != "" {
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func splitScheme(addr string) (network, hostport string) {
	if i := strings.Index(addr, "://"); i >= 0 {
		return "tcp", addr[i+3:]
	}
	return "tcp", addr
}

// Listener owns the accept loop for one node's gmcast.listen_addr and the
// outbound Dial path used to connect to seed/discovered peers, applying
// socket.ssl transparently on both sides. It never interprets frame
// contents; that is Overlay's job once the reactor hands it a Received.
type Listener struct {
	ln  net.Listener
	cfg *config.Config
	log glog.Logger

	inbound chan Received

	mu    sync.Mutex
	conns map[string]*TCPSender
}

// Listen opens addr (a "tcp://host:port" gmcast.listen_addr value) for
// incoming connections.
func Listen(addr string, cfg *config.Config, log glog.Logger) (*Listener, error) {
	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	network, hostport := splitScheme(addr)
	var ln net.Listener
	if tc != nil {
		ln, err = tls.Listen(network, hostport, tc)
	} else {
		ln, err = net.Listen(network, hostport)
	}
	if err != nil {
		return nil, fmt.Errorf("gmcast: listen %s: %w", addr, err)
	}
	l := &Listener{
		ln:      ln,
		cfg:     cfg,
		log:     log,
		inbound: make(chan Received, 64),
		conns:   make(map[string]*TCPSender),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		addr := conn.RemoteAddr().String()
		s := l.track(addr, conn)
		go l.readLoop(addr, s)
	}
}

// Dial opens an outgoing connection to addr, identified by that same
// address afterwards for every Received the read loop posts and for
// Overlay.HandleHandshakeFrame/HandleHandshakeResponse correlation.
func (l *Listener) Dial(addr string) (Sender, error) {
	tc, err := tlsConfig(l.cfg)
	if err != nil {
		return nil, err
	}
	network, hostport := splitScheme(addr)
	var conn net.Conn
	if tc != nil {
		conn, err = tls.Dial(network, hostport, tc)
	} else {
		conn, err = net.Dial(network, hostport)
	}
	if err != nil {
		return nil, fmt.Errorf("gmcast: dial %s: %w", addr, err)
	}
	s := l.track(addr, conn)
	go l.readLoop(addr, s)
	return s, nil
}

func (l *Listener) track(addr string, conn net.Conn) *TCPSender {
	s := newTCPSender(conn)
	l.mu.Lock()
	l.conns[addr] = s
	l.mu.Unlock()
	return s
}

// SenderForAddr returns the single Sender instance backing addr's
// connection, letting the reactor reply on a connection it did not itself
// dial (an accepted inbound connection) without racing Send calls across
// two wrappers of the same socket.
func (l *Listener) SenderForAddr(addr string) (Sender, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.conns[addr]
	return s, ok
}

func (l *Listener) readLoop(addr string, s *TCPSender) {
	r := bufio.NewReader(s.conn)
	for {
		frame, payload, err := readFrame(r)
		if err != nil {
			l.inbound <- Received{Addr: addr, Err: err}
			l.mu.Lock()
			delete(l.conns, addr)
			l.mu.Unlock()
			return
		}
		l.inbound <- Received{Addr: addr, Frame: frame, Payload: payload}
	}
}

// Inbound is the channel a reactor selects on for every frame received
// across every connection this Listener owns, dialed or accepted alike.
func (l *Listener) Inbound() <-chan Received { return l.inbound }

// Addr returns the OS-resolved listen address (useful when the
// configured port is 0).
func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) Close() error {
	l.mu.Lock()
	for _, c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}
