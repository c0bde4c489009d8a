package tetherlib

import (
	"io"
	"net"
	"sync"

	"github.com/lithdew/bytesutil"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 1 << 22

// TCPOptions tune the default TCP transport.
type TCPOptions struct {
	// Handshake runs over the freshly dialed conn before the open event
	// fires. See SignedHandshake.
	Handshake HandshakeFunc

	// MaxFrameSize bounds inbound frames; zero means DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// TCPFactory returns a transport factory speaking big-endian
// length-prefixed frames over TCP. It is the default transport.
func TCPFactory(opts ...TCPOptions) TransportFactory {
	var o TCPOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return func(addr string) (Transport, error) {
		if addr == "" {
			return nil, errors.New("tcp: empty address")
		}
		return newTCPTransport(addr, o), nil
	}
}

type tcpTransport struct {
	addr string
	opts TCPOptions

	onOpen    func()
	onMessage func(p []byte)
	onError   func(err error)
	onClose   func(ev CloseEvent)

	mu     sync.Mutex
	conn   net.Conn
	ready  bool
	closed bool

	// wmu serializes frame writes without blocking mu, so Close can always
	// reach the conn and interrupt a stalled write
	wmu sync.Mutex
}

func newTCPTransport(addr string, opts TCPOptions) *tcpTransport {
	return &tcpTransport{
		addr:      addr,
		opts:      opts,
		onOpen:    func() {},
		onMessage: func([]byte) {},
		onError:   func(error) {},
		onClose:   func(CloseEvent) {},
	}
}

func (t *tcpTransport) OnOpen(fn func())            { t.onOpen = fn }
func (t *tcpTransport) OnMessage(fn func([]byte))   { t.onMessage = fn }
func (t *tcpTransport) OnError(fn func(error))      { t.onError = fn }
func (t *tcpTransport) OnClose(fn func(CloseEvent)) { t.onClose = fn }

func (t *tcpTransport) Start() { go t.run() }

func (t *tcpTransport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *tcpTransport) Send(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	ready := t.ready
	t.mu.Unlock()
	if !ready || conn == nil {
		return errors.New("tcp: not connected")
	}

	bb := bytebufferpool.Get()
	bb.B = bytesutil.AppendUint32BE(bb.B, uint32(len(p)))
	bb.B = append(bb.B, p...)

	t.wmu.Lock()
	_, err := conn.Write(bb.B)
	t.wmu.Unlock()

	bytebufferpool.Put(bb)
	return errors.Wrap(err, "tcp: write")
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.ready = false
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *tcpTransport) run() {
	conn, err := net.Dial("tcp", t.addr)
	if err != nil {
		t.onError(errors.Wrap(err, "tcp: dial"))
		t.onClose(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	if hs := t.opts.Handshake; hs != nil {
		upgraded, err := hs(conn)
		if err != nil {
			_ = conn.Close()
			t.onError(errors.Wrap(err, "tcp: handshake"))
			t.onClose(CloseEvent{Code: CloseAbnormal, Reason: "handshake: " + err.Error()})
			return
		}
		conn = upgraded
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		t.onClose(CloseEvent{Code: CloseNormal, Reason: "closed before open"})
		return
	}
	t.conn = conn
	t.ready = true
	t.mu.Unlock()

	t.onOpen()
	t.readLoop(conn)
}

func (t *tcpTransport) readLoop(conn net.Conn) {
	max := t.opts.MaxFrameSize
	if max == 0 {
		max = DefaultMaxFrameSize
	}

	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			t.shutdown(conn, err)
			return
		}
		n := bytesutil.Uint32BE(header[:])
		if n > max {
			t.shutdown(conn, errors.Errorf("tcp: frame of %d bytes exceeds limit of %d", n, max))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			t.shutdown(conn, err)
			return
		}
		t.onMessage(frame)
	}
}

func (t *tcpTransport) shutdown(conn net.Conn, cause error) {
	t.mu.Lock()
	requested := t.closed
	t.closed = true
	t.ready = false
	t.conn = nil
	t.mu.Unlock()

	_ = conn.Close()

	if requested {
		t.onClose(CloseEvent{Code: CloseNormal, Reason: "connection closed"})
		return
	}
	if errors.Is(cause, io.EOF) {
		// peer hung up cleanly
		t.onClose(CloseEvent{Code: CloseGoingAway, Reason: "peer closed the connection"})
		return
	}

	t.onError(cause)
	t.onClose(CloseEvent{Code: CloseAbnormal, Reason: cause.Error()})
}
