package tetherlib

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lithdew/bytesutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeFrame(conn net.Conn, p []byte) error {
	buf := bytesutil.AppendUint32BE(nil, uint32(len(p)))
	_, err := conn.Write(append(buf, p...))
	return err
}

func readFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, bytesutil.Uint32BE(header[:]))
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// servePong answers every parsable frame with a pong carrying the same
// correlation id.
func servePong(ln net.Listener, hs HandshakeFunc) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			if hs != nil {
				upgraded, err := hs(conn)
				if err != nil {
					return
				}
				conn = upgraded
			}
			for {
				frame, err := readFrame(conn)
				if err != nil {
					return
				}
				var m map[string]any
				if err := json.Unmarshal(frame, &m); err != nil {
					continue
				}
				m["type"] = "pong"
				out, _ := json.Marshal(m)
				if err := writeFrame(conn, out); err != nil {
					return
				}
			}
		}(conn)
	}
}

func TestTCPRequestReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePong(ln, nil)

	c := &Conn{Addr: ln.Addr().String(), Timeout: 5 * time.Second}

	_, err = c.Open().Wait(testCtx(t))
	require.NoError(t, err)
	require.True(t, c.IsOpen())

	payload, err := c.Request(map[string]any{"type": "ping"}).Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "pong", payload.(map[string]any)["type"])

	ev, err := c.Close().Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, CloseNormal, ev.Code)
	require.True(t, c.IsClosed())
}

func TestTCPDialFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	// grab a port and release it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := &Conn{Addr: addr, Timeout: 5 * time.Second}

	_, err = c.Open().Wait(testCtx(t))
	require.Error(t, err)
	require.True(t, IsClosed(err))
	require.True(t, c.IsClosed())
}

func TestTCPPeerClosure(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	c := &Conn{Addr: ln.Addr().String(), Timeout: 5 * time.Second}
	_, err = c.Open().Wait(testCtx(t))
	require.NoError(t, err)

	f := c.Request(map[string]any{"type": "ping"})

	// the peer hangs up with the request still pending
	conn := <-accepted
	require.NoError(t, conn.Close())

	_, err = f.Wait(testCtx(t))
	require.Error(t, err)
	require.True(t, IsClosed(err))
	require.True(t, c.IsClosed())
}

func TestTCPOversizedFrameAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// header advertises a frame beyond the configured limit
		_, _ = conn.Write(bytesutil.AppendUint32BE(nil, 1<<30))
		time.Sleep(100 * time.Millisecond)
	}()

	c := &Conn{
		Addr:    ln.Addr().String(),
		Factory: TCPFactory(TCPOptions{MaxFrameSize: 1 << 10}),
		Timeout: 5 * time.Second,
	}

	closed := make(chan CloseEvent, 1)
	c.OnClose(func(ev CloseEvent) { closed <- ev })

	_, err = c.Open().Wait(testCtx(t))
	require.NoError(t, err)

	select {
	case ev := <-closed:
		require.Equal(t, CloseAbnormal, ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the oversized frame to abort the connection")
	}
}

func TestTCPEmptyAddr(t *testing.T) {
	_, err := TCPFactory()("")
	require.Error(t, err)
}

func TestTCPCloseWhileSendStalled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// the peer accepts but never reads, so writes stall once the socket
	// buffers fill
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	c := &Conn{Addr: ln.Addr().String(), Timeout: 5 * time.Second}
	_, err = c.Open().Wait(testCtx(t))
	require.NoError(t, err)

	stalled := make(chan struct{})
	go func() {
		defer close(stalled)
		payload := make([]byte, 1<<20)
		for {
			if err := c.Send(payload); err != nil {
				return
			}
		}
	}()

	// let the writer wedge against the full buffers
	time.Sleep(200 * time.Millisecond)

	returned := make(chan *Future[CloseEvent], 1)
	go func() { returned <- c.Close() }()

	select {
	case f := <-returned:
		ev, err := f.Wait(testCtx(t))
		require.NoError(t, err)
		require.Equal(t, CloseNormal, ev.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked behind a stalled send")
	}

	<-stalled
	require.True(t, c.IsClosed())
	require.NoError(t, (<-accepted).Close())
}
