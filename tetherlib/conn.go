package tetherlib

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Conn.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Message is one inbound transport message as seen by raw-message
// listeners. Payload is nil when the message could not be unpacked.
type Message struct {
	Raw     []byte
	Payload any
}

// NoTimeout disables the deadline for a single request.
const NoTimeout time.Duration = -1

// RequestOptions tune a single request.
type RequestOptions struct {
	// ID is an explicit correlation id. It takes precedence over generation.
	ID string

	// IDPrefix overrides the connection-level prefix for the generated id.
	IDPrefix string

	// Timeout overrides the connection default. NoTimeout disables the
	// deadline for this call; zero keeps the default.
	Timeout time.Duration
}

// UUIDGenerator is a NewID strategy producing prefix plus a random UUID,
// collision-resistant across connections and processes.
func UUIDGenerator(prefix string) string { return prefix + uuid.NewString() }

// Conn correlates requests with replies on top of a raw, fire-and-forget
// message transport. Replies are matched to requests by a correlation id
// carried in both directions by the configured codec.
//
// Configure by setting fields before first use; the zero value of every
// field has a working default except Addr.
type Conn struct {
	// Addr is handed to the transport factory on every open.
	Addr string

	// Factory creates the transport. Defaults to TCPFactory().
	Factory TransportFactory

	// Pack and Unpack translate between payloads and wire messages.
	// They default to the JSON codec.
	Pack   PackFunc
	Unpack UnpackFunc

	// Timeout bounds open, close and every request without a per-call
	// override. Zero disables it.
	Timeout time.Duration

	// IDPrefix prefixes generated correlation ids.
	IDPrefix string

	// NewID overrides generated-id construction. The default combines the
	// prefix with a per-connection counter.
	NewID func(prefix string) string

	// Logger receives transition and routing diagnostics. Nil disables it.
	Logger *zap.Logger

	once sync.Once
	log  *zap.Logger

	mu      sync.Mutex
	state   State
	tr      Transport
	opening *Future[Transport]
	closing *Future[CloseEvent]
	table   *requestTable
	seq     uint64

	messages Emitter[Message]
	closures Emitter[CloseEvent]
	faults   Emitter[error]
}

func (c *Conn) init() {
	c.once.Do(func() {
		c.table = newRequestTable()
		c.log = c.Logger
		if c.log == nil {
			c.log = zap.NewNop()
		}
	})
}

func (c *Conn) reqs() *requestTable {
	c.init()
	return c.table
}

func (c *Conn) pack() PackFunc {
	if c.Pack != nil {
		return c.Pack
	}
	return JSONPack
}

func (c *Conn) unpack() UnpackFunc {
	if c.Unpack != nil {
		return c.Unpack
	}
	return JSONUnpack
}

func (c *Conn) factory() TransportFactory {
	if c.Factory != nil {
		return c.Factory
	}
	return TCPFactory()
}

// State reports the current lifecycle position.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) IsOpening() bool { return c.State() == StateOpening }
func (c *Conn) IsClosing() bool { return c.State() == StateClosing }
func (c *Conn) IsClosed() bool  { return c.State() == StateClosed }

// IsOpen reports whether the session is established and the transport is
// still ready to carry messages.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.tr != nil && c.tr.Ready()
}

// Pending reports the number of requests still awaiting a reply.
func (c *Conn) Pending() int { return c.reqs().size() }

// OnMessage delivers every inbound message, parsed or not.
func (c *Conn) OnMessage(fn func(Message)) (cancel func()) { return c.messages.Subscribe(fn) }

// OnClose delivers every transport closure.
func (c *Conn) OnClose(fn func(CloseEvent)) (cancel func()) { return c.closures.Subscribe(fn) }

// OnError delivers transport error events. Errors are informational; the
// close event that usually follows performs the actual cleanup.
func (c *Conn) OnError(fn func(error)) (cancel func()) { return c.faults.Subscribe(fn) }

// Open establishes the transport session. Callers that arrive while an
// open is already in flight share the same outcome, and opening an open
// connection returns the existing outcome. Opening while the connection is
// closing fails immediately.
func (c *Conn) Open() *Future[Transport] {
	c.init()

	c.mu.Lock()
	switch c.state {
	case StateClosing:
		c.mu.Unlock()
		return Rejected[Transport](errors.WithMessage(ErrClosing, "open"))
	case StateOpening, StateOpen:
		f := c.opening
		c.mu.Unlock()
		return f
	}

	f := NewFuture[Transport]()
	c.opening = f
	c.closing = nil
	c.state = StateOpening
	addr, timeout := c.Addr, c.Timeout
	c.mu.Unlock()

	c.log.Debug("opening", zap.String("addr", addr))
	f.Arm(timeout, &TimeoutError{Op: "open", Duration: timeout})

	tr, err := c.factory()(addr)
	if err != nil {
		c.mu.Lock()
		if c.opening == f {
			c.state = StateClosed
		}
		c.mu.Unlock()
		f.Reject(errors.Wrap(err, "open"))
		return f
	}

	tr.OnOpen(func() { c.transportOpened(tr) })
	tr.OnMessage(c.route)
	tr.OnError(c.transportFailed)
	tr.OnClose(c.transportClosed)

	c.mu.Lock()
	if c.state != StateOpening || c.opening != f {
		// closed while the factory ran; leave the inert transport unstarted
		c.mu.Unlock()
		return f
	}
	c.tr = tr
	c.mu.Unlock()

	tr.Start()
	return f
}

// Close shuts the session down. It resolves with the transport's close
// event and is idempotent once closed.
func (c *Conn) Close() *Future[CloseEvent] {
	c.init()

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		f := c.closing
		if f == nil {
			f = Resolved(CloseEvent{Code: CloseNormal, Reason: "never connected"})
			c.closing = f
		}
		c.mu.Unlock()
		return f
	case StateClosing:
		f := c.closing
		c.mu.Unlock()
		return f
	case StateIdle:
		f := Resolved(CloseEvent{Code: CloseNormal, Reason: "never opened"})
		c.closing = f
		c.state = StateClosed
		c.mu.Unlock()
		return f
	}

	if c.tr == nil {
		// open raced us before a transport existed
		ev := CloseEvent{Code: CloseNormal, Reason: "never connected"}
		f := Resolved(ev)
		c.closing = f
		c.state = StateClosed
		opening := c.opening
		c.mu.Unlock()
		if opening != nil {
			opening.Reject(&ClosedError{Code: ev.Code, Reason: ev.Reason})
		}
		return f
	}

	f := NewFuture[CloseEvent]()
	c.closing = f
	c.state = StateClosing
	tr := c.tr
	timeout := c.Timeout
	c.mu.Unlock()

	c.log.Debug("closing")
	f.Arm(timeout, &TimeoutError{Op: "close", Duration: timeout})
	if err := tr.Close(); err != nil {
		f.Reject(errors.Wrap(err, "close"))
	}
	return f
}

// Send transmits data without reply correlation. It fails unless the
// connection is open.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	tr := c.tr
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || tr == nil || !tr.Ready() {
		return errors.WithMessage(ErrNotOpen, "send")
	}
	return tr.Send(data)
}

// Request sends payload and returns a future that resolves with the
// correlated reply's payload, or rejects on timeout or connection closure.
func (c *Conn) Request(payload any) *Future[any] {
	return c.RequestWith(payload, RequestOptions{})
}

// RequestWith is Request with per-call options.
func (c *Conn) RequestWith(payload any, opts RequestOptions) *Future[any] {
	c.init()

	if !structured(payload) {
		return Rejected[any](errors.Wrapf(ErrInvalidPayload, "got %T", payload))
	}

	id := opts.ID
	if id == "" {
		id = c.nextID(opts.IDPrefix)
	}

	msg, err := c.pack()(id, payload)
	if err != nil {
		return Rejected[any](errors.Wrapf(err, "request %q", id))
	}

	timeout := c.Timeout
	if opts.Timeout != 0 {
		timeout = opts.Timeout
	}

	f := NewFuture[any]()
	if err := c.reqs().put(id, f); err != nil {
		return Rejected[any](err)
	}
	f.OnSettle(func() { c.reqs().remove(id) })
	f.Arm(timeout, &TimeoutError{Op: "request", ID: id, Duration: timeout})

	// the send is the future's start action so a send failure rejects the
	// same outcome the caller already holds
	f.Begin(func() error {
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr == nil || !tr.Ready() {
			return errors.Wrapf(ErrNotOpen, "request %q", id)
		}
		return errors.Wrapf(tr.Send(msg), "request %q", id)
	})
	return f
}

func (c *Conn) nextID(prefix string) string {
	if prefix == "" {
		prefix = c.IDPrefix
	}
	if c.NewID != nil {
		return c.NewID(prefix)
	}
	return fmt.Sprintf("%s%d", prefix, atomic.AddUint64(&c.seq, 1))
}

// A request payload must be a structured record: the codecs merge the
// correlation id into it as a field.
func structured(payload any) bool {
	if payload == nil {
		return false
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Struct:
		return true
	}
	return false
}

// route handles one inbound transport message: broadcast first, then
// correlate. Unpack failures are absorbed; the raw message still reaches
// listeners with a nil payload.
func (c *Conn) route(raw []byte) {
	id, payload, err := c.unpack()(raw)
	if err != nil {
		c.log.Debug("unpack failed", zap.Error(err))
		c.messages.Emit(Message{Raw: raw})
		return
	}

	c.messages.Emit(Message{Raw: raw, Payload: payload})

	if id == "" {
		return
	}
	if f, ok := c.reqs().take(id); ok {
		f.Resolve(payload)
	}
}

func (c *Conn) transportOpened(tr Transport) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	f := c.opening
	c.mu.Unlock()

	c.log.Debug("open", zap.String("addr", c.Addr))
	if f != nil {
		f.Resolve(tr)
	}
}

func (c *Conn) transportFailed(err error) {
	c.log.Error("transport error", zap.Error(err))
	c.faults.Emit(err)
}

// transportClosed is the single point of transport destruction: it runs for
// every closure, requested or not, and settles everything still pending.
func (c *Conn) transportClosed(ev CloseEvent) {
	c.mu.Lock()
	c.tr = nil
	c.state = StateClosed
	opening := c.opening
	closing := c.closing
	if closing == nil {
		closing = NewFuture[CloseEvent]()
		c.closing = closing
	}
	c.mu.Unlock()

	closing.Resolve(ev)

	cause := &ClosedError{Code: ev.Code, Reason: ev.Reason}
	if opening != nil {
		opening.Reject(cause)
	}
	for _, f := range c.reqs().drain() {
		f.Reject(cause)
	}

	c.log.Debug("closed", zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
	c.closures.Emit(ev)
}
