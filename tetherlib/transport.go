package tetherlib

// Close codes reported through CloseEvent. The numbering follows the
// websocket status space so abnormal closures are distinguishable from
// requested ones.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// CloseEvent describes why a transport shut down.
type CloseEvent struct {
	Code   int
	Reason string
}

// Transport is the underlying message-oriented connection primitive. A
// transport is created inert: the connection wires all four event hooks and
// only then calls Start, so no event can be delivered before its handler is
// registered. Implementations must be safe for concurrent use; the event
// hooks are wired once, before Start.
type Transport interface {
	// Start begins connecting and delivering events. Called at most once.
	Start()

	// Send transmits one message. It fails when the transport is not ready.
	Send(p []byte) error

	// Close shuts the transport down. The close event still fires.
	Close() error

	// Ready reports whether the transport is established and usable.
	Ready() bool

	OnOpen(fn func())
	OnMessage(fn func(p []byte))
	OnError(fn func(err error))
	OnClose(fn func(ev CloseEvent))
}

// TransportFactory creates an inert transport aimed at addr.
type TransportFactory func(addr string) (Transport, error)
