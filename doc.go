// Package meridian is the network layer of a distributed actor runtime.
//
// It connects processes that each host a set of actors. Every remote actor
// is represented locally by a Proxy; messages sent to a Proxy are
// serialized and queued on the EndpointManager owning the connection to
// the actor's node, written to the wire by a Transport, and framed by an
// Application (the default being BASP, a small binary protocol) on both
// ends.
//
// # Architecture
//
// A single Multiplexer thread owns a poll set and drives every registered
// socketManager's readiness callbacks. EndpointManagers are the concrete
// socketManager the runtime cares about: each owns one socket, one
// Transport, and two FIFO inboxes (control events and outbound messages)
// arbitrated by a deficit round-robin scheduler so a flood of large
// messages cannot starve urgent control events such as path resolution.
//
// Everything that touches a socket or a Transport runs on the multiplexer
// thread. Actor-runtime threads only ever enqueue onto the thread-safe
// inboxes; see EndpointManager.Resolve and EndpointManager.EnqueueMessage.
//
// # Backends
//
// A Network owns one Backend per URI scheme ("tcp", "udp", "quic", "test")
// and is the single point through which the actor runtime dials peers,
// resolves remote actors by path, and constructs proxies.
package meridian
