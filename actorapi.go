package meridian

// The actor runtime itself — message definitions, the scheduler that
// dispatches messages to actor mailboxes, and the registry mapping paths
// to local actors — is an external collaborator (spec.md §1). meridian
// only needs the narrow interfaces below to hand it inbound work and ask
// it questions about local actors.

// ActorMessage is an opaque, already-serialized-or-serializable actor
// message. Its wire encoding is the actor runtime's concern; meridian
// treats the payload as a byte string producer/consumer (spec.md §1).
type ActorMessage interface {
	// Marshal returns the wire bytes for this message. Called lazily, on
	// the goroutine that drains the outbound queue, the first time the
	// message is weighed by the DRR arbiter or written (spec.md §3 "lazy
	// serialized byte payload"); once it succeeds the result is cached and
	// Marshal is not called again.
	Marshal() ([]byte, error)
}

// RawActorMessage wraps an already-serialized payload, used by tests and
// by the resolve protocol's response delivery.
type RawActorMessage []byte

func (r RawActorMessage) Marshal() ([]byte, error) { return r, nil }

// ActorRuntime is the host scheduler that dispatches inbound frames to
// actor mailboxes. BASP calls Deliver once per successfully framed,
// reordered (if enabled) message frame.
type ActorRuntime interface {
	Deliver(from NodeID, sender, receiver ActorID, op BASPOp, payload []byte)
}

// PathRegistry maps a path to a local actor id, answering the responder
// side of a resolve request (spec.md §4.4).
type PathRegistry interface {
	Lookup(path string) (actor ActorID, interfaces []string, found bool)
}

// OutboundMessage is an actor message plus already-resolved routing info
// and a lazily-computed serialized payload (spec.md §3).
type OutboundMessage struct {
	Sender   ActorID
	Receiver ActorID
	Op       BASPOp
	Body     ActorMessage

	serialized []byte
}

// size implements inboxTask: outbound messages cost their payload size in
// bytes (spec.md §4.2), so size serializes the message on first use. A
// message whose Marshal fails costs 1.
func (m *OutboundMessage) size() int {
	b, err := m.bytes()
	if err != nil {
		return 1
	}
	return len(b)
}

func (m *OutboundMessage) bytes() ([]byte, error) {
	if m.serialized == nil {
		b, err := m.Body.Marshal()
		if err != nil {
			return nil, err
		}
		m.serialized = b
	}
	return m.serialized, nil
}
