package meridian

// packetWriter is what an Application uses to talk back down to its
// Transport (spec.md §9 "a transport holds a boxed application behind an
// interface"). It is the mirror image of Application.HandleData.
type packetWriter interface {
	NextHeaderBuffer() []byte
	NextPayloadBuffer() []byte
	WritePacket(header, payload []byte) error
}

// ResolveListener receives the outcome of a resolve request (spec.md
// §4.4 resolve protocol).
type ResolveListener interface {
	OnResolved(proxy *Proxy)
	OnError(err error)
}

// Application is the framing/protocol policy sitting atop a Transport
// (spec.md §2 item 6, §9). The default implementation is BASP (basp.go).
type Application interface {
	// Init runs the handshake; it may write bytes via w. Called before
	// the endpoint manager's socket is registered with the multiplexer.
	Init(w packetWriter) error

	// HeaderSize reports how many header bytes the Transport must collect
	// before calling HandleData. It may vary over the application's
	// lifetime (e.g. a handshake header differs in size from a running
	// frame header), so the Transport asks again for every frame.
	HeaderSize() int

	// HandleData is handed one complete frame, already split into header
	// and payload per HeaderSize and the header's embedded payload
	// length (transport.go).
	HandleData(w packetWriter, header, payload []byte) error

	// WriteMessage serializes and frames an outbound actor message.
	WriteMessage(w packetWriter, msg *OutboundMessage) error

	// Resolve sends a resolve-request for path and registers listener to
	// receive the eventual resolve-response (or a timeout/error).
	Resolve(w packetWriter, path string, listener ResolveListener) error

	// Timeout handles an expired control-plane timer (e.g. a resolve
	// that never got an answer).
	Timeout(w packetWriter, tag string, payload any) error

	// HandleError is called once, when the transport hits a fatal error
	// or clean EOF; the Application should fail any outstanding
	// listeners with a "shutting down"/transport error.
	HandleError(err error)
}
