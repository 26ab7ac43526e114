package meridian

import (
	"encoding/binary"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Resolve protocol payload layouts (spec.md §4.4):
//
//   resolve-request:  [4-byte request id][path bytes, rest of payload]
//   resolve-response: [4-byte request id][8-byte actor id][varint count][varint-len-prefixed interface strings...]

// Resolve sends a resolve-request for path and remembers listener so the
// eventual resolve-response (or timeout) can be delivered to it.
func (b *baspApplication) Resolve(w packetWriter, path string, listener ResolveListener) error {
	reqID := b.nextReqID.Add(1)

	b.pendingMu.Lock()
	b.pending[reqID] = listener
	b.pendingMu.Unlock()

	if b.timers != nil {
		b.timers.SetTimeout(time.Now().Add(resolveTimeout), resolveTimeoutTag, reqID)
	}

	body := make([]byte, 4+len(path))
	binary.LittleEndian.PutUint32(body[0:4], reqID)
	copy(body[4:], path)

	msg := &OutboundMessage{Op: OpResolveRequest, Body: RawActorMessage(body)}
	return b.WriteMessage(w, msg)
}

// Timeout handles an expired timer; the only timer tag meridian's core
// registers against an Application is "resolve", fired alongside every
// outstanding resolve request (spec.md §5 "Resolve requests are not
// cancellable; they either complete or time out via a timeout registered
// alongside them").
func (b *baspApplication) Timeout(w packetWriter, tag string, payload any) error {
	if tag != resolveTimeoutTag {
		return nil
	}
	reqID, ok := payload.(uint32)
	if !ok {
		return nil
	}
	b.pendingMu.Lock()
	listener, found := b.pending[reqID]
	delete(b.pending, reqID)
	b.pendingMu.Unlock()
	if found {
		listener.OnError(ErrTimeout)
	}
	return nil
}

const resolveTimeoutTag = "resolve"
const resolveTimeout = 30 * time.Second

func (b *baspApplication) handleResolveRequest(w packetWriter, sender, receiver ActorID, payload []byte) error {
	if len(payload) < 4 {
		return wrapf(ErrProtocolError, "basp: malformed resolve-request")
	}
	reqID := binary.LittleEndian.Uint32(payload[0:4])
	path := string(payload[4:])

	actor, interfaces, found := b.paths.Lookup(path)
	if !found {
		actor = 0
		interfaces = nil
	}

	respBody := encodeResolveResponse(reqID, actor, interfaces)
	msg := &OutboundMessage{Op: OpResolveResponse, Body: RawActorMessage(respBody)}
	return b.WriteMessage(w, msg)
}

func (b *baspApplication) handleResolveResponse(payload []byte) error {
	reqID, actor, interfaces, err := decodeResolveResponse(payload)
	if err != nil {
		return err
	}
	b.pendingMu.Lock()
	listener, found := b.pending[reqID]
	delete(b.pending, reqID)
	b.pendingMu.Unlock()
	if !found {
		return nil
	}
	if actor == 0 && len(interfaces) == 0 {
		listener.OnError(wrapf(ErrRuntimeError, "basp: path not found on peer"))
		return nil
	}
	proxy := b.registry.GetOrMake(b.peerNode, actor, b.peer, interfaces)
	listener.OnResolved(proxy)
	return nil
}

func (b *baspApplication) handleDown(payload []byte) error {
	if len(payload) < 9 {
		return wrapf(ErrProtocolError, "basp: malformed down notification")
	}
	actor := ActorID(binary.LittleEndian.Uint64(payload[0:8]))
	b.registry.Erase(b.peerNode, actor)
	return nil
}

func encodeResolveResponse(reqID uint32, actor ActorID, interfaces []string) []byte {
	head := make([]byte, 12)
	binary.LittleEndian.PutUint32(head[0:4], reqID)
	binary.LittleEndian.PutUint64(head[4:12], uint64(actor))

	buf := protowire.AppendVarint(nil, uint64(len(interfaces)))
	for _, iface := range interfaces {
		buf = protowire.AppendVarint(buf, uint64(len(iface)))
		buf = append(buf, iface...)
	}
	return append(head, buf...)
}

func decodeResolveResponse(payload []byte) (reqID uint32, actor ActorID, interfaces []string, err error) {
	if len(payload) < 12 {
		return 0, 0, nil, wrapf(ErrProtocolError, "basp: malformed resolve-response")
	}
	reqID = binary.LittleEndian.Uint32(payload[0:4])
	actor = ActorID(binary.LittleEndian.Uint64(payload[4:12]))

	rest := payload[12:]
	count, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		return 0, 0, nil, wrapf(ErrProtocolError, "basp: malformed resolve-response interface count")
	}
	rest = rest[n:]
	interfaces = make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		strLen, n := protowire.ConsumeVarint(rest)
		if n < 0 || uint64(len(rest)-n) < strLen {
			return 0, 0, nil, wrapf(ErrProtocolError, "basp: malformed resolve-response interface entry")
		}
		rest = rest[n:]
		interfaces = append(interfaces, string(rest[:strLen]))
		rest = rest[strLen:]
	}
	return reqID, actor, interfaces, nil
}
