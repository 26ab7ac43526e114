//go:build unix

package meridian

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// frameDecoder turns a byte stream into (header, payload) frames using the
// convention documented on Transport: HeaderSize() bytes of header,
// followed by a payload whose length is the header's last 4 bytes
// (little-endian). Shared by every stream-oriented Transport (TCP, QUIC).
type frameDecoder struct {
	app Application
	buf []byte
}

// feed appends chunk to the decoder's buffer and hands every complete
// frame it can now assemble to the Application, in order. It stops and
// keeps the remainder buffered the moment a full frame isn't available
// yet.
func (d *frameDecoder) feed(w packetWriter, chunk []byte) error {
	d.buf = append(d.buf, chunk...)
	for {
		hsz := d.app.HeaderSize()
		if len(d.buf) < hsz {
			return nil
		}
		header := d.buf[:hsz]
		payloadLen := int(binary.LittleEndian.Uint32(header[hsz-4 : hsz]))
		if len(d.buf) < hsz+payloadLen {
			return nil
		}
		payload := d.buf[hsz : hsz+payloadLen]
		if err := d.app.HandleData(w, header, payload); err != nil {
			return err
		}
		rest := len(d.buf) - hsz - payloadLen
		copy(d.buf, d.buf[hsz+payloadLen:])
		d.buf = d.buf[:rest]
	}
}

// frameWriteQueue is the outbound side's mirror: WritePacket concatenates
// header+payload and pushes it here; drain writes queued frames out with
// write, tracking a partial write offset across calls so a short write
// never loses or duplicates bytes.
type frameWriteQueue struct {
	mu    sync.Mutex
	queue [][]byte
	off   int
}

func (q *frameWriteQueue) push(header, payload []byte) {
	buf := make([]byte, len(header)+len(payload))
	copy(buf, header)
	copy(buf[len(header):], payload)
	q.mu.Lock()
	q.queue = append(q.queue, buf)
	q.mu.Unlock()
}

func (q *frameWriteQueue) hasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue) > 0
}

// drain calls write repeatedly until the queue empties, write would
// block, or write fails. blocked is true only in the would-block case, so
// the caller knows to keep write interest armed.
func (q *frameWriteQueue) drain(write func([]byte) (int, error)) (blocked bool, err error) {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return false, nil
		}
		pending := q.queue[0][q.off:]
		q.mu.Unlock()

		n, werr := write(pending)
		if n > 0 {
			q.mu.Lock()
			q.off += n
			if q.off >= len(q.queue[0]) {
				q.queue = q.queue[1:]
				q.off = 0
			}
			q.mu.Unlock()
		}
		if werr != nil {
			if isWouldBlock(werr) {
				return true, nil
			}
			return false, werr
		}
		if n == 0 {
			return true, nil
		}
	}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// decodeOneDatagram splits a single already-received packet into header
// and payload per the HeaderSize/embedded-length convention, for
// transports where one read is always exactly one frame.
func decodeOneDatagram(app Application, pkt []byte) (header, payload []byte, err error) {
	hsz := app.HeaderSize()
	if len(pkt) < hsz {
		return nil, nil, wrapf(ErrProtocolError, "datagram: packet shorter than header (%d < %d)", len(pkt), hsz)
	}
	header = pkt[:hsz]
	payloadLen := int(binary.LittleEndian.Uint32(header[hsz-4 : hsz]))
	if len(pkt)-hsz != payloadLen {
		return nil, nil, wrapf(ErrProtocolError, "datagram: payload length mismatch (declared %d, got %d)", payloadLen, len(pkt)-hsz)
	}
	return header, pkt[hsz:], nil
}
