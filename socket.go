//go:build unix

package meridian

import (
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketKind distinguishes the three capability classes spec.md §2 names:
// stream, datagram, pipe.
type socketKind uint8

const (
	socketStream socketKind = iota
	socketDatagram
	socketPipe
)

// socket is a thin, fd-owning wrapper. It owns its descriptor and releases
// it exactly once, on Close. Sockets never close themselves implicitly;
// the owning EndpointManager or pollsetUpdater decides when.
//
// Reads and writes go through the raw fd via syscall.RawConn rather than
// through net.Conn.Read/Write: readiness is already known from the
// multiplexer's own poll set, so there is no reason to let the Go runtime
// netpoller park a goroutine on top of it.
type socket struct {
	kind socketKind
	fd   int
	raw  syscall.RawConn

	// kept alive so Close releases the underlying OS resource and so
	// LocalAddr/RemoteAddr remain available to callers.
	conn net.Conn
	pc   net.PacketConn
	file *os.File

	closed bool
}

func newStreamSocket(conn net.Conn) (*socket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, wrapf(ErrRuntimeError, "socket: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd, err := rawFD(raw)
	if err != nil {
		return nil, err
	}
	return &socket{kind: socketStream, conn: conn, raw: raw, fd: fd}, nil
}

func newDatagramSocket(pc net.PacketConn) (*socket, error) {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return nil, wrapf(ErrRuntimeError, "socket: packet conn does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd, err := rawFD(raw)
	if err != nil {
		return nil, err
	}
	return &socket{kind: socketDatagram, pc: pc, raw: raw, fd: fd}, nil
}

func newPipeSocket(f *os.File) (*socket, error) {
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &socket{kind: socketPipe, file: f, raw: raw, fd: int(f.Fd())}, nil
}

// rawSocketFromFD wraps a bare fd (used for the self-pipe, which has no
// net.Conn around it) in an os.File so it gets the same raw-read/write
// treatment as every other socket.
func rawSocketFromFD(fd int) (*socket, error) {
	f := os.NewFile(uintptr(fd), "pollset-pipe")
	raw, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &socket{kind: socketPipe, file: f, raw: raw, fd: fd}, nil
}

// newSocketPair creates a connected AF_UNIX stream socket pair: the
// literal "pair of sockets per peer" spec §4.6 asks the test backend for.
// Each end behaves exactly like a dialed TCP socket to the rest of the
// stack (same raw fd, same non-blocking read/write semantics), so BASP
// framing and the EndpointManager drive it without ever knowing it never
// touched the network.
func newSocketPair() (a, b *socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, wrapf(ErrRuntimeError, "socket: socketpair: %v", err)
	}
	sa, err := rawSocketFromFD(fds[0])
	if err != nil {
		return nil, nil, err
	}
	sb, err := rawSocketFromFD(fds[1])
	if err != nil {
		_ = sa.Close()
		return nil, nil, err
	}
	sa.kind = socketStream
	sb.kind = socketStream
	return sa, sb, nil
}

func rawFD(raw syscall.RawConn) (int, error) {
	var fd int
	err := raw.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd, err
}

func (s *socket) FD() int {
	return s.fd
}

// read performs one non-blocking unix.Read against the raw fd. The caller
// must only call this after the multiplexer observed the fd as readable.
func (s *socket) read(buf []byte) (int, error) {
	var n int
	var rerr error
	err := s.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, rerr
}

// write performs one non-blocking unix.Write against the raw fd.
func (s *socket) write(buf []byte) (int, error) {
	var n int
	var werr error
	err := s.raw.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, werr
}

// readFrom performs one non-blocking recvfrom against the raw fd, used by
// the udp backend's shared rendezvous socket to learn which peer sent a
// packet before a per-peer state exists for it.
func (s *socket) readFrom(buf []byte) (int, unix.Sockaddr, error) {
	var n int
	var from unix.Sockaddr
	var rerr error
	err := s.raw.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), buf, 0)
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	return n, from, rerr
}

// writeTo performs one non-blocking sendto against the raw fd, used by the
// udp backend's workers to address each packet on the shared socket.
func (s *socket) writeTo(buf []byte, addr unix.Sockaddr) error {
	var werr error
	err := s.raw.Write(func(fd uintptr) bool {
		werr = unix.Sendto(int(fd), buf, 0, addr)
		return true
	})
	if err != nil {
		return err
	}
	return werr
}

func (s *socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	switch {
	case s.conn != nil:
		return s.conn.Close()
	case s.pc != nil:
		return s.pc.Close()
	case s.file != nil:
		return s.file.Close()
	}
	return nil
}
