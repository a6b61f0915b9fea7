package can

import (
	"errors"
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrShortRead and ErrShortWrite are returned when the kernel hands back
// (or accepts) something other than a full 16-byte can_frame. Reads and
// writes are fixed-size; anything else is treated as an error, never a
// partial decode.
var (
	ErrShortRead  = errors.New("can: short read")
	ErrShortWrite = errors.New("can: short write")
)

const wireFrameSize = 16

// wireFrame mirrors struct can_frame from linux/can.h byte-for-byte so it
// can be read/written directly off the wire with unsafe.Pointer, the same
// trick the teacher's socketcanv2 backend uses.
type wireFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

// Socket is a raw, non-blocking SocketCAN socket bound to a single
// interface. It is owned by exactly one driver handle for its lifetime.
type Socket struct {
	name string
	fd   int
	f    *os.File
}

// Open resolves ifname to an interface index and binds a non-blocking raw
// CAN socket to it.
func Open(ifname string) (*Socket, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("can: resolve %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("can: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("can: set nonblock: %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("can: bind %s: %w", ifname, err)
	}

	return &Socket{
		name: ifname,
		fd:   fd,
		f:    os.NewFile(uintptr(fd), ifname),
	}, nil
}

// Fd returns the underlying file descriptor, for registration with an
// event loop poller.
func (s *Socket) Fd() int {
	return s.fd
}

// Name returns the interface name the socket is bound to.
func (s *Socket) Name() string {
	return s.name
}

// Read blocks until a frame is available and returns it. Would-block and
// interrupted errors are the caller's responsibility to retry (§7.2); a
// short read is a hard error (§7.3).
func (s *Socket) Read() (Frame, error) {
	var raw [wireFrameSize]byte
	n, err := s.f.Read(raw[:])
	if err != nil {
		return Frame{}, err
	}
	if n != wireFrameSize {
		return Frame{}, ErrShortRead
	}
	wf := (*wireFrame)(unsafe.Pointer(&raw[0]))
	return Frame{ID: uint16(wf.id & 0x7FF), Length: wf.dlc, Data: wf.data}, nil
}

// Write sends a frame on the bus.
func (s *Socket) Write(frame Frame) error {
	wf := wireFrame{
		id:   uint32(frame.ID) & 0x7FF,
		dlc:  frame.Length,
		data: frame.Data,
	}
	raw := (*(*[wireFrameSize]byte)(unsafe.Pointer(&wf)))[:]
	n, err := s.f.Write(raw)
	if err != nil {
		return err
	}
	if n != wireFrameSize {
		return ErrShortWrite
	}
	return nil
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.f.Close()
}
