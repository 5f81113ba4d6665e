//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-slcan-server/internal/can"
)

type Device struct {
	fd int
}

// Open binds a raw CAN socket to iface with CAN FD frames disabled.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads the next data or remote frame. Error frames are skipped.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	for {
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			return err
		}
		f, ok, err := unpack(buf[:n])
		if err != nil {
			return err
		}
		if ok {
			*fr = f
			return nil
		}
	}
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	pack(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// Fields are in host byte order; little-endian is assumed.
func pack(buf []byte, fr can.Frame) {
	binary.LittleEndian.PutUint32(buf[0:4], fr.RawID())
	p := fr.Payload()
	buf[4] = uint8(len(p))
	copy(buf[8:], p)
}

func unpack(buf []byte) (can.Frame, bool, error) {
	if len(buf) != unix.CAN_MTU {
		return can.Frame{}, false, fmt.Errorf("short read: %d", len(buf))
	}
	dlc := int(buf[4])
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	f, ok := can.FromRaw(binary.LittleEndian.Uint32(buf[0:4]), buf[8:8+dlc])
	return f, ok, nil
}
