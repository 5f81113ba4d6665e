package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDLC is the largest classic CAN payload length.
const MaxDLC = 8

// Kind distinguishes data frames from remote (RTR) frames.
type Kind uint8

const (
	Data Kind = iota
	Remote
)

func (k Kind) String() string {
	if k == Remote {
		return "remote"
	}
	return "data"
}

// IDKind selects the 11-bit or the 29-bit identifier format.
type IDKind uint8

const (
	Standard IDKind = iota
	Extended
)

func (k IDKind) String() string {
	if k == Extended {
		return "extended"
	}
	return "standard"
}

// MaxID returns the largest identifier representable in this format.
func (k IDKind) MaxID() uint32 {
	if k == Extended {
		return CAN_EFF_MASK
	}
	return CAN_SFF_MASK
}

var (
	// ErrIDRange is returned when an identifier does not fit its IDKind.
	ErrIDRange = errors.New("can: identifier out of range")
	// ErrDLC is returned when a length exceeds MaxDLC.
	ErrDLC = errors.New("can: invalid dlc")
)

// Frame is a classic CAN frame as exchanged between the slcan codec,
// the channel and the backends. Only the first Len bytes of Data are valid.
type Frame struct {
	Kind   Kind
	IDKind IDKind
	ID     uint32
	Len    uint8
	Data   [MaxDLC]byte
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDLC {
		n = MaxDLC
	}
	return f.Data[:n]
}

// Validate checks the identifier range and the length.
func (f Frame) Validate() error {
	if f.ID > f.IDKind.MaxID() {
		return fmt.Errorf("%w: 0x%X (%s)", ErrIDRange, f.ID, f.IDKind)
	}
	if f.Len > MaxDLC {
		return fmt.Errorf("%w: %d", ErrDLC, f.Len)
	}
	return nil
}

// RawID packs the identifier and the EFF/RTR flags the way SocketCAN does.
func (f Frame) RawID() uint32 {
	id := f.ID & f.IDKind.MaxID()
	if f.IDKind == Extended {
		id |= CAN_EFF_FLAG
	}
	if f.Kind == Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromRaw builds a Frame from a SocketCAN can_id and payload. Error frames
// are reported with ok=false; callers drop them.
func FromRaw(rawID uint32, payload []byte) (f Frame, ok bool) {
	if rawID&CAN_ERR_FLAG != 0 {
		return f, false
	}
	if rawID&CAN_EFF_FLAG != 0 {
		f.IDKind = Extended
		f.ID = rawID & CAN_EFF_MASK
	} else {
		f.ID = rawID & CAN_SFF_MASK
	}
	if rawID&CAN_RTR_FLAG != 0 {
		f.Kind = Remote
	}
	n := len(payload)
	if n > MaxDLC {
		n = MaxDLC
	}
	f.Len = uint8(n)
	copy(f.Data[:], payload[:n])
	return f, true
}

func (f Frame) String() string {
	return fmt.Sprintf("%s/%s id=0x%X len=%d data=% X", f.Kind, f.IDKind, f.ID, f.Len, f.Payload())
}
