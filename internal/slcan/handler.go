package slcan

import (
	"fmt"
	"io"

	"github.com/kstaniek/go-slcan-server/internal/can"
)

// Peripheral is the CAN channel a Handler drives.
type Peripheral interface {
	Enable() error
	Disable() error
	SetBitrate(index uint8) error
	SetSilentMode(silent bool) error
	SetAutoRetransmit(enabled bool) error
	Transmit(can.Frame) error
	ErrorRegister() uint32
}

// FirmwareID builds the immutable 'V' reply from build metadata.
func FirmwareID(version, remote string) string {
	if remote == "" {
		return version + string(rune(Terminator))
	}
	return version + " " + remote + string(rune(Terminator))
}

// Handler decodes host lines, applies them to a Peripheral and writes
// replies to Out. Failed lines are answered with Bell.
type Handler struct {
	Codec   Codec
	Dev     Peripheral
	Out     io.Writer
	Version string // 'V' reply, see FirmwareID
}

// HandleLine processes one line (terminator stripped). The returned error
// describes why the line was rejected; the Bell reply has already been sent.
func (h *Handler) HandleLine(line []byte) error {
	cmd, err := h.Codec.Decode(line)
	if err == nil {
		err = h.Execute(cmd)
	}
	if err != nil {
		if _, werr := h.Out.Write([]byte{Bell}); werr != nil {
			return fmt.Errorf("%w (reply: %v)", err, werr)
		}
		return err
	}
	return nil
}

// Execute applies cmd to the peripheral and sends any reply.
func (h *Handler) Execute(cmd Command) error {
	switch c := cmd.(type) {
	case Open:
		return h.Dev.Enable()
	case Close:
		return h.Dev.Disable()
	case SetBitrate:
		return h.Dev.SetBitrate(c.Index)
	case SetSilentMode:
		return h.Dev.SetSilentMode(c.Silent)
	case SetAutoRetransmit:
		return h.Dev.SetAutoRetransmit(c.Enabled)
	case QueryVersion:
		return h.reply([]byte(h.Version))
	case QueryErrorRegister:
		return h.reply(fmt.Appendf(nil, "Error Register: %X%c", h.Dev.ErrorRegister(), Terminator))
	case Transmit:
		return h.Dev.Transmit(c.Frame)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (h *Handler) reply(b []byte) error {
	if _, err := h.Out.Write(b); err != nil {
		return fmt.Errorf("slcan reply: %w", err)
	}
	return nil
}
