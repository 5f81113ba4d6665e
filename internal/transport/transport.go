package transport

import (
	"io"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

// FrameBatchEncoder renders frames for a byte stream in one write.
type FrameBatchEncoder interface {
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// LineHandler consumes one host line with its terminator stripped.
type LineHandler interface {
	HandleLine(line []byte) error
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var (
	_ FrameBatchEncoder = slcan.Codec{}
	_ LineHandler       = (*slcan.Handler)(nil)
)
