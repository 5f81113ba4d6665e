// Package slcan implements the ASCII serial-line CAN protocol: encoding of
// received frames into terminated text messages, and decoding of host
// command lines into Commands.
package slcan

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kstaniek/go-slcan-server/internal/can"
)

const (
	StdIDLen = 3 // hex digits of an 11-bit identifier
	ExtIDLen = 8 // hex digits of a 29-bit identifier

	// MTU is the longest encoded message: type, extended id, dlc, 16 data digits, CR.
	MTU = 1 + ExtIDLen + 1 + 2*can.MaxDLC + 1

	Terminator = '\r'
	Bell       = 0x07

	// DefaultBitrateLimit is the exclusive upper bound of 'S' indices (S0..S8).
	DefaultBitrateLimit = 9
)

// typeChars maps {Data,Remote} x {Standard,Extended} to the leading character.
var typeChars = [2][2]byte{
	can.Data:   {can.Standard: 't', can.Extended: 'T'},
	can.Remote: {can.Standard: 'r', can.Extended: 'R'},
}

type frameType struct {
	kind   can.Kind
	idKind can.IDKind
}

// frameTypes is the inverse of typeChars.
var frameTypes = map[byte]frameType{
	't': {can.Data, can.Standard},
	'T': {can.Data, can.Extended},
	'r': {can.Remote, can.Standard},
	'R': {can.Remote, can.Extended},
}

// Codec encodes frames and decodes command lines. It holds no state
// between calls and is safe for concurrent use.
type Codec struct {
	// BitrateLimit is the exclusive upper bound for 'S' indices.
	// Zero selects DefaultBitrateLimit.
	BitrateLimit uint8
}

func (c Codec) bitrateLimit() uint8 {
	if c.BitrateLimit == 0 {
		return DefaultBitrateLimit
	}
	return c.BitrateLimit
}

// AppendFrame appends the CR-terminated message for f to dst.
func (Codec) AppendFrame(dst []byte, f can.Frame) ([]byte, error) {
	if f.Kind > can.Remote || f.IDKind > can.Extended {
		return dst, fmt.Errorf("slcan encode: unsupported frame type %d/%d", f.Kind, f.IDKind)
	}
	if f.ID > f.IDKind.MaxID() {
		return dst, fmt.Errorf("slcan encode: %w: 0x%X", ErrIdentifierOutOfRange, f.ID)
	}
	if f.Len > can.MaxDLC {
		return dst, fmt.Errorf("slcan encode: %w: %d", ErrInvalidDlc, f.Len)
	}
	idLen := StdIDLen
	if f.IDKind == can.Extended {
		idLen = ExtIDLen
	}
	dst = append(dst, typeChars[f.Kind][f.IDKind])
	for i := idLen - 1; i >= 0; i-- {
		dst = append(dst, NibbleToHex(byte(f.ID>>(4*i))))
	}
	dst = append(dst, NibbleToHex(f.Len))
	for _, b := range f.Data[:f.Len] {
		dst = append(dst, NibbleToHex(b>>4), NibbleToHex(b))
	}
	return append(dst, Terminator), nil
}

// Encode returns the CR-terminated message for f.
func (c Codec) Encode(f can.Frame) ([]byte, error) {
	return c.AppendFrame(make([]byte, 0, MTU), f)
}

// EncodeInto renders f into buf, which must hold at least MTU bytes, and
// returns the message length.
func (c Codec) EncodeInto(buf []byte, f can.Frame) (int, error) {
	if len(buf) < MTU {
		return 0, io.ErrShortBuffer
	}
	out, err := c.AppendFrame(buf[:0], f)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// EncodeTo writes the messages for frames to w in a single write and
// returns bytes written.
func (c Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * MTU)
	var scratch [MTU]byte
	for _, f := range frames {
		out, err := c.AppendFrame(scratch[:0], f)
		if err != nil {
			return 0, err
		}
		buf.Write(out)
	}
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return n, fmt.Errorf("slcan encode write: %w", err)
	}
	return n, nil
}

// Decode parses one command line with the terminator already stripped.
// The leading byte selects the command; every following byte is converted
// from hex before the command-specific fields are read. line is not modified.
func (c Codec) Decode(line []byte) (Command, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("slcan decode: %w: empty line", ErrTruncatedInput)
	}
	op := line[0]
	ft, isFrame := frameTypes[op]
	if !isFrame && !isControl(op) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, op)
	}

	var scratch [MTU]byte
	body := scratch[:0]
	for i, ch := range line[1:] {
		n, err := HexToNibble(ch)
		if err != nil {
			return nil, fmt.Errorf("slcan decode offset %d: %w", i+1, err)
		}
		body = append(body, n)
	}
	r := nibbles{buf: body}

	switch op {
	case 'O':
		return Open{}, nil
	case 'C':
		return Close{}, nil
	case 'V':
		return QueryVersion{}, nil
	case 'E':
		return QueryErrorRegister{}, nil
	case 'S':
		idx, err := r.next("bitrate")
		if err != nil {
			return nil, err
		}
		if idx >= c.bitrateLimit() {
			return nil, fmt.Errorf("%w: S%d", ErrInvalidBitrate, idx)
		}
		return SetBitrate{Index: idx}, nil
	case 'M', 'm':
		v, err := r.next("mode")
		if err != nil {
			return nil, err
		}
		return SetSilentMode{Silent: v == 1}, nil
	case 'A', 'a':
		v, err := r.next("autoretransmit")
		if err != nil {
			return nil, err
		}
		return SetAutoRetransmit{Enabled: v == 1}, nil
	}
	f, err := decodeFrame(ft, &r)
	if err != nil {
		return nil, err
	}
	return Transmit{Frame: f}, nil
}

func isControl(op byte) bool {
	switch op {
	case 'O', 'C', 'S', 'M', 'm', 'A', 'a', 'V', 'E':
		return true
	}
	return false
}

func decodeFrame(ft frameType, r *nibbles) (can.Frame, error) {
	f := can.Frame{Kind: ft.kind, IDKind: ft.idKind}
	idLen := StdIDLen
	if ft.idKind == can.Extended {
		idLen = ExtIDLen
	}
	var id uint32
	for i := 0; i < idLen; i++ {
		n, err := r.next("id")
		if err != nil {
			return f, err
		}
		id = id*16 + uint32(n)
	}
	if id > ft.idKind.MaxID() {
		return f, fmt.Errorf("slcan decode id: %w: 0x%X", ErrIdentifierOutOfRange, id)
	}
	f.ID = id

	dlc, err := r.next("dlc")
	if err != nil {
		return f, err
	}
	if dlc > can.MaxDLC {
		return f, fmt.Errorf("slcan decode dlc: %w: %d", ErrInvalidDlc, dlc)
	}
	f.Len = dlc

	for i := 0; i < int(dlc); i++ {
		hi, err := r.next("data")
		if err != nil {
			return f, err
		}
		lo, err := r.next("data")
		if err != nil {
			return f, err
		}
		f.Data[i] = hi<<4 | lo
	}
	return f, nil
}

// nibbles reads hex-converted body values with a bounds check on every read.
type nibbles struct {
	buf []byte
	pos int
}

func (r *nibbles) next(field string) (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("slcan decode %s: %w", field, ErrTruncatedInput)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}
