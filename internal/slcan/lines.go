package slcan

import "bytes"

// MaxLineLen bounds one incoming line. Longer input is discarded up to the
// next terminator.
const MaxLineLen = 64

// LineSplitter accumulates stream bytes and emits complete lines. Both CR
// and LF end a line; empty lines are skipped. Not safe for concurrent use.
type LineSplitter struct {
	buf        bytes.Buffer
	discarding bool
}

// Feed appends p and calls onLine for every complete line, terminator
// stripped. The slice passed to onLine is only valid during the call.
// It returns the number of overlong lines dropped.
func (s *LineSplitter) Feed(p []byte, onLine func([]byte)) (dropped int) {
	s.buf.Write(p)
	for {
		data := s.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			if s.buf.Len() > MaxLineLen {
				if !s.discarding {
					dropped++
				}
				s.discarding = true
				s.buf.Reset()
			}
			break
		}
		line := data[:i]
		if s.discarding {
			s.discarding = false
		} else if len(line) > MaxLineLen {
			dropped++
		} else if len(line) > 0 {
			onLine(line)
		}
		s.buf.Next(i + 1)
	}
	_ = CompactBuffer(&s.buf)
	return dropped
}

// Buffered returns the number of bytes waiting for a terminator.
func (s *LineSplitter) Buffered() int { return s.buf.Len() }

// compactThreshold is the capacity above which a mostly consumed buffer
// is reallocated.
const compactThreshold = 16 * 1024

// CompactBuffer reclaims capacity when the buffer has grown large relative
// to its unread bytes. It returns true if compaction occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	if b.Cap() < compactThreshold || b.Len()*4 >= b.Cap() {
		return false
	}
	clone := bytes.Clone(b.Bytes())
	*b = bytes.Buffer{}
	_, _ = b.Write(clone)
	return true
}
