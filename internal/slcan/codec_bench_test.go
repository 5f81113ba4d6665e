package slcan

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-slcan-server/internal/can"
)

func BenchmarkCodec_AppendFrame(b *testing.B) {
	c := Codec{}
	f := mkFrame(can.Data, can.Extended, 0x1E5A, 8)
	buf := make([]byte, 0, MTU)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.AppendFrame(buf[:0], f)
	}
}

func BenchmarkCodec_EncodeTo_64(b *testing.B) {
	c := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(can.Data, can.Standard, uint32(0x100+i), 8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = c.EncodeTo(&buf, frames)
	}
}

func BenchmarkCodec_Decode(b *testing.B) {
	c := Codec{}
	line := []byte("T1ABCDEF0811223344AABBCCDD")
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.Decode(line)
	}
}
