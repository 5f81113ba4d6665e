package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/channel"
	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

// fakePort feeds Read from a pipe and records writes.
type fakePort struct {
	r  *io.PipeReader
	w  *io.PipeWriter
	mu sync.Mutex
	tx bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}
func (p *fakePort) Close() error { return p.r.Close() }

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

type eofPort struct{ fakePort }

func (*eofPort) Read([]byte) (int, error) { return 0, io.EOF }

func TestQuiet(t *testing.T) {
	_, err := Quiet(&eofPort{}).Read(make([]byte, 4))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestEndpoint_ReopensAndServes(t *testing.T) {
	port := newFakePort()
	var opens int
	var mu sync.Mutex
	orig := openPort
	openPort = func(name string, baud int, _ time.Duration) (Port, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return nil, errors.New("no such device")
		}
		return port, nil
	}
	defer func() { openPort = orig }()

	h := hub.New()
	ch := channel.New(channel.WithDeliver(h.Broadcast))
	ep := &Endpoint{
		Device: "/dev/ttyGS0",
		Baud:   115200,
		Handler: slcan.Handler{
			Codec:   slcan.Codec{BitrateLimit: channel.BitrateInvalid},
			Dev:     ch,
			Version: slcan.FirmwareID("v0", ""),
		},
		Hub:    h,
		Logger: logging.Discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()

	go func() { _, _ = io.WriteString(port.w, "V\rO\r") }()
	if !waitFor(func() bool { return strings.HasPrefix(port.written(), "v0\r") }) {
		t.Fatalf("no V reply, written %q", port.written())
	}
	if !waitFor(func() bool { return ch.IsOpen() && h.Count() == 1 }) {
		t.Fatalf("channel not opened through serial endpoint")
	}
	ch.Receive(can.Frame{ID: 0x321, Len: 1, Data: [8]byte{0x10}})
	if !waitFor(func() bool { return strings.Contains(port.written(), "t321110\r") }) {
		t.Fatalf("frame not forwarded, written %q", port.written())
	}

	cancel()
	_ = port.w.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("endpoint did not stop")
	}
	if h.Count() != 0 {
		t.Fatalf("hub client leaked")
	}
}

func TestTXWriter_FramesAndLinesInOrder(t *testing.T) {
	port := newFakePort()
	w := NewTXWriter(context.Background(), port, slcan.Codec{}, 8)
	if err := w.SendLine("C"); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if err := w.SendFrame(can.Frame{IDKind: can.Extended, ID: 0x1ABCDEF0, Len: 2, Data: [8]byte{0x11, 0x22}}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := w.SendFrame(can.Frame{ID: 0x800}); err == nil {
		t.Fatalf("expected encode error for out of range id")
	}
	want := "C\rT1ABCDEF021122\r"
	if !waitFor(func() bool { return port.written() == want }) {
		t.Fatalf("written %q want %q", port.written(), want)
	}
	w.Close()
}

type stuckPort struct {
	fakePort
	release chan struct{}
}

func (p *stuckPort) Write(b []byte) (int, error) { <-p.release; return len(b), nil }

func TestTXWriter_Overflow(t *testing.T) {
	port := &stuckPort{release: make(chan struct{})}
	w := NewTXWriter(context.Background(), port, slcan.Codec{}, 1)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = w.SendFrame(can.Frame{ID: 1})
	}
	if !errors.Is(err, ErrTxOverflow) || !errors.Is(err, transport.ErrQueueFull) {
		t.Fatalf("expected overflow, got %v", err)
	}
	close(port.release)
	w.Close()
}
