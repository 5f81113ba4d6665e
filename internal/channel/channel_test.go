package channel

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

var _ slcan.Peripheral = (*Channel)(nil)

func TestChannel_Defaults(t *testing.T) {
	c := New()
	s := c.Settings()
	if s.Open || s.BitrateIndex != DefaultBitrate || s.Bitrate != 500_000 || !s.AutoRetransmit || s.Silent {
		t.Fatalf("unexpected defaults %+v", s)
	}
	if BitrateInvalid != slcan.DefaultBitrateLimit {
		t.Fatalf("bitrate table size %d disagrees with codec limit %d", BitrateInvalid, slcan.DefaultBitrateLimit)
	}
}

func TestChannel_ConfigOnlyWhileClosed(t *testing.T) {
	c := New()
	if err := c.SetBitrate(3); err != nil {
		t.Fatalf("SetBitrate closed: %v", err)
	}
	if err := c.SetSilentMode(true); err != nil {
		t.Fatalf("SetSilentMode closed: %v", err)
	}
	if err := c.SetAutoRetransmit(false); err != nil {
		t.Fatalf("SetAutoRetransmit closed: %v", err)
	}
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := c.SetBitrate(4); !errors.Is(err, ErrOpen) {
		t.Fatalf("SetBitrate open: expected ErrOpen, got %v", err)
	}
	if err := c.SetSilentMode(false); !errors.Is(err, ErrOpen) {
		t.Fatalf("SetSilentMode open: expected ErrOpen, got %v", err)
	}
	if err := c.SetAutoRetransmit(true); !errors.Is(err, ErrOpen) {
		t.Fatalf("SetAutoRetransmit open: expected ErrOpen, got %v", err)
	}
	s := c.Settings()
	if s.BitrateIndex != 3 || s.Bitrate != 100_000 || !s.Silent || s.AutoRetransmit {
		t.Fatalf("settings changed while open: %+v", s)
	}
	if err := c.SetBitrate(BitrateInvalid); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen to win while open, got %v", err)
	}
	_ = c.Disable()
	if err := c.SetBitrate(BitrateInvalid); !errors.Is(err, ErrBitrate) {
		t.Fatalf("expected ErrBitrate, got %v", err)
	}
}

func TestChannel_Transmit(t *testing.T) {
	var sent []can.Frame
	c := New(WithSend(func(f can.Frame) error { sent = append(sent, f); return nil }))
	f := can.Frame{ID: 0x123, Len: 1, Data: [8]byte{0x42}}
	if err := c.Transmit(f); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	_ = c.Enable()
	if err := c.Transmit(f); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(sent) != 1 || sent[0] != f {
		t.Fatalf("unexpected sent %v", sent)
	}
	if err := c.Transmit(can.Frame{ID: 0x800}); !errors.Is(err, can.ErrIDRange) {
		t.Fatalf("expected ErrIDRange, got %v", err)
	}

	_ = c.Disable()
	_ = c.SetSilentMode(true)
	_ = c.Enable()
	if err := c.Transmit(f); !errors.Is(err, ErrSilent) {
		t.Fatalf("expected ErrSilent, got %v", err)
	}
}

func TestChannel_TransmitNoSink(t *testing.T) {
	c := New()
	_ = c.Enable()
	if err := c.Transmit(can.Frame{}); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestChannel_ErrorRegister(t *testing.T) {
	fail := errors.New("write failed")
	var next error
	c := New(WithSend(func(can.Frame) error { return next }))
	_ = c.Enable()

	next = fail
	if err := c.Transmit(can.Frame{}); !errors.Is(err, fail) {
		t.Fatalf("expected send error, got %v", err)
	}
	next = fmt.Errorf("socketcan: %w", transport.ErrQueueFull)
	_ = c.Transmit(can.Frame{})
	c.SetError(ErrBitHostTxBusy)
	want := uint32(ErrBitTxFail | ErrBitTxOverflow | ErrBitHostTxBusy)
	if got := c.ErrorRegister(); got != want {
		t.Fatalf("error register 0x%X want 0x%X", got, want)
	}

	// Sticky across close, cleared on open.
	_ = c.Disable()
	if c.ErrorRegister() != want {
		t.Fatalf("register cleared on close")
	}
	_ = c.Enable()
	if c.ErrorRegister() != 0 {
		t.Fatalf("register not cleared on open: 0x%X", c.ErrorRegister())
	}
}

func TestChannel_ReceiveOnlyWhileOpen(t *testing.T) {
	var got []can.Frame
	c := New(WithDeliver(func(f can.Frame) { got = append(got, f) }))
	if c.Receive(can.Frame{ID: 1}) {
		t.Fatalf("closed channel forwarded a frame")
	}
	_ = c.Enable()
	if !c.Receive(can.Frame{ID: 2}) {
		t.Fatalf("open channel dropped a frame")
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("unexpected delivered %v", got)
	}
}

func TestChannel_OnChange(t *testing.T) {
	var seen []Settings
	c := New(WithOnChange(func(s Settings) { seen = append(seen, s) }))
	_ = c.SetBitrate(8)
	_ = c.Enable()
	_ = c.SetBitrate(1) // rejected, no callback
	if len(seen) != 2 {
		t.Fatalf("expected 2 change callbacks, got %d", len(seen))
	}
	if seen[0].Bitrate != 1_000_000 || !seen[1].Open {
		t.Fatalf("unexpected callbacks %+v", seen)
	}
}

func TestChannel_DrivenByHandler(t *testing.T) {
	var sent []can.Frame
	c := New(WithSend(func(f can.Frame) error { sent = append(sent, f); return nil }))
	out := &discard{}
	h := &slcan.Handler{Codec: slcan.Codec{BitrateLimit: BitrateInvalid}, Dev: c, Out: out}
	for _, l := range []string{"S8", "O", "T1ABCDEF021122"} {
		if err := h.HandleLine([]byte(l)); err != nil {
			t.Fatalf("%s: %v", l, err)
		}
	}
	if err := h.HandleLine([]byte("S3")); !errors.Is(err, ErrOpen) {
		t.Fatalf("S3 while open: expected ErrOpen, got %v", err)
	}
	if len(sent) != 1 || sent[0].ID != 0x1ABCDEF0 || sent[0].IDKind != can.Extended {
		t.Fatalf("unexpected sent %v", sent)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type configurer struct {
	applied []Settings
	fail    error
}

func (c *configurer) SendFrame(can.Frame) error { return nil }
func (c *configurer) Apply(s Settings) error {
	c.applied = append(c.applied, s)
	return c.fail
}

func TestChannel_AttachConfigurer(t *testing.T) {
	c := New()
	b := &configurer{}
	c.Attach(b)
	if len(b.applied) != 1 || b.applied[0].Open {
		t.Fatalf("expected initial apply of closed settings, got %+v", b.applied)
	}
	_ = c.SetBitrate(2)
	_ = c.Enable()
	if len(b.applied) != 3 || b.applied[2].BitrateIndex != 2 || !b.applied[2].Open {
		t.Fatalf("unexpected applies %+v", b.applied)
	}
	if err := c.Transmit(can.Frame{}); err != nil {
		t.Fatalf("Transmit through attached backend: %v", err)
	}

	b.fail = errors.New("adapter gone")
	_ = c.Disable()
	if c.ErrorRegister()&ErrBitBackendInit == 0 {
		t.Fatalf("expected backend init bit after failed apply")
	}
}

// slowConfigurer takes its time applying open settings, like an adapter
// that has to be reconfigured before it goes on the bus.
type slowConfigurer struct {
	mu       sync.Mutex
	last     Settings
	applying chan struct{}
}

func (c *slowConfigurer) SendFrame(can.Frame) error { return nil }

func (c *slowConfigurer) Apply(s Settings) error {
	if s.Open {
		close(c.applying)
		time.Sleep(50 * time.Millisecond)
	}
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return nil
}

func TestChannel_ConcurrentChangesApplyInOrder(t *testing.T) {
	c := New()
	b := &slowConfigurer{applying: make(chan struct{})}
	c.Attach(b)

	opened := make(chan error, 1)
	go func() { opened <- c.Enable() }()
	select {
	case <-b.applying:
	case <-time.After(2 * time.Second):
		t.Fatalf("open settings never applied")
	}
	if err := c.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := <-opened; err != nil {
		t.Fatalf("Enable: %v", err)
	}

	b.mu.Lock()
	last := b.last
	b.mu.Unlock()
	if c.IsOpen() || last.Open {
		t.Fatalf("channel open=%v, backend last applied open=%v", c.IsOpen(), last.Open)
	}
}
