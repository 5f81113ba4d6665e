// Package channel implements the CAN peripheral driven by slcan commands:
// open/closed state, bitrate selection, silent mode, automatic
// retransmission and the error register.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

var (
	ErrOpen    = errors.New("channel: open")
	ErrClosed  = errors.New("channel: closed")
	ErrSilent  = errors.New("channel: silent mode")
	ErrBitrate = errors.New("channel: bitrate index out of range")
	ErrNoSink  = errors.New("channel: no transmit backend")
)

// Bitrates lists the nominal bitrates selectable with S0..S8.
var Bitrates = [...]uint32{10_000, 20_000, 50_000, 100_000, 125_000, 250_000, 500_000, 750_000, 1_000_000}

// BitrateInvalid is the first index past the table.
const BitrateInvalid = uint8(len(Bitrates))

// DefaultBitrate is the index selected at startup (S6, 500 kbit/s).
const DefaultBitrate = 6

// Error register bits. The register is sticky until the channel is opened.
const (
	ErrBitBackendInit = 1 << iota
	ErrBitHostTxBusy // a session queue was full and a received frame was dropped
	ErrBitTxFail
	ErrBitRxFail
	ErrBitTxOverflow
)

// Settings is a snapshot of the channel configuration.
type Settings struct {
	Open           bool
	BitrateIndex   uint8
	Bitrate        uint32
	Silent         bool
	AutoRetransmit bool
}

// Channel is safe for concurrent use by several sessions.
type Channel struct {
	// applyMu orders state changes as seen by the backend and onChange;
	// mu guards the fields below and is never held while calling out.
	applyMu  sync.Mutex
	mu       sync.Mutex
	settings Settings
	backend  transport.FrameSink
	deliver  func(can.Frame)
	onChange func(Settings)
	errReg   atomic.Uint32
}

// Option configures a Channel.
type Option func(*Channel)

// Configurer is implemented by backends that follow the channel settings,
// such as a serial slcan adapter.
type Configurer interface {
	Apply(Settings) error
}

// SendFunc adapts a function to transport.FrameSink.
type SendFunc func(can.Frame) error

func (f SendFunc) SendFrame(fr can.Frame) error { return f(fr) }

// WithSend sets the backend transmit function.
func WithSend(send func(can.Frame) error) Option {
	return func(c *Channel) { c.backend = SendFunc(send) }
}

// WithDeliver sets where received frames go while the channel is open.
func WithDeliver(fn func(can.Frame)) Option { return func(c *Channel) { c.deliver = fn } }

// WithOnChange registers a callback invoked after every state change.
func WithOnChange(fn func(Settings)) Option { return func(c *Channel) { c.onChange = fn } }

// New returns a closed channel at DefaultBitrate with autoretransmit on.
func New(opts ...Option) *Channel {
	c := &Channel{settings: Settings{
		BitrateIndex:   DefaultBitrate,
		Bitrate:        Bitrates[DefaultBitrate],
		AutoRetransmit: true,
	}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach replaces the backend. A Configurer is brought in line with the
// current settings immediately.
func (c *Channel) Attach(b transport.FrameSink) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	c.backend = b
	s := c.settings
	c.mu.Unlock()
	c.apply(b, s)
}

func (c *Channel) apply(b transport.FrameSink, s Settings) {
	cfg, ok := b.(Configurer)
	if !ok {
		return
	}
	if err := cfg.Apply(s); err != nil {
		c.SetError(ErrBitBackendInit)
		logging.L().Warn("backend_apply_error", "error", err)
	}
}

// Settings returns the current configuration.
func (c *Channel) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// IsOpen reports whether the channel is on the bus.
func (c *Channel) IsOpen() bool { return c.Settings().Open }

// update applies fn under the lock and reports the change. Changes reach
// the backend and onChange in the order they were made.
func (c *Channel) update(fn func(*Settings) error) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	if err := fn(&c.settings); err != nil {
		c.mu.Unlock()
		return err
	}
	s, b := c.settings, c.backend
	c.mu.Unlock()
	metrics.SetChannelOpen(s.Open)
	c.apply(b, s)
	if c.onChange != nil {
		c.onChange(s)
	}
	return nil
}

// Enable opens the channel and clears the error register. Opening an open
// channel is a no-op.
func (c *Channel) Enable() error {
	return c.update(func(s *Settings) error {
		if !s.Open {
			c.errReg.Store(0)
			logging.L().Info("channel_open", "bitrate", s.Bitrate, "silent", s.Silent, "autoretransmit", s.AutoRetransmit)
		}
		s.Open = true
		return nil
	})
}

// Disable closes the channel; closing a closed channel is a no-op.
func (c *Channel) Disable() error {
	return c.update(func(s *Settings) error {
		if s.Open {
			logging.L().Info("channel_close")
		}
		s.Open = false
		return nil
	})
}

// SetBitrate selects Bitrates[index]. Only allowed while closed.
func (c *Channel) SetBitrate(index uint8) error {
	return c.update(func(s *Settings) error {
		if s.Open {
			return fmt.Errorf("set bitrate: %w", ErrOpen)
		}
		if index >= BitrateInvalid {
			return fmt.Errorf("%w: %d", ErrBitrate, index)
		}
		s.BitrateIndex = index
		s.Bitrate = Bitrates[index]
		return nil
	})
}

// SetSilentMode switches listen-only operation. Only allowed while closed.
func (c *Channel) SetSilentMode(silent bool) error {
	return c.update(func(s *Settings) error {
		if s.Open {
			return fmt.Errorf("set silent mode: %w", ErrOpen)
		}
		s.Silent = silent
		return nil
	})
}

// SetAutoRetransmit toggles automatic retransmission. Only allowed while closed.
func (c *Channel) SetAutoRetransmit(enabled bool) error {
	return c.update(func(s *Settings) error {
		if s.Open {
			return fmt.Errorf("set autoretransmit: %w", ErrOpen)
		}
		s.AutoRetransmit = enabled
		return nil
	})
}

// Transmit hands f to the backend. The channel must be open and not silent.
func (c *Channel) Transmit(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	s, b := c.settings, c.backend
	c.mu.Unlock()
	if !s.Open {
		return fmt.Errorf("transmit: %w", ErrClosed)
	}
	if s.Silent {
		return fmt.Errorf("transmit: %w", ErrSilent)
	}
	if b == nil {
		return ErrNoSink
	}
	if err := b.SendFrame(f); err != nil {
		if errors.Is(err, transport.ErrQueueFull) {
			c.SetError(ErrBitTxOverflow)
		} else {
			c.SetError(ErrBitTxFail)
		}
		metrics.IncError(metrics.ErrBackendTx)
		return fmt.Errorf("transmit: %w", err)
	}
	return nil
}

// Receive forwards a frame read from the backend to hosts while open.
// It reports whether the frame was forwarded.
func (c *Channel) Receive(f can.Frame) bool {
	if !c.IsOpen() || c.deliver == nil {
		return false
	}
	c.deliver(f)
	return true
}

// ErrorRegister returns the sticky error bits.
func (c *Channel) ErrorRegister() uint32 { return c.errReg.Load() }

// SetError sets bits in the error register.
func (c *Channel) SetError(bits uint32) {
	for {
		old := c.errReg.Load()
		if old&bits == bits || c.errReg.CompareAndSwap(old, old|bits) {
			return
		}
	}
}
