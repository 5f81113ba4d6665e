//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-slcan-server/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error { return nil }
func (*Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
