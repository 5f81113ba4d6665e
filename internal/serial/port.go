package serial

import (
	"errors"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// errReadTimeout is what a quiet line looks like once wrapped by Quiet.
var errReadTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "serial: read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// quietPort turns the empty reads produced by an expired read timeout
// (reported as io.EOF) into timeout errors, so stream consumers keep the
// device open instead of treating silence as hang-up.
type quietPort struct{ Port }

func (q quietPort) Read(p []byte) (int, error) {
	n, err := q.Port.Read(p)
	if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
		return 0, errReadTimeout
	}
	return n, err
}

// Quiet wraps p so that read timeouts surface as net.Error timeouts.
func Quiet(p Port) Port { return quietPort{p} }
