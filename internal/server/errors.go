package server

import (
	"errors"

	"github.com/kstaniek/go-slcan-server/internal/metrics"
)

var (
	ErrListen          = errors.New("server: listen")
	ErrAccept          = errors.New("server: accept")
	ErrSession         = errors.New("server: session")
	ErrShutdownTimeout = errors.New("server: shutdown timeout")
)

// errLabel picks the errors_total label for a server-level failure.
// Session stream errors are counted by the session itself.
func errLabel(err error) string {
	switch {
	case errors.Is(err, ErrListen), errors.Is(err, ErrAccept):
		return metrics.ErrTCPAccept
	default:
		return metrics.ErrTCPRead
	}
}
