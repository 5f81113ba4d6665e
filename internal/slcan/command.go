package slcan

import "github.com/kstaniek/go-slcan-server/internal/can"

// Command is the result of decoding one input line. The set of
// implementations is closed: Open, Close, SetBitrate, SetSilentMode,
// SetAutoRetransmit, QueryVersion, QueryErrorRegister and Transmit.
type Command interface {
	command()
}

// Open enables the CAN channel ('O').
type Open struct{}

// Close disables the CAN channel ('C').
type Close struct{}

// SetBitrate selects an entry of the bitrate table ('S').
type SetBitrate struct{ Index uint8 }

// SetSilentMode switches listen-only operation ('M'/'m').
type SetSilentMode struct{ Silent bool }

// SetAutoRetransmit toggles automatic retransmission ('A'/'a').
type SetAutoRetransmit struct{ Enabled bool }

// QueryVersion asks for the firmware identification ('V').
type QueryVersion struct{}

// QueryErrorRegister asks for the error register ('E').
type QueryErrorRegister struct{}

// Transmit carries a frame to put on the bus ('t', 'T', 'r', 'R').
type Transmit struct{ Frame can.Frame }

func (Open) command()               {}
func (Close) command()              {}
func (SetBitrate) command()         {}
func (SetSilentMode) command()      {}
func (SetAutoRetransmit) command()  {}
func (QueryVersion) command()       {}
func (QueryErrorRegister) command() {}
func (Transmit) command()           {}
