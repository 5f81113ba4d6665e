package slcan

import "errors"

// Sentinel errors returned by the codec. Callers classify with errors.Is.
var (
	ErrInvalidCharacter     = errors.New("slcan: invalid character")
	ErrUnknownCommand       = errors.New("slcan: unknown command")
	ErrInvalidBitrate       = errors.New("slcan: invalid bitrate")
	ErrInvalidDlc           = errors.New("slcan: invalid dlc")
	ErrTruncatedInput       = errors.New("slcan: truncated input")
	ErrIdentifierOutOfRange = errors.New("slcan: identifier out of range")
)

// Reason returns a short stable label for err, suitable for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCharacter):
		return "invalid_character"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrInvalidBitrate):
		return "invalid_bitrate"
	case errors.Is(err, ErrInvalidDlc):
		return "invalid_dlc"
	case errors.Is(err, ErrTruncatedInput):
		return "truncated_input"
	case errors.Is(err, ErrIdentifierOutOfRange):
		return "identifier_out_of_range"
	default:
		return "rejected"
	}
}
