package slcan

import "fmt"

const hexDigits = "0123456789ABCDEF"

// NibbleToHex renders the low four bits of v as an uppercase hex digit.
func NibbleToHex(v byte) byte { return hexDigits[v&0x0F] }

// HexToNibble decodes one hex digit of either case.
func HexToNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCharacter, c)
}
