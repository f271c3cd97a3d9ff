package protocol

import (
	"bytes"
	"fmt"
)

// MTUProbeCommand asks the device which MTU it will use. The reply echoes
// this prefix followed by the MTU as a big-endian integer.
var MTUProbeCommand = []byte{0x08, 0x00, 0x00, 0x00, 0x00}

// EnableNotificationValue is the CCCD value that turns notifications on
// (0x0001, little-endian).
var EnableNotificationValue = []byte{0x01, 0x00}

// ParseMTUProbeReply extracts the device-confirmed MTU from a probe reply.
func ParseMTUProbeReply(reply []byte) (int, error) {
	if len(reply) <= len(MTUProbeCommand) {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedProbe, len(reply))
	}
	if !bytes.Equal(reply[:1], MTUProbeCommand[:1]) {
		return 0, fmt.Errorf("%w: tag 0x%02x", ErrMalformedProbe, reply[0])
	}
	tail := reply[len(MTUProbeCommand):]
	if len(tail) > 4 {
		return 0, fmt.Errorf("%w: %d byte MTU field", ErrMalformedProbe, len(tail))
	}
	mtu := 0
	for _, b := range tail {
		mtu = mtu<<8 | int(b)
	}
	if mtu == 0 {
		return 0, fmt.Errorf("%w: zero MTU", ErrMalformedProbe)
	}
	return mtu, nil
}
