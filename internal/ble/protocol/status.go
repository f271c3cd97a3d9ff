// Package protocol implements the byte-level pieces of the APDU-over-BLE
// transport: fragmenting commands to the negotiated MTU, recognizing a
// complete response by its trailing status word, and the MTU handshake
// exchanged with the device after notifications are enabled.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameSize is returned when the MTU cannot carry any payload.
	ErrFrameSize = errors.New("protocol: frame size too small")
	// ErrEmptyResponse is returned when a response is too short to hold a status word.
	ErrEmptyResponse = errors.New("protocol: response shorter than status word")
	// ErrMalformedProbe is returned for an MTU handshake reply that cannot be parsed.
	ErrMalformedProbe = errors.New("protocol: malformed MTU probe reply")
)

// StatusWord is the 2-byte trailer the device appends to every response.
type StatusWord uint16

const (
	StatusOK                   StatusWord = 0x9000
	StatusWrongLength          StatusWord = 0x6700
	StatusSecurityNotSatisfied StatusWord = 0x6982
	StatusConditionsNotMet     StatusWord = 0x6985
	StatusUserRejected         StatusWord = 0x6986
	StatusInvalidData          StatusWord = 0x6A80
	StatusWrongParameters      StatusWord = 0x6B00
	StatusInsNotSupported      StatusWord = 0x6D00
	StatusClaNotSupported      StatusWord = 0x6E00
	StatusLocked               StatusWord = 0x5515
	StatusAppNotOpen           StatusWord = 0x6807

	// StatusTransportFailure never comes from a device. It marks results that
	// failed locally (link lost, decoding error) so callers can tell them
	// apart from device-reported errors.
	StatusTransportFailure StatusWord = 0x9999
)

var statusNames = map[StatusWord]string{
	StatusOK:                   "ok",
	StatusWrongLength:          "wrong length",
	StatusSecurityNotSatisfied: "security status not satisfied",
	StatusConditionsNotMet:     "conditions of use not satisfied",
	StatusUserRejected:         "rejected by user",
	StatusInvalidData:          "invalid data",
	StatusWrongParameters:      "wrong parameters",
	StatusInsNotSupported:      "instruction not supported",
	StatusClaNotSupported:      "class not supported",
	StatusLocked:               "device locked",
	StatusAppNotOpen:           "application not open",
	StatusTransportFailure:     "transport failure",
}

// Known reports whether sw is a status word this transport recognizes as a
// response terminator.
func (sw StatusWord) Known() bool {
	if sw == StatusTransportFailure {
		return false
	}
	_, ok := statusNames[sw]
	return ok
}

func (sw StatusWord) String() string {
	if name, ok := statusNames[sw]; ok {
		return fmt.Sprintf("%04x (%s)", uint16(sw), name)
	}
	return fmt.Sprintf("%04x", uint16(sw))
}

// StatusError is a device-reported failure. The connection stays usable.
type StatusError struct {
	Status StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protocol: device returned status %s", e.Status)
}

// SplitStatus separates a complete response into its payload and status word.
// The payload aliases resp.
func SplitStatus(resp []byte) ([]byte, StatusWord, error) {
	if len(resp) < 2 {
		return nil, StatusTransportFailure, ErrEmptyResponse
	}
	n := len(resp) - 2
	return resp[:n], StatusWord(binary.BigEndian.Uint16(resp[n:])), nil
}

// CompletionFunc decides whether the accumulated notification bytes form a
// whole response.
type CompletionFunc func(accumulated []byte) bool

// StatusComplete returns a CompletionFunc for the status-word protocol: the
// buffer is complete once its last two bytes are a known status word and
// shape (if non-nil) accepts the bytes before it.
func StatusComplete(shape func(payload []byte) bool) CompletionFunc {
	return func(accumulated []byte) bool {
		payload, sw, err := SplitStatus(accumulated)
		if err != nil || !sw.Known() {
			return false
		}
		return shape == nil || shape(payload)
	}
}
