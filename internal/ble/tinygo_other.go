//go:build !darwin && !windows

package ble

import (
	"context"
	"errors"
)

// TinyGoTransport needs a characteristic write with response, which
// tinygo-org/bluetooth only offers on macOS and Windows. Use BlueZTransport
// on Linux.
type TinyGoTransport struct{}

func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{}
}

func (t *TinyGoTransport) Open(context.Context, string, EventSink) (Link, error) {
	return nil, errors.New("ble: the tinygo transport requires darwin or windows; use bluez")
}
