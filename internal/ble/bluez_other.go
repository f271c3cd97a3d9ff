//go:build !linux

package ble

import (
	"context"
	"errors"
)

// BlueZTransport is only available on Linux.
type BlueZTransport struct {
	Adapter string
}

func NewBlueZTransport(adapter string) *BlueZTransport {
	return &BlueZTransport{Adapter: adapter}
}

func (t *BlueZTransport) Open(context.Context, string, EventSink) (Link, error) {
	return nil, errors.New("ble: the bluez transport requires linux")
}
