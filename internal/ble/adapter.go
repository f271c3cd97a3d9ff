// Package ble transports APDUs to a hardware wallet over a BLE GATT link. It
// runs the connection state machine from package session on a single
// goroutine, feeds it platform events, performs the resulting GATT calls and
// queues commands so that exactly one is in flight at a time.
package ble

import (
	"context"
	"errors"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

var errLinkClosed = errors.New("ble: link closed")

// EventSink receives platform events. Post blocks while the machine's event
// buffer is full and returns once the event is accepted or the machine has
// shut down. Events must be posted in the order the platform delivered them.
type EventSink interface {
	Post(ev session.Event)
}

// Link is an open GATT connection. Every method only starts an operation:
// completion is reported through the EventSink given to Transport.Open
// (ServicesDiscovered, MTUNegotiated, WriteDescriptorAck,
// WriteCharacteristicAck). An error return means the operation could not be
// started at all.
type Link interface {
	DiscoverServices() error
	NegotiateMTU(size int) error
	WriteDescriptor(c session.Characteristic, value []byte) error
	WriteCharacteristic(c session.Characteristic, data []byte) error
	Close() error
}

// Transport opens links to devices. Open returns without waiting for the
// connection; the link posts Connected once it is up, and Disconnected if it
// drops.
type Transport interface {
	Open(ctx context.Context, deviceID string, sink EventSink) (Link, error)
}

// serviceByUUID builds a discovered service for a platform that addresses
// characteristics only by UUID. Handles stay zero.
func serviceByUUID(uuid string, charUUIDs []string) session.Service {
	svc := session.Service{UUID: uuid}
	for _, id := range charUUIDs {
		svc.Characteristics = append(svc.Characteristics, session.Characteristic{UUID: id})
	}
	return svc
}
