// Package journal records the inbound event stream of a BLE machine and
// replays it. Each record is a length-delimited protobuf message, so a
// journal can be inspected with protoc --decode_raw.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record fields.
const (
	fieldKind    protowire.Number = 1
	fieldElapsed protowire.Number = 2
	fieldValue   protowire.Number = 3
	fieldMTU     protowire.Number = 4
	fieldService protowire.Number = 5
	fieldOp      protowire.Number = 6
)

// Service and characteristic fields.
const (
	fieldUUID   protowire.Number = 1
	fieldChar   protowire.Number = 2 // service
	fieldHandle protowire.Number = 2 // characteristic
)

type kind uint64

const (
	kindConnected kind = iota + 1
	kindDisconnected
	kindServicesDiscovered
	kindMTUNegotiated
	kindWriteDescriptorAck
	kindWriteCharacteristicAck
	kindCharacteristicChanged
	kindConnectTimeout
	kindLinkFailed
)

// ErrCorrupt is returned for records that cannot be decoded.
var ErrCorrupt = errors.New("journal: corrupt record")

// Entry is one recorded event and when it arrived, relative to the first.
type Entry struct {
	Elapsed time.Duration
	Event   session.Event
}

func kindOf(ev session.Event) (kind, error) {
	switch ev.(type) {
	case session.Connected:
		return kindConnected, nil
	case session.Disconnected:
		return kindDisconnected, nil
	case session.ServicesDiscovered:
		return kindServicesDiscovered, nil
	case session.MTUNegotiated:
		return kindMTUNegotiated, nil
	case session.WriteDescriptorAck:
		return kindWriteDescriptorAck, nil
	case session.WriteCharacteristicAck:
		return kindWriteCharacteristicAck, nil
	case session.CharacteristicChanged:
		return kindCharacteristicChanged, nil
	case session.ConnectTimeout:
		return kindConnectTimeout, nil
	case session.LinkFailed:
		return kindLinkFailed, nil
	}
	return 0, fmt.Errorf("journal: cannot record %T", ev)
}

func marshalEntry(e Entry) ([]byte, error) {
	k, err := kindOf(e.Event)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendVarint(b, fieldKind, uint64(k))
	b = appendVarint(b, fieldElapsed, uint64(e.Elapsed))

	switch ev := e.Event.(type) {
	case session.ServicesDiscovered:
		for _, svc := range ev.Services {
			b = appendBytes(b, fieldService, marshalService(svc))
		}
	case session.MTUNegotiated:
		b = appendVarint(b, fieldMTU, protowire.EncodeZigZag(int64(ev.MTU)))
	case session.CharacteristicChanged:
		b = appendBytes(b, fieldValue, ev.Value)
	case session.LinkFailed:
		b = appendBytes(b, fieldOp, []byte(ev.Op))
		if ev.Err != nil {
			b = appendBytes(b, fieldValue, []byte(ev.Err.Error()))
		}
	}
	return b, nil
}

func marshalService(svc session.Service) []byte {
	var b []byte
	b = appendBytes(b, fieldUUID, []byte(svc.UUID))
	for _, c := range svc.Characteristics {
		var cb []byte
		cb = appendBytes(cb, fieldUUID, []byte(c.UUID))
		cb = appendVarint(cb, fieldHandle, uint64(c.Handle))
		b = appendBytes(b, fieldChar, cb)
	}
	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	var (
		e        Entry
		k        kind
		value    []byte
		hasValue bool
		mtu      int64
		op       string
		services []session.Service
	)
	err := walk(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case fieldKind:
			k = kind(v)
		case fieldElapsed:
			e.Elapsed = time.Duration(v)
		case fieldValue:
			value, hasValue = append([]byte{}, data...), true
		case fieldMTU:
			mtu = protowire.DecodeZigZag(v)
		case fieldOp:
			op = string(data)
		case fieldService:
			svc, err := unmarshalService(data)
			if err != nil {
				return err
			}
			services = append(services, svc)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}

	switch k {
	case kindConnected:
		e.Event = session.Connected{}
	case kindDisconnected:
		e.Event = session.Disconnected{}
	case kindServicesDiscovered:
		e.Event = session.ServicesDiscovered{Services: services}
	case kindMTUNegotiated:
		e.Event = session.MTUNegotiated{MTU: int(mtu)}
	case kindWriteDescriptorAck:
		e.Event = session.WriteDescriptorAck{}
	case kindWriteCharacteristicAck:
		e.Event = session.WriteCharacteristicAck{}
	case kindCharacteristicChanged:
		e.Event = session.CharacteristicChanged{Value: value}
	case kindConnectTimeout:
		e.Event = session.ConnectTimeout{}
	case kindLinkFailed:
		ev := session.LinkFailed{Op: op}
		if hasValue {
			ev.Err = errors.New(string(value))
		}
		e.Event = ev
	default:
		return Entry{}, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, k)
	}
	return e, nil
}

func unmarshalService(b []byte) (session.Service, error) {
	var svc session.Service
	err := walk(b, func(num protowire.Number, _ uint64, data []byte) error {
		switch num {
		case fieldUUID:
			svc.UUID = string(data)
		case fieldChar:
			var c session.Characteristic
			err := walk(data, func(num protowire.Number, v uint64, data []byte) error {
				switch num {
				case fieldUUID:
					c.UUID = string(data)
				case fieldHandle:
					c.Handle = uint16(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			svc.Characteristics = append(svc.Characteristics, c)
		}
		return nil
	})
	return svc, err
}

// walk visits every field of a message. Varint fields pass their value,
// bytes fields their payload; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v    uint64
			data []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, data); err != nil {
			return err
		}
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
