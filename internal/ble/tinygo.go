//go:build darwin || windows

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
	"tinygo.org/x/bluetooth"
)

// TinyGoTransport opens links with tinygo-org/bluetooth on CoreBluetooth
// (macOS) and WinRT (Windows), where a characteristic write is acknowledged
// by the peripheral. On macOS the device ID is a CoreBluetooth peripheral
// UUID, on Windows a MAC address.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*tinyGoLink // keyed by device address
}

// NewTinyGoTransport creates a transport on the default adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

func (t *TinyGoTransport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// tinygo reports peripheral disconnects only through the adapter-wide
		// handler, so route them to the owning link by address.
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			t.mu.Lock()
			link, ok := t.links[strings.ToLower(device.Address.String())]
			t.mu.Unlock()
			if ok {
				link.disconnected()
			}
		})
	})
	return t.enableErr
}

// Open starts connecting to deviceID in the background and returns at once.
// Connected is posted when the connection is up.
func (t *TinyGoTransport) Open(ctx context.Context, deviceID string, sink EventSink) (Link, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	var addr bluetooth.Address
	addr.Set(deviceID)

	key := strings.ToLower(deviceID)
	link := &tinyGoLink{
		transport: t,
		key:       key,
		sink:      sink,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		chars:     make(map[string]bluetooth.DeviceCharacteristic),
	}

	t.mu.Lock()
	if _, busy := t.links[key]; busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("ble: device %s already has an open link", deviceID)
	}
	t.links[key] = link
	t.mu.Unlock()

	go link.run(ctx, addr)
	return link, nil
}

func (t *TinyGoTransport) forget(key string) {
	t.mu.Lock()
	delete(t.links, key)
	t.mu.Unlock()
}

var _ Transport = (*TinyGoTransport)(nil)

// tinyGoLink turns tinygo's blocking calls into posted events. One worker
// goroutine runs the connect and then every GATT operation in request
// order, so the machine goroutine never waits on the radio.
type tinyGoLink struct {
	transport *TinyGoTransport
	key       string
	sink      EventSink

	mu     sync.Mutex
	ops    []func() error
	closed bool
	device *bluetooth.Device
	wake   chan struct{}
	quit   chan struct{}

	// Only touched by the worker.
	chars map[string]bluetooth.DeviceCharacteristic
}

func (l *tinyGoLink) run(ctx context.Context, addr bluetooth.Address) {
	device, err := l.transport.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		// The connect timeout turns a dead device into a failure; a
		// rejected connect fails the session right away.
		if ctx.Err() == nil {
			l.sink.Post(session.LinkFailed{Op: "connect", Err: err})
		}
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if err := device.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect after close", "error", err)
		}
		return
	}
	l.device = &device
	l.mu.Unlock()

	slog.Debug("[BLE] connected", "device", l.key)
	l.sink.Post(session.Connected{})

	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			op := l.next()
			if op == nil {
				break
			}
			if err := op(); err != nil {
				l.sink.Post(session.LinkFailed{Op: "gatt", Err: err})
			}
		}
	}
}

func (l *tinyGoLink) next() func() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.ops) == 0 {
		return nil
	}
	op := l.ops[0]
	l.ops[0] = nil
	l.ops = l.ops[1:]
	return op
}

func (l *tinyGoLink) enqueue(op func() error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLinkClosed
	}
	l.ops = append(l.ops, op)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *tinyGoLink) DiscoverServices() error {
	return l.enqueue(func() error {
		svcs, err := l.device.DiscoverServices(nil)
		if err != nil {
			return fmt.Errorf("discover services: %w", err)
		}
		found := make([]session.Service, 0, len(svcs))
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				return fmt.Errorf("discover characteristics of %s: %w", svc.UUID(), err)
			}
			ids := make([]string, 0, len(chars))
			for _, c := range chars {
				id := c.UUID().String()
				l.chars[strings.ToLower(id)] = c
				ids = append(ids, id)
			}
			found = append(found, serviceByUUID(svc.UUID().String(), ids))
		}
		l.sink.Post(session.ServicesDiscovered{Services: found})
		return nil
	})
}

// NegotiateMTU reports the MTU the platform settled on. tinygo has no
// explicit exchange request: the OS negotiates on connect.
func (l *tinyGoLink) NegotiateMTU(size int) error {
	return l.enqueue(func() error {
		for _, c := range l.chars {
			mtu, err := c.GetMTU()
			if err != nil {
				return fmt.Errorf("read mtu: %w", err)
			}
			if int(mtu) > size {
				mtu = uint16(size)
			}
			l.sink.Post(session.MTUNegotiated{MTU: int(mtu)})
			return nil
		}
		return errors.New("read mtu: no characteristics discovered")
	})
}

// WriteDescriptor only supports writing the notification enable value to
// the client configuration descriptor, which is all tinygo exposes.
func (l *tinyGoLink) WriteDescriptor(c session.Characteristic, value []byte) error {
	return l.enqueue(func() error {
		char, err := l.lookup(c)
		if err != nil {
			return err
		}
		err = char.EnableNotifications(func(buf []byte) {
			// tinygo reuses buf between callbacks.
			l.sink.Post(session.CharacteristicChanged{Value: append([]byte(nil), buf...)})
		})
		if err != nil {
			return fmt.Errorf("enable notifications on %s: %w", c.UUID, err)
		}
		l.sink.Post(session.WriteDescriptorAck{})
		return nil
	})
}

func (l *tinyGoLink) WriteCharacteristic(c session.Characteristic, data []byte) error {
	buf := append([]byte(nil), data...)
	return l.enqueue(func() error {
		char, err := l.lookup(c)
		if err != nil {
			return err
		}
		if _, err := char.Write(buf); err != nil {
			return fmt.Errorf("write %s: %w", c.UUID, err)
		}
		l.sink.Post(session.WriteCharacteristicAck{})
		return nil
	})
}

func (l *tinyGoLink) lookup(c session.Characteristic) (bluetooth.DeviceCharacteristic, error) {
	char, ok := l.chars[strings.ToLower(c.UUID)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not discovered", c.UUID)
	}
	return char, nil
}

func (l *tinyGoLink) disconnected() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.sink.Post(session.Disconnected{})
	}
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.ops = nil
	device := l.device
	close(l.quit)
	l.mu.Unlock()

	l.transport.forget(l.key)
	if device == nil {
		return nil
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.key, err)
	}
	return nil
}
