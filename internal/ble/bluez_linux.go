//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble/session"
	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"

	servicesPollInterval = 100 * time.Millisecond
)

// BlueZTransport talks to BlueZ over the system D-Bus directly. Unlike the
// tinygo transport it reads the real per-link MTU and uses write-with-response,
// so acks come from the device rather than from the local stack.
type BlueZTransport struct {
	Adapter string // e.g. "hci0"
}

// NewBlueZTransport returns a transport on the given HCI adapter.
func NewBlueZTransport(adapter string) *BlueZTransport {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZTransport{Adapter: adapter}
}

// Open connects to the device with MAC address deviceID in the background.
// The device must already be known to BlueZ (paired or recently scanned).
func (t *BlueZTransport) Open(ctx context.Context, deviceID string, sink EventSink) (Link, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}

	l := &bluezLink{
		conn:    conn,
		device:  adapterDevicePath(t.Adapter, deviceID),
		sink:    sink,
		signals: make(chan *dbus.Signal, 64),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		paths:   make(map[string]dbus.ObjectPath),
	}

	match := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		bluezBus, dbusProperties, l.device)
	if call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, match); call.Err != nil {
		return nil, fmt.Errorf("ble: add signal match: %w", call.Err)
	}
	l.match = match
	conn.Signal(l.signals)

	go l.listen()
	go l.run(ctx)
	return l, nil
}

var _ Transport = (*BlueZTransport)(nil)

type bluezLink struct {
	conn    *dbus.Conn
	device  dbus.ObjectPath
	sink    EventSink
	signals chan *dbus.Signal
	match   string

	mu       sync.Mutex
	ops      []func() error
	closed   bool
	notified dbus.ObjectPath // characteristic with notifications on
	paths    map[string]dbus.ObjectPath
	wake     chan struct{}
	quit     chan struct{}
}

func (l *bluezLink) run(ctx context.Context) {
	obj := l.conn.Object(bluezBus, l.device)
	if call := obj.CallWithContext(ctx, bluezDevice1+".Connect", 0); call.Err != nil {
		if ctx.Err() == nil && !l.isClosed() {
			l.sink.Post(session.LinkFailed{Op: "connect", Err: call.Err})
		}
		return
	}
	slog.Debug("[BLE] connected", "path", l.device)
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

// listen turns PropertiesChanged signals into events: a Value change on the
// notifying characteristic is a notification, Connected=false on the device
// is a disconnection.
func (l *bluezLink) listen() {
	for {
		select {
		case <-l.quit:
			return
		case sig, ok := <-l.signals:
			if !ok {
				return
			}
			if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			l.mu.Lock()
			notified, closed := l.notified, l.closed
			l.mu.Unlock()
			if closed {
				return
			}

			switch sig.Path {
			case l.device:
				if v, ok := changed["Connected"]; ok {
					if up, _ := v.Value().(bool); !up {
						l.sink.Post(session.Disconnected{})
					}
				}
			case notified:
				if v, ok := changed["Value"]; ok {
					if value, ok := v.Value().([]byte); ok {
						l.sink.Post(session.CharacteristicChanged{Value: value})
					}
				}
			}
		}
	}
}

func (l *bluezLink) next() func() error {
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

func (l *bluezLink) enqueue(op func() error) error {
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

func (l *bluezLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *bluezLink) DiscoverServices() error {
	return l.enqueue(func() error {
		if err := l.waitServicesResolved(); err != nil {
			return err
		}
		services, err := l.readServices()
		if err != nil {
			return err
		}
		l.sink.Post(session.ServicesDiscovered{Services: services})
		return nil
	})
}

// waitServicesResolved polls until BlueZ has finished its own discovery.
// The connect timeout no longer applies here, so the wait ends only on
// Close.
func (l *bluezLink) waitServicesResolved() error {
	ticker := time.NewTicker(servicesPollInterval)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](l.conn, l.device, bluezDevice1, "ServicesResolved")
		if err != nil {
			return fmt.Errorf("read ServicesResolved: %w", err)
		}
		if resolved {
			return nil
		}
		select {
		case <-l.quit:
			return errLinkClosed
		case <-ticker.C:
		}
	}
}

func (l *bluezLink) readServices() ([]session.Service, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := l.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("parse managed objects: %w", err)
	}

	prefix := string(l.device) + "/"
	byPath := make(map[dbus.ObjectPath]*session.Service)
	var order []dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		byPath[path] = &session.Service{UUID: uuid}
		order = append(order, path)
	}

	paths := make(map[string]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok {
			continue
		}
		owner, _ := props["Service"].Value().(dbus.ObjectPath)
		svc, ok := byPath[owner]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		handle, _ := props["Handle"].Value().(uint16)
		svc.Characteristics = append(svc.Characteristics, session.Characteristic{UUID: uuid, Handle: handle})
		paths[strings.ToLower(uuid)] = path
	}

	l.mu.Lock()
	l.paths = paths
	l.mu.Unlock()

	services := make([]session.Service, 0, len(order))
	for _, p := range order {
		services = append(services, *byPath[p])
	}
	return services, nil
}

// NegotiateMTU reads the MTU BlueZ exchanged on connect, capped at size.
// BlueZ offers no way to request a specific value.
func (l *bluezLink) NegotiateMTU(size int) error {
	return l.enqueue(func() error {
		l.mu.Lock()
		var path dbus.ObjectPath
		for _, p := range l.paths {
			path = p
			break
		}
		l.mu.Unlock()
		if path == "" {
			return errors.New("read mtu: no characteristics discovered")
		}

		mtu, err := getProperty[uint16](l.conn, path, bluezGattChar, "MTU")
		if err != nil {
			return fmt.Errorf("read mtu: %w", err)
		}
		negotiated := int(mtu)
		if negotiated > size {
			negotiated = size
		}
		l.sink.Post(session.MTUNegotiated{MTU: negotiated})
		return nil
	})
}

// WriteDescriptor enables notifications. BlueZ owns the client
// configuration descriptor and writes it on StartNotify.
func (l *bluezLink) WriteDescriptor(c session.Characteristic, value []byte) error {
	return l.enqueue(func() error {
		path, err := l.lookup(c)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.notified = path
		l.mu.Unlock()
		if call := l.conn.Object(bluezBus, path).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
			return fmt.Errorf("StartNotify on %s: %w", c.UUID, call.Err)
		}
		l.sink.Post(session.WriteDescriptorAck{})
		return nil
	})
}

func (l *bluezLink) WriteCharacteristic(c session.Characteristic, data []byte) error {
	buf := append([]byte(nil), data...)
	return l.enqueue(func() error {
		path, err := l.lookup(c)
		if err != nil {
			return err
		}
		call := l.conn.Object(bluezBus, path).Call(bluezGattChar+".WriteValue", 0, buf, map[string]dbus.Variant{
			"type": dbus.MakeVariant("request"),
		})
		if call.Err != nil {
			return fmt.Errorf("WriteValue on %s: %w", c.UUID, call.Err)
		}
		l.sink.Post(session.WriteCharacteristicAck{})
		return nil
	})
}

func (l *bluezLink) lookup(c session.Characteristic) (dbus.ObjectPath, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.paths[strings.ToLower(c.UUID)]
	if !ok {
		return "", fmt.Errorf("characteristic %s not discovered", c.UUID)
	}
	return path, nil
}

// Close stops notifications and disconnects. The shared system bus
// connection stays open.
func (l *bluezLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.ops = nil
	notified := l.notified
	close(l.quit)
	l.mu.Unlock()

	l.conn.RemoveSignal(l.signals)
	l.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, l.match)
	if notified != "" {
		l.conn.Object(bluezBus, notified).Call(bluezGattChar+".StopNotify", 0)
	}
	if call := l.conn.Object(bluezBus, l.device).Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", l.device, call.Err)
	}
	return nil
}

// adapterDevicePath converts a MAC address to its BlueZ object path:
// "AA:BB:CC:DD:EE:FF" on hci0 is /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func adapterDevicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has type %T", iface, property, v.Value())
	}
	return val, nil
}
