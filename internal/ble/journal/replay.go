package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble"
	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

// ReplayTransport feeds recorded events into a machine in place of a radio.
// GATT calls made by the machine are logged and otherwise ignored: the
// journal already holds their completions.
type ReplayTransport struct {
	Entries []Entry
	// Paced replays with the recorded gaps between events instead of as
	// fast as the machine accepts them.
	Paced bool
}

var _ ble.Transport = (*ReplayTransport)(nil)

func (t *ReplayTransport) Open(ctx context.Context, deviceID string, sink ble.EventSink) (ble.Link, error) {
	l := &replayLink{quit: make(chan struct{})}
	go l.play(ctx, t.Entries, t.Paced, sink)
	return l, nil
}

type replayLink struct {
	once sync.Once
	quit chan struct{}
}

func (l *replayLink) play(ctx context.Context, entries []Entry, paced bool, sink ble.EventSink) {
	var last time.Duration
	for _, e := range entries {
		if paced && e.Elapsed > last {
			select {
			case <-time.After(e.Elapsed - last):
			case <-ctx.Done():
				return
			case <-l.quit:
				return
			}
		}
		last = e.Elapsed

		select {
		case <-l.quit:
			return
		default:
		}
		sink.Post(e.Event)
	}
	slog.Debug("[journal] replay finished", "events", len(entries))
}

func (l *replayLink) DiscoverServices() error {
	slog.Debug("[journal] discover services")
	return nil
}

func (l *replayLink) NegotiateMTU(size int) error {
	slog.Debug("[journal] negotiate mtu", "size", size)
	return nil
}

func (l *replayLink) WriteDescriptor(c session.Characteristic, value []byte) error {
	slog.Debug("[journal] write descriptor", "characteristic", c.UUID, "value", value)
	return nil
}

func (l *replayLink) WriteCharacteristic(c session.Characteristic, data []byte) error {
	slog.Debug("[journal] write characteristic", "characteristic", c.UUID, "data", data)
	return nil
}

func (l *replayLink) Close() error {
	l.once.Do(func() { close(l.quit) })
	return nil
}
