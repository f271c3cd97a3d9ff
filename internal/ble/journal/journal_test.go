package journal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble"
	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

func ledgerServices() []session.Service {
	p := protocol.NanoXProfile
	return []session.Service{
		{UUID: "00001800-0000-1000-8000-00805f9b34fb"},
		{UUID: p.Service, Characteristics: []session.Characteristic{
			{UUID: p.Notify, Handle: 0x0d},
			{UUID: p.Write, Handle: 0x10},
			{UUID: p.WriteNoResponse, Handle: 0x12},
		}},
	}
}

func allEvents() []session.Event {
	return []session.Event{
		session.Connected{},
		session.ServicesDiscovered{Services: ledgerServices()},
		session.MTUNegotiated{MTU: 156},
		session.WriteDescriptorAck{},
		session.WriteCharacteristicAck{},
		session.CharacteristicChanged{Value: []byte{0x08, 0, 0, 0, 0, 0x99}},
		session.ConnectTimeout{},
		session.LinkFailed{Op: "write", Err: errors.New("gatt status 133")},
		session.Disconnected{},
	}
}

// fakeClock advances by step on every call.
func fakeClock(step time.Duration) func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.now = fakeClock(10 * time.Millisecond)

	events := allEvents()
	for _, ev := range events {
		if err := w.Record(ev); err != nil {
			t.Fatalf("Record(%v) error = %v", ev, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r := NewReader(&buf)
	for i, want := range events {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if got.Elapsed != time.Duration(i)*10*time.Millisecond {
			t.Errorf("#%d Elapsed = %v", i, got.Elapsed)
		}
		if lf, ok := want.(session.LinkFailed); ok {
			g, ok := got.Event.(session.LinkFailed)
			if !ok || g.Op != lf.Op || g.Err == nil || g.Err.Error() != lf.Err.Error() {
				t.Errorf("#%d = %#v, want %#v", i, got.Event, want)
			}
			continue
		}
		if !reflect.DeepEqual(got.Event, want) {
			t.Errorf("#%d = %#v, want %#v", i, got.Event, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestRecordRejectsInternalEvents(t *testing.T) {
	w := NewWriter(io.Discard)
	if err := w.Record(session.CommandDispatched{CommandID: "x"}); err == nil {
		t.Error("Record(CommandDispatched) should fail")
	}
}

func TestTruncatedJournal(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Record(session.CharacteristicChanged{Value: []byte{1, 2, 3, 4}})
	w.Close()

	cut := buf.Bytes()[:buf.Len()-2]
	if _, err := NewReader(bytes.NewReader(cut)).Next(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Next() error = %v, want ErrCorrupt", err)
	}
}

func TestUnknownKindIsCorrupt(t *testing.T) {
	rec := appendVarint(nil, fieldKind, 99)
	if _, err := unmarshalEntry(rec); !errors.Is(err, ErrCorrupt) {
		t.Errorf("unmarshalEntry() error = %v, want ErrCorrupt", err)
	}
}

func TestCreateAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "session.journal")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tap := w.Tap()
	for _, ev := range allEvents()[:4] {
		tap(ev)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if _, ok := entries[3].Event.(session.WriteDescriptorAck); !ok {
		t.Errorf("last entry = %v, want WriteDescriptorAck", entries[3].Event)
	}
}

func TestReplayDrivesMachine(t *testing.T) {
	entries := []Entry{
		{Event: session.Connected{}},
		{Event: session.ServicesDiscovered{Services: ledgerServices()}},
		{Event: session.MTUNegotiated{MTU: 156}},
		{Event: session.WriteDescriptorAck{}},
		{Event: session.WriteCharacteristicAck{}},
		{Event: session.CharacteristicChanged{Value: []byte{0x08, 0, 0, 0, 0, 0x99}}},
		{Event: session.WriteCharacteristicAck{}},
		{Event: session.CharacteristicChanged{Value: []byte{0x01, 0x02}}},
		{Event: session.CharacteristicChanged{Value: []byte{0x90, 0x00}}},
	}

	opts := ble.DefaultOptions()
	opts.ConnectTimeout = time.Hour
	m := ble.NewMachine(&ReplayTransport{Entries: entries}, "replay", opts)
	defer m.Clear()

	results := make(chan ble.Result, 1)
	m.Send([]byte{0xe0, 0x01}, func(r ble.Result) { results <- r })
	if err := m.Build(context.Background()); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("Err = %v", r.Err)
		}
		if !bytes.Equal(r.Payload, []byte{0x01, 0x02}) {
			t.Errorf("Payload = %x, want 0102", r.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replayed command did not complete")
	}
}
