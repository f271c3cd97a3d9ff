package ble

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
)

func collect(results *[]Result) func(Result) {
	return func(r Result) { *results = append(*results, r) }
}

func TestQueueFragmentsWithCurrentMTU(t *testing.T) {
	q := newCommandQueue(23, 3)
	var results []Result

	q.submit(make([]byte, 45), collect(&results))
	q.setMTU(50)
	q.submit(make([]byte, 45), collect(&results))

	first := q.pop()
	if len(first.fragments) != 3 {
		t.Errorf("first command fragments = %d, want 3 at MTU 23", len(first.fragments))
	}
	q.complete(first.id, []byte{0x90, 0x00})

	second := q.pop()
	if len(second.fragments) != 1 {
		t.Errorf("second command fragments = %d, want 1 at MTU 50", len(second.fragments))
	}
}

func TestQueueSingleInFlight(t *testing.T) {
	q := newCommandQueue(23, 3)
	q.submit([]byte{1}, nil)
	q.submit([]byte{2}, nil)

	if q.pop() == nil {
		t.Fatal("pop() = nil, want head command")
	}
	if q.pop() != nil {
		t.Error("pop() while a command is in flight should return nil")
	}
	if got := q.queued(); got != 1 {
		t.Errorf("queued() = %d, want 1", got)
	}
}

func TestQueueOneWriteOutstanding(t *testing.T) {
	q := newCommandQueue(5, 3) // 2 bytes per fragment
	q.submit([]byte{1, 2, 3, 4, 5}, nil)
	q.pop()

	var written [][]byte
	frag, ok := q.nextFragment()
	if !ok {
		t.Fatal("nextFragment() should return the first fragment")
	}
	written = append(written, frag)
	if _, ok := q.nextFragment(); ok {
		t.Fatal("nextFragment() before ack should return false")
	}
	for {
		q.acked()
		frag, ok := q.nextFragment()
		if !ok {
			break
		}
		written = append(written, frag)
	}
	if !bytes.Equal(protocol.Join(written), []byte{1, 2, 3, 4, 5}) {
		t.Errorf("written = %x", written)
	}
	if len(written) != 3 {
		t.Errorf("fragments written = %d, want 3", len(written))
	}
}

func TestQueueUnackedWriteCarriesAcrossCommands(t *testing.T) {
	q := newCommandQueue(23, 3)
	q.submit([]byte{1}, nil)
	q.submit([]byte{2}, nil)

	first := q.pop()
	q.nextFragment()
	// Response arrives before the write ack.
	q.complete(first.id, []byte{0x90, 0x00})

	q.pop()
	if _, ok := q.nextFragment(); ok {
		t.Fatal("next command must wait for the previous write's ack")
	}
	q.acked()
	frag, ok := q.nextFragment()
	if !ok || !bytes.Equal(frag, []byte{2}) {
		t.Errorf("nextFragment() = %x, %v, want 02", frag, ok)
	}
}

func TestQueueHoldBlocksFirstFragment(t *testing.T) {
	q := newCommandQueue(23, 3)
	q.hold()
	q.submit([]byte{1}, nil)
	q.pop()
	if _, ok := q.nextFragment(); ok {
		t.Fatal("fragment written while the slot was held")
	}
	q.acked()
	frag, ok := q.nextFragment()
	if !ok || !bytes.Equal(frag, []byte{1}) {
		t.Errorf("nextFragment() = %x, %v, want 01", frag, ok)
	}
}

func TestQueueCompleteDecodesStatus(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
		payload  []byte
		status   protocol.StatusWord
		wantErr  bool
	}{
		{"ok with payload", []byte{0xaa, 0xbb, 0x90, 0x00}, []byte{0xaa, 0xbb}, protocol.StatusOK, false},
		{"ok empty", []byte{0x90, 0x00}, []byte{}, protocol.StatusOK, false},
		{"device error", []byte{0x6a, 0x80}, []byte{}, protocol.StatusInvalidData, true},
		{"too short", []byte{0x90}, nil, protocol.StatusTransportFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newCommandQueue(23, 3)
			var results []Result
			id, _ := q.submit([]byte{0}, collect(&results))
			q.pop()
			q.complete(id, tt.response)

			if len(results) != 1 {
				t.Fatalf("results = %d, want 1", len(results))
			}
			r := results[0]
			if r.ID != id {
				t.Errorf("ID = %s, want %s", r.ID, id)
			}
			if r.Status != tt.status {
				t.Errorf("Status = %s, want %s", r.Status, tt.status)
			}
			if (r.Err != nil) != tt.wantErr {
				t.Errorf("Err = %v, wantErr %v", r.Err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(r.Payload, tt.payload) {
				t.Errorf("Payload = %x, want %x", r.Payload, tt.payload)
			}
		})
	}
}

func TestQueueCompleteUnknownID(t *testing.T) {
	q := newCommandQueue(23, 3)
	var results []Result
	q.submit([]byte{0}, collect(&results))
	q.pop()
	q.complete("not-the-id", []byte{0x90, 0x00})
	if len(results) != 0 {
		t.Errorf("unknown id resolved %d commands", len(results))
	}
}

func TestQueueFailAllOrderAndOnce(t *testing.T) {
	q := newCommandQueue(23, 3)
	var results []Result
	a, _ := q.submit([]byte{1}, collect(&results))
	b, _ := q.submit([]byte{2}, collect(&results))
	c, _ := q.submit([]byte{3}, collect(&results))
	q.pop()

	cause := errors.New("gone")
	q.failAll(cause)
	q.failAll(cause)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, id := range []string{a, b, c} {
		if results[i].ID != id {
			t.Errorf("result %d = %s, want %s", i, results[i].ID, id)
		}
		if !errors.Is(results[i].Err, cause) {
			t.Errorf("result %d Err = %v, want cause", i, results[i].Err)
		}
	}

	d, _ := q.submit([]byte{4}, collect(&results))
	if len(results) != 4 || results[3].ID != d || !errors.Is(results[3].Err, cause) {
		t.Errorf("submit after failAll should fail at once with the first cause")
	}
}

func TestQueueIDsAreUnique(t *testing.T) {
	q := newCommandQueue(23, 3)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := q.submit(nil, nil)
		if err != nil {
			t.Fatalf("submit() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestQueueFrameSizeError(t *testing.T) {
	q := newCommandQueue(3, 3)
	if _, err := q.submit([]byte{1}, nil); !errors.Is(err, protocol.ErrFrameSize) {
		t.Errorf("submit() error = %v, want ErrFrameSize", err)
	}
}
