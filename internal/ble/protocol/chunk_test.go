package protocol

import (
	"bytes"
	"errors"
	"testing"
)

const testMTU = 23 // 20 usable bytes with the default overhead

func TestFragmentFitsInOne(t *testing.T) {
	apdu := []byte{0xe0, 0x01, 0x00, 0x00, 0x00}
	chunks, err := Fragment(apdu, testMTU, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !bytes.Equal(chunks[0], apdu) {
		t.Errorf("chunk[0] = %x, want %x", chunks[0], apdu)
	}
}

func TestFragmentEmptyYieldsOneEmptyChunk(t *testing.T) {
	chunks, err := Fragment(nil, testMTU, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks for empty command, want 1", len(chunks))
	}
	if len(chunks[0]) != 0 {
		t.Errorf("chunk[0] len = %d, want 0", len(chunks[0]))
	}
}

func TestFragmentExactFit(t *testing.T) {
	apdu := bytes.Repeat([]byte{0xaa}, testMTU-DefaultFrameOverhead)
	chunks, err := Fragment(apdu, testMTU, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestFragmentOneByteOver(t *testing.T) {
	apdu := bytes.Repeat([]byte{0xaa}, testMTU-DefaultFrameOverhead+1)
	chunks, err := Fragment(apdu, testMTU, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[1]) != 1 {
		t.Errorf("chunk[1] len = %d, want 1", len(chunks[1]))
	}
}

func TestFragmentDoesNotAliasInput(t *testing.T) {
	apdu := []byte{1, 2, 3}
	chunks, err := Fragment(apdu, testMTU, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	apdu[0] = 9
	if chunks[0][0] != 1 {
		t.Error("fragment shares memory with the caller's command")
	}
}

func TestFragmentRoundTrip(t *testing.T) {
	for _, mtu := range []int{23, 50, 156, 512} {
		size := mtu - DefaultFrameOverhead
		for l := 0; l <= 10*mtu; l += 7 {
			apdu := make([]byte, l)
			for i := range apdu {
				apdu[i] = byte(i * 31)
			}
			chunks, err := Fragment(apdu, mtu, DefaultFrameOverhead)
			if err != nil {
				t.Fatalf("Fragment(len=%d, mtu=%d) error = %v", l, mtu, err)
			}
			for i, c := range chunks {
				if len(c) > size {
					t.Fatalf("mtu=%d len=%d: chunk[%d] len=%d exceeds %d", mtu, l, i, len(c), size)
				}
			}
			if got := Join(chunks); !bytes.Equal(got, apdu) {
				t.Fatalf("mtu=%d len=%d: reassembled %d bytes, differs from original", mtu, l, len(got))
			}
		}
	}
}

func TestFragmentZeroMTUUsesDefault(t *testing.T) {
	chunks, err := Fragment(bytes.Repeat([]byte{1}, 40), 0, DefaultFrameOverhead)
	if err != nil {
		t.Fatalf("Fragment() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d chunks, want 2 with the default MTU", len(chunks))
	}
}

func TestFragmentOverheadSwallowsMTU(t *testing.T) {
	_, err := Fragment([]byte{1}, 3, 3)
	if !errors.Is(err, ErrFrameSize) {
		t.Errorf("Fragment() error = %v, want ErrFrameSize", err)
	}
}
