package protocol

import "fmt"

// DefaultMTU is the ATT MTU every BLE link starts with before negotiation.
const DefaultMTU = 23

// DefaultFrameOverhead is the ATT write header: opcode (1) + handle (2).
const DefaultFrameOverhead = 3

// MaxFragmentSize returns the usable payload bytes per GATT write for the
// given MTU and per-write overhead.
func MaxFragmentSize(mtu, overhead int) (int, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	size := mtu - overhead
	if size <= 0 {
		return 0, fmt.Errorf("%w: mtu %d leaves no room after %d bytes of overhead", ErrFrameSize, mtu, overhead)
	}
	return size, nil
}

// Fragment splits an APDU into ordered chunks of at most mtu-overhead bytes.
// Chunks are raw slices of the command; no header is added. An empty command
// still yields exactly one empty fragment so the request/response exchange
// happens.
func Fragment(apdu []byte, mtu, overhead int) ([][]byte, error) {
	size, err := MaxFragmentSize(mtu, overhead)
	if err != nil {
		return nil, err
	}
	if len(apdu) == 0 {
		return [][]byte{{}}, nil
	}

	chunks := make([][]byte, 0, (len(apdu)+size-1)/size)
	for len(apdu) > 0 {
		n := min(size, len(apdu))
		chunk := make([]byte, n)
		copy(chunk, apdu[:n])
		chunks = append(chunks, chunk)
		apdu = apdu[n:]
	}
	return chunks, nil
}

// Join concatenates fragments in order. It is the inverse of Fragment.
func Join(fragments [][]byte) []byte {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}
