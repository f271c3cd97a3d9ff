package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitStatus(t *testing.T) {
	payload, sw, err := SplitStatus([]byte{0xde, 0xad, 0x90, 0x00})
	if err != nil {
		t.Fatalf("SplitStatus() error = %v", err)
	}
	if sw != StatusOK {
		t.Errorf("status = %s, want %s", sw, StatusOK)
	}
	if !bytes.Equal(payload, []byte{0xde, 0xad}) {
		t.Errorf("payload = %x, want dead", payload)
	}
}

func TestSplitStatusTooShort(t *testing.T) {
	_, sw, err := SplitStatus([]byte{0x90})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("SplitStatus() error = %v, want ErrEmptyResponse", err)
	}
	if sw != StatusTransportFailure {
		t.Errorf("status = %s, want transport failure sentinel", sw)
	}
}

func TestStatusComplete(t *testing.T) {
	complete := StatusComplete(nil)
	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"empty", nil, false},
		{"one byte", []byte{0x90}, false},
		{"bare ok", []byte{0x90, 0x00}, true},
		{"payload then ok", []byte{0x01, 0x02, 0x90, 0x00}, true},
		{"user rejected", []byte{0x69, 0x86}, true},
		{"unknown trailer", []byte{0x01, 0x02, 0x12, 0x34}, false},
		{"transport sentinel is not a device status", []byte{0x99, 0x99}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := complete(tt.buf); got != tt.want {
				t.Errorf("complete(%x) = %v, want %v", tt.buf, got, tt.want)
			}
		})
	}
}

func TestStatusCompleteShape(t *testing.T) {
	// Expect a 4-byte payload before the status word.
	complete := StatusComplete(func(p []byte) bool { return len(p) == 4 })
	if complete([]byte{0x01, 0x90, 0x00}) {
		t.Error("short payload ending in 9000 should not be complete")
	}
	if !complete([]byte{0x01, 0x02, 0x03, 0x04, 0x90, 0x00}) {
		t.Error("4-byte payload ending in 9000 should be complete")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Status: StatusUserRejected}
	want := "protocol: device returned status 6986 (rejected by user)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestParseMTUProbeReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   []byte
		want    int
		wantErr bool
	}{
		{"one byte mtu", []byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x99}, 0x99, false},
		{"two byte mtu", []byte{0x08, 0x00, 0x00, 0x00, 0x02, 0x01, 0x00}, 256, false},
		{"echo only", []byte{0x08, 0x00, 0x00, 0x00, 0x00}, 0, true},
		{"wrong tag", []byte{0x05, 0x00, 0x00, 0x00, 0x00, 0x99}, 0, true},
		{"zero mtu", []byte{0x08, 0x00, 0x00, 0x00, 0x01, 0x00}, 0, true},
		{"oversized field", []byte{0x08, 0, 0, 0, 0, 1, 2, 3, 4, 5}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMTUProbeReply(tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMTUProbeReply(%x) error = %v, wantErr %v", tt.reply, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedProbe) {
				t.Errorf("error %v does not wrap ErrMalformedProbe", err)
			}
			if got != tt.want {
				t.Errorf("ParseMTUProbeReply(%x) = %d, want %d", tt.reply, got, tt.want)
			}
		})
	}
}

func TestSameUUID(t *testing.T) {
	if !SameUUID("13D63400-2C97-0004-0000-4C6564676572", "13d634002c97000400004c6564676572") {
		t.Error("SameUUID should ignore case and dashes")
	}
	if SameUUID(NanoXProfile.Service, StaxProfile.Service) {
		t.Error("distinct service UUIDs compared equal")
	}
}
