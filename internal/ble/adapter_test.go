package ble

import (
	"testing"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
)

func TestServiceByUUIDLeavesHandlesZero(t *testing.T) {
	p := protocol.NanoXProfile
	svc := serviceByUUID(p.Service, []string{p.Notify, p.Write, p.WriteNoResponse})

	if svc.UUID != p.Service {
		t.Errorf("UUID = %s, want %s", svc.UUID, p.Service)
	}
	if len(svc.Characteristics) != 3 {
		t.Fatalf("characteristics = %d, want 3", len(svc.Characteristics))
	}
	for i, c := range svc.Characteristics {
		if c.Handle != 0 {
			t.Errorf("characteristic %s handle = %d, want 0", c.UUID, c.Handle)
		}
		if c.UUID != []string{p.Notify, p.Write, p.WriteNoResponse}[i] {
			t.Errorf("characteristic %d = %s, out of discovery order", i, c.UUID)
		}
	}
}
