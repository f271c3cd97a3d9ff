//go:build !darwin && !windows

package ble

import (
	"context"
	"strings"
	"testing"
)

func TestTinyGoTransportUnavailable(t *testing.T) {
	var tr Transport = NewTinyGoTransport()
	link, err := tr.Open(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
	if err == nil || link != nil {
		t.Fatalf("Open() = %v, %v, want an error", link, err)
	}
	if !strings.Contains(err.Error(), "bluez") {
		t.Errorf("error %q should point at the bluez transport", err)
	}
}
