package netkit

import (
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestFindFreePortInRange(t *testing.T) {
	port, err := FindFreePort(42100, 42199)
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if port < 42100 || port > 42199 {
		t.Fatalf("port %d outside requested range", port)
	}

	// The returned port must be bindable after the probe released it.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("returned port %d not bindable: %v", port, err)
	}
	_ = ln.Close()
}

func TestFindFreePortSaturatedRange(t *testing.T) {
	// Occupy a small range entirely, then ask for a port in it.
	var listeners []net.Listener
	var occupied []int
	for p := 42300; p <= 42309; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		listeners = append(listeners, ln)
		occupied = append(occupied, p)
	}
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()
	if len(occupied) == 0 {
		t.Skip("could not occupy any port in test range")
	}

	// Restrict the scan to exactly the ports we hold.
	_, err := FindFreePort(occupied[0], occupied[0])
	if !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort", err)
	}
}

func TestFindFreePortInvalidRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"inverted", 42200, 42100},
		{"zero min", 0, 42100},
		{"beyond max port", 42100, 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FindFreePort(tt.min, tt.max); !errors.Is(err, ErrNoFreePort) {
				t.Errorf("err = %v, want ErrNoFreePort", err)
			}
		})
	}
}
