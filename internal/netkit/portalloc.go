// Package netkit provides loopback networking helpers for the server,
// currently port allocation from a configured range.
package netkit

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
)

// ErrNoFreePort is returned when no port in the requested range can be bound.
var ErrNoFreePort = errors.New("no free port in range")

// FindFreePort picks a bindable loopback TCP port from [minPort, maxPort].
//
// The candidate order is a uniform random permutation of the range, which
// reduces collision probability when several instances start concurrently.
// Each candidate is probed with a bind-and-immediately-release; the first
// successful probe wins. A single linear scan is made: if every candidate
// is taken, or the range is empty or inverted, ErrNoFreePort is returned.
func FindFreePort(minPort, maxPort int) (int, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return 0, fmt.Errorf("%w: invalid range [%d, %d]", ErrNoFreePort, minPort, maxPort)
	}

	candidates := make([]int, 0, maxPort-minPort+1)
	for p := minPort; p <= maxPort; p++ {
		candidates = append(candidates, p)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, port := range candidates {
		if probePort(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: [%d, %d]", ErrNoFreePort, minPort, maxPort)
}

// probePort attempts to bind the loopback port and releases it immediately.
func probePort(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
