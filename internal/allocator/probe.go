package allocator

import (
	"fmt"
	"net"
)

// Prober reports whether a port is actually free at the OS level.
// It is injectable so tests can simulate occupied ports deterministically.
type Prober interface {
	Free(port int) bool
}

// BindProber asks the OS directly by attempting a TCP listen. This is the
// only liveness signal the allocator trusts; wall-clock staleness of a
// record cannot prove the holder died.
//
// It binds all interfaces (":port" rather than "127.0.0.1:port") because
// services typically listen on 0.0.0.0, and probing a narrower address
// space would report false positives.
type BindProber struct{}

func (BindProber) Free(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
