package gateway

import (
	"errors"
	"os"
	"syscall"

	"github.com/dgwynne/batgw/internal/can"
)

// StartReader runs a blocking read loop over sock in its own goroutine
// and posts each received frame to handle on the gateway's event-loop
// goroutine, preserving per-interface arrival order (§5 Ordering
// guarantees). Transient errors are ignored (§7.2); a short read or any
// other error aborts the process (§7.3) since there is no way to make
// safe forward progress once the bus reader is in an unknown state.
func StartReader(gw *Gateway, sock *can.Socket, handle func(can.Frame)) {
	go func() {
		for {
			frame, err := sock.Read()
			if err != nil {
				if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR) {
					continue
				}
				gw.Logger.Error("can read failed, aborting", "interface", sock.Name(), "error", err)
				os.Exit(1)
			}
			gw.Post(func() {
				handle(frame)
			})
		}
	}()
}
