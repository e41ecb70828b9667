package tunmux

import (
	"fmt"
)

var (
	// errMalformedFrame is returned when a frame is shorter than its
	// documented body
	errMalformedFrame = fmt.Errorf("tunmux: malformed frame")

	// errUnknownAddrType is returned when a ReqCreated frame carries an
	// address type outside {ipv4, domain, ipv6}
	errUnknownAddrType = fmt.Errorf("tunmux: unknown address type")

	// ErrTunnelClosed identifies a closed tunnel. No function in this
	// package returns it: operations on a closed tunnel are dropped
	// without an error
	ErrTunnelClosed = fmt.Errorf("tunmux: tunnel closed")
)
