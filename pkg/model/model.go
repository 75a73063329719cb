// Package model defines the core domain types for gorelay.
package model

import "fmt"

// DisconnectReason records why a session left the relay.
type DisconnectReason int

const (
	ReasonNone        DisconnectReason = iota // session still open
	ReasonLogout                              // client sent LOGOUT
	ReasonIOError                             // socket closed, reset or timed out
	ReasonDecodeError                         // client sent a malformed frame
	ReasonShutdown                            // server shut down
	ReasonReaped                              // removed by housekeeping after a failed send
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonLogout:
		return "logout"
	case ReasonIOError:
		return "io_error"
	case ReasonDecodeError:
		return "decode_error"
	case ReasonShutdown:
		return "shutdown"
	case ReasonReaped:
		return "reaped"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ParseDisconnectReason converts the stored name back to a reason.
// Unknown names map to ReasonNone.
func ParseDisconnectReason(s string) DisconnectReason {
	switch s {
	case "logout":
		return ReasonLogout
	case "io_error":
		return ReasonIOError
	case "decode_error":
		return ReasonDecodeError
	case "shutdown":
		return ReasonShutdown
	case "reaped":
		return ReasonReaped
	default:
		return ReasonNone
	}
}
