package worker

import (
	"fmt"
	"strings"
)

// EventKind tags an Event.
type EventKind int

// Event kinds.
const (
	// Progress marks an operation in flight.
	Progress EventKind = iota

	// Log is informational and does not end a command.
	Log

	// Result ends the current step with success or failure text.
	Result

	// CredentialRequested asks the caller for the device password. The
	// worker blocks until SupplyCredential is called.
	CredentialRequested
)

func (k EventKind) String() string {
	switch k {
	case Progress:
		return "progress"
	case Log:
		return "log"
	case Result:
		return "result"
	case CredentialRequested:
		return "credential"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item on the output channel.
type Event struct {
	Kind    EventKind
	Message string

	// OK is set on successful Result events.
	OK bool

	// Board and DeviceID are set on CredentialRequested.
	Board    string
	DeviceID string
}

// Waiting reports whether the event announces an operation that is still
// running, which the caller shows with a spinner.
func (e Event) Waiting() bool {
	return e.Kind == Progress && strings.HasSuffix(e.Message, "...")
}
