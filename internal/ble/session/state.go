// Package session holds the connection state machine as a pure function.
// A Session value goes in with an Event, and a new Session comes out with
// the list of Effects the runtime must perform. Nothing here touches the
// radio, a timer or a goroutine.
package session

import "fmt"

// State is the closed set of connection states. Only types in this package
// implement it.
type State interface {
	isState()
	String() string
}

type (
	Created                   struct{}
	WaitingServices           struct{}
	NegotiatingMTU            struct{}
	WaitingNotificationEnable struct{}
	CheckingMTU               struct{}

	// Ready accepts commands. LastAnswer is the response that moved the
	// session back to Ready, nil on the first entry.
	Ready struct {
		Service    DeviceService
		MTU        int
		LastAnswer *Answer
	}

	// WaitingResponse has a command in flight.
	WaitingResponse struct {
		CommandID string
	}
)

// Answer is a reassembled response, status word included.
type Answer struct {
	CommandID string
	Response  []byte
}

// Reason classifies a terminal Error.
type Reason string

const (
	ReasonTimeout                 Reason = "connect-timeout"
	ReasonNoService               Reason = "no-service"
	ReasonUnexpectedDisconnection Reason = "unexpected-disconnection"
	ReasonWrongState              Reason = "wrong-state-for-event"
	ReasonLinkFailure             Reason = "link-failure"
	ReasonMTUProbe                Reason = "mtu-probe"
	ReasonResponseOverflow        Reason = "response-overflow"
	ReasonClosed                  Reason = "closed"
)

// Error is the terminal state. No event moves a session out of it.
type Error struct {
	Reason Reason
	Detail string
}

func (Created) isState()                   {}
func (WaitingServices) isState()           {}
func (NegotiatingMTU) isState()            {}
func (WaitingNotificationEnable) isState() {}
func (CheckingMTU) isState()               {}
func (Ready) isState()                     {}
func (WaitingResponse) isState()           {}
func (Error) isState()                     {}

func (Created) String() string                   { return "Created" }
func (WaitingServices) String() string           { return "WaitingServices" }
func (NegotiatingMTU) String() string            { return "NegotiatingMtu" }
func (WaitingNotificationEnable) String() string { return "WaitingNotificationEnable" }
func (CheckingMTU) String() string               { return "CheckingMtu" }

func (s Ready) String() string {
	return fmt.Sprintf("Ready(mtu=%d)", s.MTU)
}

func (s WaitingResponse) String() string {
	return fmt.Sprintf("WaitingResponse(%s)", s.CommandID)
}

func (e Error) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("Error(%s)", e.Reason)
	}
	return fmt.Sprintf("Error(%s: %s)", e.Reason, e.Detail)
}

func (e Error) Error() string {
	if e.Detail == "" {
		return "session: " + string(e.Reason)
	}
	return fmt.Sprintf("session: %s: %s", e.Reason, e.Detail)
}

// IsTerminal reports whether no further transition can leave st.
func IsTerminal(st State) bool {
	_, ok := st.(Error)
	return ok
}

// AcceptsCommands reports whether fragments may be written in st.
func AcceptsCommands(st State) bool {
	switch st.(type) {
	case Ready, WaitingResponse:
		return true
	}
	return false
}
