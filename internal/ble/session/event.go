package session

import "fmt"

// Event is the closed vocabulary the platform adapter feeds the machine.
type Event interface {
	isEvent()
	String() string
}

type (
	Connected    struct{}
	Disconnected struct{}

	ServicesDiscovered struct {
		Services []Service
	}

	MTUNegotiated struct {
		MTU int
	}

	WriteDescriptorAck     struct{}
	WriteCharacteristicAck struct{}

	CharacteristicChanged struct {
		Value []byte
	}

	// ConnectTimeout is delivered by the connect timer through the same
	// stream as platform events.
	ConnectTimeout struct{}

	// LinkFailed reports a platform call that failed or completed with a
	// non-success GATT status.
	LinkFailed struct {
		Op  string
		Err error
	}

	// CommandDispatched is raised by the command queue when it moves its head
	// command into flight.
	CommandDispatched struct {
		CommandID string
	}
)

func (Connected) isEvent()              {}
func (Disconnected) isEvent()           {}
func (ServicesDiscovered) isEvent()     {}
func (MTUNegotiated) isEvent()          {}
func (WriteDescriptorAck) isEvent()     {}
func (WriteCharacteristicAck) isEvent() {}
func (CharacteristicChanged) isEvent()  {}
func (ConnectTimeout) isEvent()         {}
func (LinkFailed) isEvent()             {}
func (CommandDispatched) isEvent()      {}

func (Connected) String() string              { return "Connected" }
func (Disconnected) String() string           { return "Disconnected" }
func (WriteDescriptorAck) String() string     { return "WriteDescriptorAck" }
func (WriteCharacteristicAck) String() string { return "WriteCharacteristicAck" }
func (ConnectTimeout) String() string         { return "ConnectTimeout" }

func (e ServicesDiscovered) String() string {
	return fmt.Sprintf("ServicesDiscovered(%d)", len(e.Services))
}

func (e MTUNegotiated) String() string {
	return fmt.Sprintf("MtuNegotiated(%d)", e.MTU)
}

func (e CharacteristicChanged) String() string {
	return fmt.Sprintf("CharacteristicChanged(%x)", e.Value)
}

func (e LinkFailed) String() string {
	return fmt.Sprintf("LinkFailed(%s: %v)", e.Op, e.Err)
}

func (e CommandDispatched) String() string {
	return fmt.Sprintf("CommandDispatched(%s)", e.CommandID)
}
