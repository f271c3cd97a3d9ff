package session

import (
	"fmt"
	"strings"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
)

// Session is the full protocol state of one connection. It is a value:
// Step returns an updated copy and never mutates its input.
type Session struct {
	State   State
	Service DeviceService

	NegotiatedMTU int // from the platform's MTU exchange
	ConfirmedMTU  int // from the device's reply to the MTU probe
	MTUMismatch   bool

	// TimeoutArmed is true until Connected arrives. A ConnectTimeout seen
	// after that is a stale timer and is dropped.
	TimeoutArmed bool
	// ProbeAckPending is true while the MTU probe write is unacknowledged.
	// Until then no command fragment may be written.
	ProbeAckPending bool

	// Response accumulates notification bytes for the in-flight command.
	Response []byte
}

// New returns a session in Created with the connect timeout armed.
func New() Session {
	return Session{State: Created{}, TimeoutArmed: true}
}

// MTU returns the MTU used for framing: the device-confirmed value once
// known, the negotiated value before that, zero if neither.
func (s Session) MTU() int {
	if s.ConfirmedMTU > 0 {
		return s.ConfirmedMTU
	}
	return s.NegotiatedMTU
}

// Rules are the fixed parameters of the transition function.
type Rules struct {
	Profiles    []protocol.ServiceProfile
	RequestMTU  int
	Complete    protocol.CompletionFunc
	MaxResponse int // 0 means unbounded
}

// DefaultRules recognizes the Ledger services and the status-word protocol.
func DefaultRules() Rules {
	return Rules{
		Profiles:    protocol.DefaultProfiles(),
		RequestMTU:  156,
		Complete:    protocol.StatusComplete(nil),
		MaxResponse: 64 * 1024,
	}
}

// Step applies one event. Events outside their valid states move the
// session to Error and change nothing else; Error absorbs every event.
func (r Rules) Step(s Session, ev Event) (Session, []Effect) {
	if IsTerminal(s.State) {
		return s, nil
	}

	switch ev := ev.(type) {
	case Connected:
		if _, ok := s.State.(Created); !ok {
			return wrongState(s, ev, "Created")
		}
		s.TimeoutArmed = false
		return s.enter(WaitingServices{}, CancelTimeout{}, DiscoverServices{})

	case ConnectTimeout:
		if !s.TimeoutArmed {
			return s, nil
		}
		if _, ok := s.State.(Created); !ok {
			return wrongState(s, ev, "Created")
		}
		return fail(s, Error{Reason: ReasonTimeout, Detail: "no connection before timeout"})

	case ServicesDiscovered:
		if _, ok := s.State.(WaitingServices); !ok {
			return wrongState(s, ev, "WaitingServices")
		}
		svc, ok := ResolveService(ev.Services, r.Profiles)
		if !ok {
			return fail(s, Error{Reason: ReasonNoService, Detail: "discovered " + serviceList(ev.Services)})
		}
		s.Service = svc
		return s.enter(NegotiatingMTU{}, NegotiateMTU{Size: r.RequestMTU})

	case MTUNegotiated:
		if _, ok := s.State.(NegotiatingMTU); !ok {
			return wrongState(s, ev, "NegotiatingMtu")
		}
		if ev.MTU <= 0 {
			return fail(s, Error{Reason: ReasonLinkFailure, Detail: fmt.Sprintf("negotiated mtu %d", ev.MTU)})
		}
		s.NegotiatedMTU = ev.MTU
		return s.enter(WaitingNotificationEnable{}, EnableNotifications{Characteristic: s.Service.Notify})

	case WriteDescriptorAck:
		if _, ok := s.State.(WaitingNotificationEnable); !ok {
			return wrongState(s, ev, "WaitingNotificationEnable")
		}
		s.ProbeAckPending = true
		return s.enter(CheckingMTU{}, ProbeMTU{Characteristic: s.Service.Write, Command: protocol.MTUProbeCommand})

	case WriteCharacteristicAck:
		switch s.State.(type) {
		case CheckingMTU, Ready, WaitingResponse:
			// The MTU check write holds the same write slot as command
			// fragments, and its ack may arrive after the device's reply.
			s.ProbeAckPending = false
			return s, []Effect{ChunkAcked{}}
		}
		return wrongState(s, ev, "CheckingMtu, Ready or WaitingResponse")

	case CharacteristicChanged:
		switch st := s.State.(type) {
		case CheckingMTU:
			return r.confirmMTU(s, ev.Value)
		case WaitingResponse:
			return r.accumulate(s, st.CommandID, ev.Value)
		}
		return wrongState(s, ev, "CheckingMtu or WaitingResponse")

	case CommandDispatched:
		if _, ok := s.State.(Ready); !ok {
			return wrongState(s, ev, "Ready")
		}
		s.Response = nil
		return s.enter(WaitingResponse{CommandID: ev.CommandID}, WriteChunk{})

	case LinkFailed:
		return fail(s, Error{Reason: ReasonLinkFailure, Detail: fmt.Sprintf("%s: %v", ev.Op, ev.Err)})

	case Disconnected:
		return fail(s, Error{Reason: ReasonUnexpectedDisconnection, Detail: "in state " + s.State.String()})
	}

	panic(fmt.Sprintf("session: unhandled event %T", ev))
}

// Close moves a live session to Error{closed}.
func (r Rules) Close(s Session) (Session, []Effect) {
	if IsTerminal(s.State) {
		return s, nil
	}
	return fail(s, Error{Reason: ReasonClosed})
}

func (r Rules) confirmMTU(s Session, reply []byte) (Session, []Effect) {
	mtu, err := protocol.ParseMTUProbeReply(reply)
	if err != nil {
		return fail(s, Error{Reason: ReasonMTUProbe, Detail: err.Error()})
	}
	s.ConfirmedMTU = mtu

	var effects []Effect
	if mtu != s.NegotiatedMTU {
		s.MTUMismatch = true
		effects = append(effects, MTUMismatch{Negotiated: s.NegotiatedMTU, Confirmed: mtu})
	}
	ready := Ready{Service: s.Service, MTU: s.MTU()}
	s.State = ready
	effects = append(effects, Enter{State: ready}, Drain{})
	return s, effects
}

func (r Rules) accumulate(s Session, id string, fragment []byte) (Session, []Effect) {
	buf := make([]byte, 0, len(s.Response)+len(fragment))
	buf = append(buf, s.Response...)
	buf = append(buf, fragment...)

	if r.MaxResponse > 0 && len(buf) > r.MaxResponse {
		return fail(s, Error{
			Reason: ReasonResponseOverflow,
			Detail: fmt.Sprintf("%d bytes exceeds limit of %d", len(buf), r.MaxResponse),
		})
	}
	complete := r.Complete
	if complete == nil {
		complete = protocol.StatusComplete(nil)
	}
	if !complete(buf) {
		s.Response = buf
		return s, nil
	}

	s.Response = nil
	answer := &Answer{CommandID: id, Response: buf}
	return s.enter(Ready{Service: s.Service, MTU: s.MTU(), LastAnswer: answer},
		Resolve{CommandID: id, Response: buf}, Drain{})
}

func (s Session) enter(st State, effects ...Effect) (Session, []Effect) {
	s.State = st
	return s, append([]Effect{Enter{State: st}}, effects...)
}

func fail(s Session, e Error) (Session, []Effect) {
	s.State = e
	return s, []Effect{Enter{State: e}, Abandon{Cause: e}}
}

func wrongState(s Session, ev Event, expected string) (Session, []Effect) {
	return fail(s, Error{
		Reason: ReasonWrongState,
		Detail: fmt.Sprintf("%s received in %s, expected %s", ev, s.State, expected),
	})
}

func serviceList(services []Service) string {
	if len(services) == 0 {
		return "no services"
	}
	uuids := make([]string, len(services))
	for i, svc := range services {
		uuids[i] = svc.UUID
	}
	return strings.Join(uuids, ", ")
}
