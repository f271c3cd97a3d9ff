package ble

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

// apply performs effects in order on the machine goroutine. A GATT call that
// cannot be started is fed back as LinkFailed, and the remaining effects of
// the failed step are skipped.
func (m *Machine) apply(effects []session.Effect) {
	for _, eff := range effects {
		if err := m.perform(eff); err != nil {
			m.handle(session.LinkFailed{Op: opName(eff), Err: err})
			return
		}
	}
}

func (m *Machine) perform(eff session.Effect) error {
	switch eff := eff.(type) {
	case session.Enter:
		// Commands submitted once Ready is observable must frame with its MTU.
		if ready, ok := eff.State.(session.Ready); ok {
			m.queue.setMTU(ready.MTU)
		}
		slog.Info("[BLE] state", "device", m.deviceID, "state", eff.State.String())
		m.feed.publish(eff.State)

	case session.CancelTimeout:
		if m.timer != nil {
			m.timer.Stop()
		}

	case session.DiscoverServices:
		return m.link.DiscoverServices()

	case session.NegotiateMTU:
		return m.link.NegotiateMTU(eff.Size)

	case session.EnableNotifications:
		return m.link.WriteDescriptor(eff.Characteristic, protocol.EnableNotificationValue)

	case session.ProbeMTU:
		// No command fragment may go out until this write is acked.
		m.queue.hold()
		return m.link.WriteCharacteristic(eff.Characteristic, eff.Command)

	case session.WriteChunk:
		return m.writeNext()

	case session.ChunkAcked:
		m.queue.acked()
		return m.writeNext()

	case session.Resolve:
		slog.Debug("[BLE] command complete", "id", eff.CommandID, "bytes", len(eff.Response))
		m.queue.complete(eff.CommandID, eff.Response)

	case session.Drain:
		m.advance()

	case session.MTUMismatch:
		slog.Warn("[BLE] device confirmed a different mtu than negotiated",
			"negotiated", eff.Negotiated, "confirmed", eff.Confirmed)

	case session.Abandon:
		slog.Error("[BLE] session failed", "device", m.deviceID, "reason", eff.Cause.Reason, "detail", eff.Cause.Detail)
		if m.timer != nil {
			m.timer.Stop()
		}
		m.queue.failAll(eff.Cause)

	default:
		panic(fmt.Sprintf("ble: unhandled effect %T", eff))
	}
	return nil
}

// writeNext writes the next fragment of the in-flight command, unless a
// write is still awaiting its ack.
func (m *Machine) writeNext() error {
	frag, ok := m.queue.nextFragment()
	if !ok {
		return nil
	}
	return m.link.WriteCharacteristic(m.sess.Service.Write, frag)
}

func opName(eff session.Effect) string {
	switch eff.(type) {
	case session.DiscoverServices:
		return "discover services"
	case session.NegotiateMTU:
		return "negotiate mtu"
	case session.EnableNotifications:
		return "enable notifications"
	case session.ProbeMTU:
		return "mtu probe"
	default:
		return "write characteristic"
	}
}
