package session

import "github.com/chaz8081/apdu-ble/internal/ble/protocol"

// Characteristic identifies a GATT characteristic on the link. Handle is the
// ATT handle when the platform exposes one, zero otherwise; adapters address
// characteristics by UUID.
type Characteristic struct {
	UUID   string
	Handle uint16
}

// Service is one GATT service as reported by service discovery.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// DeviceService is the resolved set of characteristics used for the rest of
// the connection. It never changes once resolved.
type DeviceService struct {
	Profile         string
	UUID            string
	Write           Characteristic
	WriteNoResponse Characteristic
	Notify          Characteristic
}

// Resolved reports whether the descriptor has been filled in.
func (d DeviceService) Resolved() bool {
	return d.UUID != ""
}

// ResolveService picks the first discovered service that matches a profile
// and exposes all three of its characteristics.
func ResolveService(services []Service, profiles []protocol.ServiceProfile) (DeviceService, bool) {
	for _, svc := range services {
		for _, p := range profiles {
			if !protocol.SameUUID(svc.UUID, p.Service) {
				continue
			}
			write, okW := findCharacteristic(svc, p.Write)
			noResp, okN := findCharacteristic(svc, p.WriteNoResponse)
			notify, okR := findCharacteristic(svc, p.Notify)
			if okW && okN && okR {
				return DeviceService{
					Profile:         p.Name,
					UUID:            svc.UUID,
					Write:           write,
					WriteNoResponse: noResp,
					Notify:          notify,
				}, true
			}
		}
	}
	return DeviceService{}, false
}

func findCharacteristic(svc Service, uuid string) (Characteristic, bool) {
	for _, c := range svc.Characteristics {
		if protocol.SameUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return Characteristic{}, false
}
