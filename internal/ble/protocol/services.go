package protocol

import "strings"

// ServiceProfile names a GATT service and the three characteristics the
// transport needs from it.
type ServiceProfile struct {
	Name            string `yaml:"name"`
	Service         string `yaml:"service"`
	Notify          string `yaml:"notify"`
	Write           string `yaml:"write"`
	WriteNoResponse string `yaml:"write_no_response"`
}

// Ledger device service UUIDs.
var (
	NanoXProfile = ServiceProfile{
		Name:            "nano-x",
		Service:         "13d63400-2c97-0004-0000-4c6564676572",
		Notify:          "13d63400-2c97-0004-0001-4c6564676572",
		Write:           "13d63400-2c97-0004-0002-4c6564676572",
		WriteNoResponse: "13d63400-2c97-0004-0003-4c6564676572",
	}
	StaxProfile = ServiceProfile{
		Name:            "stax",
		Service:         "13d63400-2c97-6004-0000-4c6564676572",
		Notify:          "13d63400-2c97-6004-0001-4c6564676572",
		Write:           "13d63400-2c97-6004-0002-4c6564676572",
		WriteNoResponse: "13d63400-2c97-6004-0003-4c6564676572",
	}
)

// DefaultProfiles returns the service variants recognized out of the box.
func DefaultProfiles() []ServiceProfile {
	return []ServiceProfile{NanoXProfile, StaxProfile}
}

// SameUUID compares two UUID strings ignoring case and dashes.
func SameUUID(a, b string) bool {
	return normalizeUUID(a) == normalizeUUID(b)
}

func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
