package decoder

import (
	"github.com/adrianmo/go-nmea"

	"github.com/locorum/locikernel/internal/store"
)

const (
	SelfID   = "SELF"
	NMEATags = "usb-gps,self-posrep,"
)

// NMEA decodes GPS receiver sentences. Only RMC sentences with a valid fix
// produce reports; everything else is dropped.
type NMEA struct{}

func NewNMEA() *NMEA { return &NMEA{} }

func (NMEA) Name() string { return "nmea" }

func (NMEA) Line(line string) ([]store.PositionReport, Control) {
	if line == "" {
		return nil, Control{}
	}
	s, err := nmea.Parse(line + "\r\n")
	if err != nil {
		return nil, Control{}
	}
	rmc, ok := s.(nmea.RMC)
	if !ok || rmc.Validity != nmea.ValidRMC {
		return nil, Control{}
	}
	return []store.PositionReport{{ID: SelfID, Lat: rmc.Latitude, Lon: rmc.Longitude, SrcTags: NMEATags}}, Control{}
}

// ForProtocol returns the decoder registered under name.
func ForProtocol(name string) (Protocol, bool) {
	switch name {
	case "ads-b", "adsb", "dump1090":
		return NewADSB(), true
	case "nmea", "gps":
		return NewNMEA(), true
	}
	return nil, false
}
