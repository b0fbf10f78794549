package decoder

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/locorum/locikernel/internal/metrics"
	"github.com/locorum/locikernel/internal/store"
)

const (
	ADSBTags = "usb-radio,ads-b,"
	// DeviceHoldOff keeps a reader with no radio attached from restarting in a tight loop.
	DeviceHoldOff = 10100 * time.Millisecond
)

// field labels and the width of the prefix trimmed from each
var adsbFields = []struct {
	label string
	key   string
	width int
}{
	{"Time", "time", 6},
	{"Baro altitude", "altitude", 15},
	{"CPR latitude", "lat", 14},
	{"CPR longitude", "lon", 15},
	{"CPR type", "type", 10},
	{"Air/Ground", "air-or-ground", 12},
	{"RSSI", "rssi", 6},
	{"Groundspeed", "ground-speed", 13},
	{"DF:", "id-line", 0},
	{"ICAO Address", "id-line", 14},
}

// ADSB decodes the verbose text output of an ADS-B radio decoder. Records
// span several lines and start with a line beginning with '*'.
type ADSB struct {
	record map[string]string
}

func NewADSB() *ADSB { return &ADSB{record: map[string]string{}} }

func (d *ADSB) Name() string { return "ads-b" }

// Fields returns a copy of the record being assembled.
func (d *ADSB) Fields() map[string]string {
	out := make(map[string]string, len(d.record))
	for k, v := range d.record {
		out[k] = v
	}
	return out
}

func (d *ADSB) Line(line string) ([]store.PositionReport, Control) {
	var ctl Control
	if strings.Contains(line, "no supported devices") || strings.Contains(line, "error querying device") {
		slog.Warn("radio device unavailable, holding off restart", "line", line, "hold_off", DeviceHoldOff)
		ctl = Control{Restart: true, HoldOff: DeviceHoldOff}
	}
	if strings.HasPrefix(line, "*") {
		var out []store.PositionReport
		if r, ok := d.flush(); ok {
			out = append(out, r)
		}
		d.record = map[string]string{"encoded-packet": line}
		return out, ctl
	}
	for _, f := range adsbFields {
		if !strings.HasPrefix(line, f.label) {
			continue
		}
		v := cut(line, f.width)
		if f.key == "lat" || f.key == "lon" {
			if i := strings.IndexByte(v, '('); i >= 0 {
				v = v[:i]
			}
			v = strings.TrimSpace(v)
		}
		d.record[f.key] = v
		break
	}
	return nil, ctl
}

func (d *ADSB) flush() (store.PositionReport, bool) {
	lat, okLat := d.record["lat"]
	lon, okLon := d.record["lon"]
	if !okLat || !okLon || len(lat) <= 2 {
		return store.PositionReport{}, false
	}
	la, err1 := strconv.ParseFloat(lat, 64)
	lo, err2 := strconv.ParseFloat(lon, 64)
	if err1 != nil || err2 != nil {
		metrics.IncDecodeError(d.Name())
		return store.PositionReport{}, false
	}
	id := strings.TrimSpace(d.record["id-line"])
	if id == "" {
		id = "unk"
	}
	return store.PositionReport{ID: id, Lat: la, Lon: lo, SrcTags: ADSBTags}, true
}

// cut drops the first n bytes of s, tolerating short lines.
func cut(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}
