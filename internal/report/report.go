// Package report models raw aircraft state reports from readsb-style JSON
// feeds and normalizes them into storage-ready drafts.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexFloat64 handles JSON numbers that sometimes arrive as strings.
type FlexFloat64 float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat64) UnmarshalJSON(data []byte) error {
	// Try as number first.
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexFloat64(n)
		return nil
	}

	// Try as string.
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexFloat64(n)
		return nil
	}

	*f = 0
	return nil
}

// AltitudeOrGround is an alt_baro value: barometric altitude in feet, or the
// literal string "ground" when the transponder reports surface status.
type AltitudeOrGround struct {
	OnGround bool
	Feet     float64
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AltitudeOrGround) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		a.OnGround = false
		a.Feet = n
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("alt_baro: not a number or string: %s", data)
	}
	if strings.EqualFold(s, "ground") {
		a.OnGround = true
		a.Feet = 0
		return nil
	}

	// Some feeds quote the number.
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("alt_baro: %q is not an altitude", s)
	}
	a.OnGround = false
	a.Feet = n
	return nil
}

// RawAcasRA is an ACAS resolution advisory block attached to a report.
type RawAcasRA struct {
	ARA                string       `json:"ara,omitempty"`
	MTE                string       `json:"mte,omitempty"`
	RAC                string       `json:"rac,omitempty"`
	RAT                string       `json:"rat,omitempty"`
	TTI                string       `json:"tti,omitempty"`
	Advisory           string       `json:"advisory,omitempty"`
	AdvisoryComplement string       `json:"advisory_complement,omitempty"`
	Bytes              string       `json:"bytes,omitempty"`
	ThreatIDHex        string       `json:"threat_id_hex,omitempty"`
	UnixTimestamp      *FlexFloat64 `json:"unix_timestamp,omitempty"`
	UTC                string       `json:"utc,omitempty"`
}

// Raw is one aircraft entry as decoded from a readsb/ADS-B Exchange v2 feed.
// Every field except hex is optional on the wire; pointers distinguish absent
// from zero.
type Raw struct {
	Hex          string `json:"hex"`
	Type         string `json:"type"`
	Flight       string `json:"flight,omitempty"`
	Registration string `json:"r,omitempty"`
	AircraftType string `json:"t,omitempty"`
	DBFlags      *int64 `json:"dbFlags,omitempty"`

	AltBaro *AltitudeOrGround `json:"alt_baro,omitempty"`
	AltGeom *float64          `json:"alt_geom,omitempty"`

	GroundSpeed *float64 `json:"gs,omitempty"`
	IAS         *float64 `json:"ias,omitempty"`
	TAS         *float64 `json:"tas,omitempty"`
	Mach        *float64 `json:"mach,omitempty"`

	Track       *float64 `json:"track,omitempty"`
	TrackRate   *float64 `json:"track_rate,omitempty"`
	CalcTrack   *float64 `json:"calc_track,omitempty"`
	Roll        *float64 `json:"roll,omitempty"`
	MagHeading  *float64 `json:"mag_heading,omitempty"`
	TrueHeading *float64 `json:"true_heading,omitempty"`

	BaroRate *float64 `json:"baro_rate,omitempty"`
	GeomRate *float64 `json:"geom_rate,omitempty"`

	Squawk    string `json:"squawk,omitempty"`
	Emergency string `json:"emergency,omitempty"`
	Category  string `json:"category,omitempty"`

	NavQNH         *float64 `json:"nav_qnh,omitempty"`
	NavAltitudeMCP *float64 `json:"nav_altitude_mcp,omitempty"`
	NavAltitudeFMS *float64 `json:"nav_altitude_fms,omitempty"`
	NavHeading     *float64 `json:"nav_heading,omitempty"`
	NavModes       []string `json:"nav_modes,omitempty"`

	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	NIC     *int     `json:"nic,omitempty"`
	RC      *int     `json:"rc,omitempty"`
	SeenPos *float64 `json:"seen_pos,omitempty"`

	// Receiver-relative geometry.
	RDst  *float64 `json:"r_dst,omitempty"`
	RDir  *float64 `json:"r_dir,omitempty"`
	RRLat *float64 `json:"rr_lat,omitempty"`
	RRLon *float64 `json:"rr_lon,omitempty"`

	Version *int `json:"version,omitempty"`
	NICBaro *int `json:"nic_baro,omitempty"`
	NACp    *int `json:"nac_p,omitempty"`
	NACv    *int `json:"nac_v,omitempty"`
	SIL     *int `json:"sil,omitempty"`
	SILType string `json:"sil_type,omitempty"`
	GVA     *int `json:"gva,omitempty"`
	SDA     *int `json:"sda,omitempty"`

	Alert *int `json:"alert,omitempty"`
	SPI   *int `json:"spi,omitempty"`

	MLAT []string `json:"mlat,omitempty"`
	TISB []string `json:"tisb,omitempty"`

	Messages *int64   `json:"messages,omitempty"`
	Seen     *float64 `json:"seen,omitempty"`
	RSSI     *float64 `json:"rssi,omitempty"`

	GpsOkBefore *float64 `json:"gpsOkBefore,omitempty"`
	GpsOkLat    *float64 `json:"gpsOkLat,omitempty"`
	GpsOkLon    *float64 `json:"gpsOkLon,omitempty"`

	WindDir   *float64 `json:"wd,omitempty"`
	WindSpeed *float64 `json:"ws,omitempty"`
	OAT       *float64 `json:"oat,omitempty"`
	TAT       *float64 `json:"tat,omitempty"`

	AcasRA *RawAcasRA `json:"acas_ra,omitempty"`
}

// Snapshot is one feed document: a capture timestamp plus every aircraft in
// view at that moment.
type Snapshot struct {
	Now      FlexFloat64 `json:"now"`
	Messages *int64      `json:"messages,omitempty"`
	Aircraft []Raw       `json:"aircraft"`
}

// Time returns the capture time. Feeds write "now" as epoch seconds with a
// fractional part; older archives used milliseconds, which are detected by
// magnitude and converted.
func (s *Snapshot) Time() time.Time {
	now := float64(s.Now)
	if now <= 0 {
		return time.Time{}
	}
	if now > 1e11 {
		now /= 1000
	}
	sec := int64(now)
	nsec := int64((now - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Bounds is a lat/lon bounding box used to filter reports by position.
type Bounds struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// ParseBounds parses a bounding box from "minLat,minLon,maxLat,maxLon".
func ParseBounds(s string) (*Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bounds %q: want minLat,minLon,maxLat,maxLon", s)
	}

	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bounds %q: %w", s, err)
		}
		vals[i] = v
	}

	b := &Bounds{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return nil, fmt.Errorf("bounds %q: min exceeds max", s)
	}
	return b, nil
}

// Contains reports whether the point falls inside the box.
func (b *Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}
