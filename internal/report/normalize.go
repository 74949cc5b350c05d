package report

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformed is returned for reports that are missing required fields or
// carry out-of-range values. Malformed reports must not reach storage.
var ErrMalformed = errors.New("malformed report")

// GroundAltitude is the altitude stored when a transponder reports surface
// status instead of a barometric altitude.
const GroundAltitude int32 = -9999

// Position is a candidate fix extracted from a report: where the aircraft
// was and when that observation was made.
type Position struct {
	Lat     float64
	Lon     float64
	NIC     int32
	RC      int32
	SeenPos time.Time
}

// AcasRA is a normalized ACAS resolution advisory.
type AcasRA struct {
	ARA                string
	MTE                string
	RAC                string
	RAT                string
	TTI                string
	Advisory           string
	AdvisoryComplement string
	Bytes              string
	ThreatIDHex        string
	IssuedAt           time.Time
}

// Draft is a normalized aircraft state ready for enum resolution and storage.
// Tag fields hold enum vocabulary strings; the upsert path resolves them to
// IDs. Pointer fields are nullable columns.
type Draft struct {
	Hex string

	MessageType  string
	EmergencyTag string
	SILTypeTag   string // empty when the report carried no sil_type

	CallSign        *string
	Registration    *string
	AircraftType    *string
	EmitterCategory *string
	Squawk          *string
	DatabaseFlags   int64
	ADSBVersion     *int32

	BarometricAltitude     *int32
	GeometricAltitude      *int32
	BarometricVerticalRate *int32
	GeometricVerticalRate  *int32

	GroundSpeedKt        *float64
	IndicatedAirSpeedKt  *float64
	TrueAirSpeedKt       *float64
	Mach                 *float64

	Track           *float64
	TrackRate       *float64
	CalcTrack       *float64
	Roll            *float64
	MagneticHeading *float64
	TrueHeading     *float64

	NavQNH         *float64
	NavAltitudeMCP *int32
	NavAltitudeFMS *int32
	NavHeading     *float64

	Lat                 *float64
	Lon                 *float64
	NIC                 *int32
	RadiusOfContainment *int32
	NICBaro             *int32
	NACp                *int32
	NACv                *int32
	SIL                 *int32
	GVA                 *int32
	SDA                 *int32

	DistanceNM  *float64
	Bearing     *float64
	ReceiverLat *float64
	ReceiverLon *float64

	GpsOkBefore *time.Time
	GpsOkLat    *float64
	GpsOkLon    *float64

	WindDirection  *float64
	WindSpeedKt    *float64
	OutsideAirTemp *float64
	TotalAirTemp   *float64

	IsAlert *bool
	SPI     *bool

	NumMessages int64
	RSSI        float64
	Seen        time.Time
	SeenPos     *time.Time

	// Position is set when the report carries a complete fix
	// (lat, lon and seen_pos all present).
	Position *Position

	NavModes   []string
	MlatFields []string
	TisbFields []string

	AcasRA *AcasRA
}

// Normalize converts a raw report into a storage-ready draft. It is pure:
// the same raw report and receipt time always produce the same draft, and
// nothing is read or written outside its arguments.
//
// Ages in the raw report (seen, seen_pos) count backwards from receivedAt,
// so the draft carries absolute timestamps.
func Normalize(raw *Raw, receivedAt time.Time) (*Draft, error) {
	hex, err := normalizeHex(raw.Hex)
	if err != nil {
		return nil, err
	}

	if raw.Type == "" {
		return nil, fmt.Errorf("%s: missing message type: %w", hex, ErrMalformed)
	}
	if raw.RSSI == nil {
		return nil, fmt.Errorf("%s: missing rssi: %w", hex, ErrMalformed)
	}
	if raw.Seen == nil {
		return nil, fmt.Errorf("%s: missing seen: %w", hex, ErrMalformed)
	}
	if *raw.Seen < 0 {
		return nil, fmt.Errorf("%s: negative seen %f: %w", hex, *raw.Seen, ErrMalformed)
	}
	if raw.Messages == nil {
		return nil, fmt.Errorf("%s: missing messages: %w", hex, ErrMalformed)
	}
	if *raw.Messages < 0 {
		return nil, fmt.Errorf("%s: negative messages %d: %w", hex, *raw.Messages, ErrMalformed)
	}
	if raw.DBFlags == nil {
		return nil, fmt.Errorf("%s: missing dbFlags: %w", hex, ErrMalformed)
	}

	if err := checkRanges(hex, raw); err != nil {
		return nil, err
	}

	d := &Draft{
		Hex:           hex,
		MessageType:   raw.Type,
		EmergencyTag:  raw.Emergency,
		SILTypeTag:    raw.SILType,
		DatabaseFlags: *raw.DBFlags,
		NumMessages:   *raw.Messages,
		RSSI:          *raw.RSSI,
		Seen:          receivedAt.Add(-secondsToDuration(*raw.Seen)).UTC(),
	}

	// Reports with no emergency field mean "no emergency", not "unknown".
	if d.EmergencyTag == "" {
		d.EmergencyTag = "none"
	}

	d.CallSign = trimmedOrNil(raw.Flight)
	d.Registration = trimmedOrNil(raw.Registration)
	d.AircraftType = trimmedOrNil(raw.AircraftType)
	d.EmitterCategory = trimmedOrNil(raw.Category)
	d.Squawk = trimmedOrNil(raw.Squawk)

	if raw.AltBaro != nil {
		if raw.AltBaro.OnGround {
			alt := GroundAltitude
			d.BarometricAltitude = &alt
		} else {
			d.BarometricAltitude = roundToInt32(raw.AltBaro.Feet)
		}
	}
	if raw.AltGeom != nil {
		d.GeometricAltitude = roundToInt32(*raw.AltGeom)
	}
	if raw.BaroRate != nil {
		d.BarometricVerticalRate = roundToInt32(*raw.BaroRate)
	}
	if raw.GeomRate != nil {
		d.GeometricVerticalRate = roundToInt32(*raw.GeomRate)
	}

	d.GroundSpeedKt = raw.GroundSpeed
	d.IndicatedAirSpeedKt = raw.IAS
	d.TrueAirSpeedKt = raw.TAS
	d.Mach = raw.Mach

	d.Track = raw.Track
	d.TrackRate = raw.TrackRate
	d.CalcTrack = raw.CalcTrack
	d.Roll = raw.Roll
	d.MagneticHeading = raw.MagHeading
	d.TrueHeading = raw.TrueHeading

	d.NavQNH = raw.NavQNH
	if raw.NavAltitudeMCP != nil {
		d.NavAltitudeMCP = roundToInt32(*raw.NavAltitudeMCP)
	}
	if raw.NavAltitudeFMS != nil {
		d.NavAltitudeFMS = roundToInt32(*raw.NavAltitudeFMS)
	}
	d.NavHeading = raw.NavHeading

	d.Lat = raw.Lat
	d.Lon = raw.Lon
	d.NIC = intToInt32(raw.NIC)
	d.RadiusOfContainment = intToInt32(raw.RC)
	d.NICBaro = intToInt32(raw.NICBaro)
	d.NACp = intToInt32(raw.NACp)
	d.NACv = intToInt32(raw.NACv)
	d.SIL = intToInt32(raw.SIL)
	d.GVA = intToInt32(raw.GVA)
	d.SDA = intToInt32(raw.SDA)
	d.ADSBVersion = intToInt32(raw.Version)

	d.DistanceNM = raw.RDst
	d.Bearing = raw.RDir
	d.ReceiverLat = raw.RRLat
	d.ReceiverLon = raw.RRLon

	if raw.GpsOkBefore != nil {
		t := time.Unix(int64(*raw.GpsOkBefore), 0).UTC()
		d.GpsOkBefore = &t
	}
	d.GpsOkLat = raw.GpsOkLat
	d.GpsOkLon = raw.GpsOkLon

	d.WindDirection = raw.WindDir
	d.WindSpeedKt = raw.WindSpeed
	d.OutsideAirTemp = raw.OAT
	d.TotalAirTemp = raw.TAT

	d.IsAlert = intToBool(raw.Alert)
	d.SPI = intToBool(raw.SPI)

	if raw.SeenPos != nil {
		if *raw.SeenPos < 0 {
			return nil, fmt.Errorf("%s: negative seen_pos %f: %w", hex, *raw.SeenPos, ErrMalformed)
		}
		t := receivedAt.Add(-secondsToDuration(*raw.SeenPos)).UTC()
		d.SeenPos = &t
	}

	// A usable fix needs coordinates and an observation time.
	if d.Lat != nil && d.Lon != nil && d.SeenPos != nil {
		pos := &Position{
			Lat:     *d.Lat,
			Lon:     *d.Lon,
			SeenPos: *d.SeenPos,
		}
		if d.NIC != nil {
			pos.NIC = *d.NIC
		}
		if d.RadiusOfContainment != nil {
			pos.RC = *d.RadiusOfContainment
		}
		d.Position = pos
	}

	// Provenance partitioning: which fields were derived by multilateration
	// and which arrived over TIS-B. Duplicates collapse, order is kept.
	d.NavModes = dedupTags(raw.NavModes)
	d.MlatFields = dedupTags(raw.MLAT)
	d.TisbFields = dedupTags(raw.TISB)

	if raw.AcasRA != nil {
		d.AcasRA = normalizeAcasRA(raw.AcasRA, d.Seen)
	}

	return d, nil
}

func normalizeHex(hex string) (string, error) {
	if hex == "" {
		return "", fmt.Errorf("missing hex: %w", ErrMalformed)
	}

	h := strings.ToLower(strings.TrimSpace(hex))
	body := strings.TrimPrefix(h, "~")
	if len(body) != 6 {
		return "", fmt.Errorf("hex %q: want 6 hex digits: %w", hex, ErrMalformed)
	}
	for _, c := range body {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("hex %q: bad digit %q: %w", hex, c, ErrMalformed)
		}
	}
	return h, nil
}

func checkRanges(hex string, raw *Raw) error {
	type frange struct {
		name     string
		val      *float64
		min, max float64
		// exclusiveMax excludes the upper bound (angles wrap at 360).
		exclusiveMax bool
	}
	type irange struct {
		name     string
		val      *int
		min, max int
	}

	fchecks := []frange{
		{"lat", raw.Lat, -90, 90, false},
		{"lon", raw.Lon, -180, 180, false},
		{"track", raw.Track, 0, 360, true},
		{"calc_track", raw.CalcTrack, 0, 360, true},
		{"mag_heading", raw.MagHeading, 0, 360, true},
		{"true_heading", raw.TrueHeading, 0, 360, true},
		{"nav_heading", raw.NavHeading, 0, 360, true},
		{"wd", raw.WindDir, 0, 360, true},
	}
	for _, c := range fchecks {
		if c.val == nil {
			continue
		}
		v := *c.val
		if v < c.min || v > c.max || (c.exclusiveMax && v == c.max) {
			return fmt.Errorf("%s: %s %f out of range: %w", hex, c.name, v, ErrMalformed)
		}
	}

	ichecks := []irange{
		{"nic", raw.NIC, 0, 11},
		{"nac_p", raw.NACp, 0, 11},
		{"nac_v", raw.NACv, 0, 4},
		{"sil", raw.SIL, 0, 3},
		{"gva", raw.GVA, 0, 4},
		{"sda", raw.SDA, 0, 3},
		{"version", raw.Version, 0, 2},
	}
	for _, c := range ichecks {
		if c.val == nil {
			continue
		}
		v := *c.val
		if v < c.min || v > c.max {
			return fmt.Errorf("%s: %s %d out of range: %w", hex, c.name, v, ErrMalformed)
		}
	}

	return nil
}

func normalizeAcasRA(raw *RawAcasRA, fallback time.Time) *AcasRA {
	ra := &AcasRA{
		ARA:                raw.ARA,
		MTE:                raw.MTE,
		RAC:                raw.RAC,
		RAT:                raw.RAT,
		TTI:                raw.TTI,
		Advisory:           strings.TrimSpace(raw.Advisory),
		AdvisoryComplement: strings.TrimSpace(raw.AdvisoryComplement),
		Bytes:              raw.Bytes,
		ThreatIDHex:        strings.ToLower(strings.TrimSpace(raw.ThreatIDHex)),
		IssuedAt:           fallback,
	}

	if raw.UnixTimestamp != nil && *raw.UnixTimestamp > 0 {
		ts := float64(*raw.UnixTimestamp)
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * 1e9)
		ra.IssuedAt = time.Unix(sec, nsec).UTC()
	} else if raw.UTC != "" {
		if t, err := time.Parse("2006-01-02 15:04:05.000", raw.UTC); err == nil {
			ra.IssuedAt = t.UTC()
		}
	}

	return ra
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func trimmedOrNil(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}

func roundToInt32(f float64) *int32 {
	v := int32(math.Round(f))
	return &v
}

func intToInt32(p *int) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}

func intToBool(p *int) *bool {
	if p == nil {
		return nil
	}
	v := *p != 0
	return &v
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
