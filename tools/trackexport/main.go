// Package main provides a tool to export one aircraft's stored position
// history from the PostgreSQL database as KML or GeoJSON. KML files can be
// viewed in Google Earth; GeoJSON loads into most web mapping libraries.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
)

// KML structures for XML marshalling, following the KML 2.2 specification:
// https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string     `xml:"id,attr"`
	LineStyle *LineStyle `xml:"LineStyle,omitempty"`
}

// LineStyle defines how track lines are displayed.
type LineStyle struct {
	Color string  `xml:"color"`
	Width float64 `xml:"width"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	LineString   *LineString   `xml:"LineString,omitempty"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// LineString represents a connected path.
type LineString struct {
	Tessellate   int    `xml:"tessellate"`
	AltitudeMode string `xml:"altitudeMode"`
	Coordinates  string `xml:"coordinates"` // Format: lon,lat,altitude per point
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

func main() {
	// PostgreSQL connection flags.
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "adsb", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "", "PostgreSQL password")
	pgDB := flag.String("pg-db", "adsb", "PostgreSQL database")

	hex := flag.String("hex", "", "ICAO hex address to export (required)")
	sinceStr := flag.String("since", "", "Only include fixes after this RFC3339 time")
	limit := flag.Int("limit", 1000, "Maximum rows to fetch (capped at 1000)")
	format := flag.String("format", "kml", "Output format: kml or geojson")
	output := flag.String("output", "", "Output file (default: stdout)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *hex == "" {
		fmt.Fprintln(os.Stderr, "trackexport: -hex is required")
		flag.Usage()
		os.Exit(2)
	}
	if *format != "kml" && *format != "geojson" {
		fmt.Fprintf(os.Stderr, "Unknown format %q (want kml or geojson)\n", *format)
		os.Exit(2)
	}

	var since time.Time
	if *sinceStr != "" {
		t, err := time.Parse(time.RFC3339, *sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -since value: %v\n", err)
			os.Exit(2)
		}
		since = t
	}

	ctx := context.Background()

	pg, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		Database: *pgDB,
		User:     *pgUser,
		Password: *pgPassword,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening PostgreSQL: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	states, err := pg.GetStateHistory(ctx, strings.ToLower(*hex), since, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying history: %v\n", err)
		os.Exit(1)
	}

	track := positionedOldestFirst(states)
	if len(track) == 0 {
		fmt.Fprintf(os.Stderr, "No positioned rows found for %s\n", *hex)
		os.Exit(0)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d fixes for %s (%s to %s)\n",
			len(track), *hex,
			track[0].Seen.Format(time.RFC3339),
			track[len(track)-1].Seen.Format(time.RFC3339))
	}

	var data []byte
	switch *format {
	case "kml":
		data, err = renderKML(*hex, track)
	case "geojson":
		data, err = renderGeoJSON(*hex, track)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating %s: %v\n", *format, err)
		os.Exit(1)
	}

	if *output != "" {
		if err := os.WriteFile(*output, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(string(data))
	}
}

// positionedOldestFirst drops rows without a fix and orders the rest by time.
// History queries return newest first; tracks want the reverse.
func positionedOldestFirst(states []storage.AircraftState) []storage.AircraftState {
	track := make([]storage.AircraftState, 0, len(states))
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].Lat != nil && states[i].Lon != nil {
			track = append(track, states[i])
		}
	}
	return track
}

// altitudeMeters picks the best altitude for display, preferring geometric.
// Rows on the ground export as altitude 0.
func altitudeMeters(s *storage.AircraftState) float64 {
	feet := 0.0
	switch {
	case s.GeometricAltitude != nil:
		feet = float64(*s.GeometricAltitude)
	case s.BarometricAltitude != nil && *s.BarometricAltitude != report.GroundAltitude:
		feet = float64(*s.BarometricAltitude)
	}
	if feet < 0 {
		feet = 0
	}
	return feet * 0.3048
}

// renderKML creates a KML document with the track as a single line.
func renderKML(hex string, track []storage.AircraftState) ([]byte, error) {
	var coords strings.Builder
	for i := range track {
		fmt.Fprintf(&coords, "%.6f,%.6f,%.0f\n", *track[i].Lon, *track[i].Lat, altitudeMeters(&track[i]))
	}

	first, last := track[0], track[len(track)-1]
	name := hex
	if last.CallSign != nil && *last.CallSign != "" {
		name = fmt.Sprintf("%s (%s)", hex, *last.CallSign)
	}

	kml := KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name: name,
			Description: fmt.Sprintf("Stored track for %s, %d fixes. Generated %s.",
				hex, len(track), time.Now().Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{
					ID: "trackStyle",
					LineStyle: &LineStyle{
						Color: "ff0000ff", // KML colors are aabbggrr
						Width: 2,
					},
				},
			},
			Placemarks: []Placemark{
				{
					Name:     name,
					StyleURL: "#trackStyle",
					LineString: &LineString{
						Tessellate:   1,
						AltitudeMode: "absolute",
						Coordinates:  coords.String(),
					},
					ExtendedData: &ExtendedData{
						Data: []Data{
							{Name: "hex", Value: hex},
							{Name: "country", Value: report.CountryForHex(hex)},
							{Name: "fixes", Value: fmt.Sprintf("%d", len(track))},
							{Name: "first_seen", Value: first.Seen.Format(time.RFC3339)},
							{Name: "last_seen", Value: last.Seen.Format(time.RFC3339)},
						},
					},
				},
			},
		},
	}

	xmlData, err := xml.MarshalIndent(kml, "", "  ")
	if err != nil {
		return nil, err
	}
	return []byte(xml.Header + string(xmlData)), nil
}

// renderGeoJSON creates a FeatureCollection holding the track as a
// LineString feature.
func renderGeoJSON(hex string, track []storage.AircraftState) ([]byte, error) {
	line := make(orb.LineString, len(track))
	for i := range track {
		line[i] = orb.Point{*track[i].Lon, *track[i].Lat}
	}

	feature := geojson.NewFeature(line)
	feature.Properties["hex"] = hex
	feature.Properties["country"] = report.CountryForHex(hex)
	feature.Properties["fixes"] = len(track)
	feature.Properties["first_seen"] = track[0].Seen.Format(time.RFC3339)
	feature.Properties["last_seen"] = track[len(track)-1].Seen.Format(time.RFC3339)
	if cs := track[len(track)-1].CallSign; cs != nil && *cs != "" {
		feature.Properties["call_sign"] = *cs
	}

	fc := geojson.NewFeatureCollection()
	fc.Append(feature)
	return fc.MarshalJSON()
}
