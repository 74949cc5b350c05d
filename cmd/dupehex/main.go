// Command dupehex scans feed snapshot files for ICAO hex addresses that are
// being used by two physical aircraft at once. Two fixes for the same hex
// that are more than 500 miles apart within 15 minutes cannot belong to one
// airframe; that pattern usually means a duplicated or spoofed transponder
// address.
//
// Output is CSV on stdout: time, hex, distance in miles, time delta in
// seconds, and a globe.adsbexchange.com trace URL for manual review.
//
// Usage:
//
//	dupehex file1.json [file2.json.bz2 ...]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"adsb_ingest/internal/ingest"
	"adsb_ingest/internal/report"
)

const (
	// Two fixes this far apart (metres) within dupeWindow are impossible
	// for one airframe.
	dupeDistanceMeters = 500 * 1609.344
	dupeWindow         = 15 * time.Minute

	// How long fixes are retained per hex, and how long a reported hex is
	// suppressed before it can be reported again.
	positionWindow = 30 * time.Minute
	reportCooldown = 30 * time.Minute
)

// fix is one timestamped position observation.
type fix struct {
	time  time.Time
	point orb.Point // lon, lat
}

// dupe records one impossible-jump detection.
type dupe struct {
	time          time.Time
	distanceMiles float64
	timeDelta     time.Duration
}

// scanner accumulates per-hex position history across snapshots.
type scanner struct {
	fixes    map[string][]fix
	reported map[string]time.Time
	found    int
}

func newScanner() *scanner {
	return &scanner{
		fixes:    make(map[string][]fix),
		reported: make(map[string]time.Time),
	}
}

// observe records a fix and returns a dupe if the two most recent fixes for
// the hex imply an impossible jump.
func (s *scanner) observe(hex string, p orb.Point, at time.Time) *dupe {
	recent := append(s.fixes[hex], fix{time: at, point: p})

	// Keep only the last positionWindow of fixes.
	kept := recent[:0]
	for _, f := range recent {
		if at.Sub(f.time) < positionWindow {
			kept = append(kept, f)
		}
	}
	s.fixes[hex] = kept

	if len(kept) < 2 {
		return nil
	}
	last, prev := kept[len(kept)-1], kept[len(kept)-2]

	delta := last.time.Sub(prev.time)
	if delta < 0 {
		delta = -delta
	}
	dist := geo.Distance(last.point, prev.point)
	if dist <= dupeDistanceMeters || delta > dupeWindow {
		return nil
	}

	// Suppress repeat reports for the same hex.
	if prevAt, ok := s.reported[hex]; ok && last.time.Sub(prevAt) < reportCooldown {
		return nil
	}
	s.reported[hex] = last.time
	s.found++

	return &dupe{
		time:          last.time,
		distanceMiles: dist / 1609.344,
		timeDelta:     delta,
	}
}

// traceURL builds a globe.adsbexchange.com link showing the 30 minutes of
// trace around the detection, clamped to the detection's UTC day.
func traceURL(hex string, at time.Time) string {
	at = at.UTC()
	dayStart := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24*time.Hour - time.Second)

	start := at.Add(-15 * time.Minute)
	if start.Before(dayStart) {
		start = dayStart
	}
	end := at.Add(15 * time.Minute)
	if end.After(dayEnd) {
		end = dayEnd
	}

	return fmt.Sprintf(
		"https://globe.adsbexchange.com/?icao=%s&showTrace=%s&trackLabels&startTime=%s&endTime=%s",
		hex, at.Format("2006-01-02"), start.Format("15:04"), end.Format("15:04"),
	)
}

func main() {
	verbose := flag.Bool("v", false, "Per-file progress on stderr")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: dupehex [-v] file1 [file2 ...]")
		fmt.Fprintln(os.Stderr, "Files may be plain JSON, JSONL, .gz or .bz2 snapshots.")
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	s := newScanner()
	fmt.Println("time,hex,distance_miles,time_delta,url")

	for _, path := range paths {
		snap, err := ingest.ReadSnapshotFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping %s: %v\n", path, err)
			continue
		}
		scanSnapshot(s, snap, os.Stdout)
		if *verbose {
			fmt.Fprintf(os.Stderr, "%s: %d aircraft, %d dupes so far\n", path, len(snap.Aircraft), s.found)
		}
	}
}

func scanSnapshot(s *scanner, snap *report.Snapshot, w io.Writer) {
	at := snap.Time()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for i := range snap.Aircraft {
		ac := &snap.Aircraft[i]
		if ac.Hex == "" || ac.Lat == nil || ac.Lon == nil {
			continue
		}
		d := s.observe(ac.Hex, orb.Point{*ac.Lon, *ac.Lat}, at)
		if d == nil {
			continue
		}
		fmt.Fprintf(w, "%s,%s,%.0f,%d,%s\n",
			d.time.UTC().Format(time.RFC3339), ac.Hex, d.distanceMiles,
			int64(d.timeDelta.Seconds()), traceURL(ac.Hex, d.time))
	}
}
