package ingest

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"adsb_ingest/internal/report"
)

// OpenSnapshot opens a snapshot file for reading, transparently
// decompressing bzip2 and gzip archives by extension.
func OpenSnapshot(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".bz2":
		return &snapshotReader{r: bzip2.NewReader(f), f: f}, nil
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &snapshotReader{r: zr, c: zr, f: f}, nil
	default:
		return f, nil
	}
}

type snapshotReader struct {
	r io.Reader
	c io.Closer // decompressor, when it needs closing
	f *os.File
}

func (s *snapshotReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *snapshotReader) Close() error {
	if s.c != nil {
		_ = s.c.Close()
	}
	return s.f.Close()
}

// ReadSnapshotFile reads one snapshot document from a file. Whole readsb
// aircraft.json documents parse directly; JSONL archives with one aircraft
// entry per line are collected into a synthetic snapshot.
func ReadSnapshotFile(path string) (*report.Snapshot, error) {
	rc, err := OpenSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var snap report.Snapshot
	if err := json.Unmarshal(data, &snap); err == nil && (snap.Now != 0 || len(snap.Aircraft) > 0) {
		return &snap, nil
	}

	snapJSONL, err := scanJSONL(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return snapJSONL, nil
}

// scanJSONL parses one aircraft entry per line. Unparseable lines are
// skipped.
func scanJSONL(data []byte) (*report.Snapshot, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	// JSON lines can be long; bump buffer (60MB).
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 60*1024*1024)

	snap := &report.Snapshot{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw report.Raw
		if err := json.Unmarshal([]byte(line), &raw); err != nil || raw.Hex == "" {
			continue
		}
		snap.Aircraft = append(snap.Aircraft, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(snap.Aircraft) == 0 {
		return nil, errors.New("no aircraft entries found")
	}
	return snap, nil
}

// DecodeFeedMessage decodes one feed payload, autodetecting whether it
// carries a whole snapshot or a single aircraft entry.
func DecodeFeedMessage(data []byte) (*report.Snapshot, error) {
	var snap report.Snapshot
	if err := json.Unmarshal(data, &snap); err == nil && (snap.Now != 0 || len(snap.Aircraft) > 0) {
		return &snap, nil
	}

	var raw report.Raw
	if err := json.Unmarshal(data, &raw); err == nil && raw.Hex != "" {
		return &report.Snapshot{Aircraft: []report.Raw{raw}}, nil
	}

	return nil, errors.New("unrecognized feed payload")
}

// ImportFiles reads and applies each snapshot file in order. A file that
// cannot be read is logged and skipped so one bad archive does not abort a
// multi-day import.
func (p *Pipeline) ImportFiles(ctx context.Context, paths []string) error {
	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		snap, err := ReadSnapshotFile(path)
		if err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable snapshot file")
			continue
		}

		if err := p.ProcessSnapshot(ctx, snap); err != nil {
			return err
		}
		p.log.Info().Str("path", path).Int("aircraft", len(snap.Aircraft)).Msg("Imported snapshot")
	}
	return p.Flush(ctx)
}
