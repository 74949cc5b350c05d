// Package ingest drives aircraft state reports from feed snapshots through
// normalization into storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
)

// Store applies normalized reports to the system of record.
type Store interface {
	InsertReport(ctx context.Context, dr *report.Draft) (storage.ApplyResult, error)
}

// Archiver receives applied reports for the analytics archive.
type Archiver interface {
	InsertStates(ctx context.Context, rows []storage.StateRow) error
}

const (
	lockStripes      = 64
	archiveBatchSize = 500
	maxApplyRetries  = 3 // retries after the first attempt
)

// Options configures a Pipeline. A nil Archiver disables archiving, a nil
// Registry leaves metrics unregistered and nil Bounds accepts every report.
type Options struct {
	Archiver Archiver
	Logger   zerolog.Logger
	Registry prometheus.Registerer
	Workers  int
	Bounds   *report.Bounds
	ImportID uuid.UUID
}

// Counts holds cumulative processing counters for one pipeline.
type Counts struct {
	Received          int64
	Applied           int64
	Malformed         int64
	EnumFailed        int64
	Stale             int64
	Failed            int64
	OutOfBounds       int64
	PositionsAdvanced int64
}

// Pipeline normalizes raw reports and applies them with per-aircraft
// serialization and bounded retries.
type Pipeline struct {
	store    Store
	archiver Archiver
	log      zerolog.Logger
	metrics  *metrics
	workers  int
	bounds   *report.Bounds
	importID uuid.UUID

	// Applies for the same hex must not interleave; hashing the hex onto
	// a lock stripe serializes them without a lock per aircraft.
	locks [lockStripes]sync.Mutex

	mu      sync.Mutex
	counts  Counts
	pending []storage.StateRow
}

// New creates a pipeline writing to the given store.
func New(store Store, opts Options) *Pipeline {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		store:    store,
		archiver: opts.Archiver,
		log:      opts.Logger,
		metrics:  newMetrics(opts.Registry),
		workers:  workers,
		bounds:   opts.Bounds,
		importID: opts.ImportID,
	}
}

// ProcessSnapshot fans a snapshot's aircraft out across the worker pool and
// waits until every report has been applied or rejected.
func (p *Pipeline) ProcessSnapshot(ctx context.Context, snap *report.Snapshot) error {
	receivedAt := snap.Time()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	jobs := make(chan *report.Raw)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range jobs {
				p.ProcessReport(ctx, raw, receivedAt)
			}
		}()
	}

feed:
	for i := range snap.Aircraft {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- &snap.Aircraft[i]:
		}
	}
	close(jobs)
	wg.Wait()

	p.metrics.snapshots.Inc()
	return ctx.Err()
}

// ProcessReport normalizes and applies a single report. When bounds are set,
// reports outside the box are skipped, as are reports with no position.
func (p *Pipeline) ProcessReport(ctx context.Context, raw *report.Raw, receivedAt time.Time) {
	p.mu.Lock()
	p.counts.Received++
	p.mu.Unlock()

	if p.bounds != nil {
		if raw.Lat == nil || raw.Lon == nil || !p.bounds.Contains(*raw.Lat, *raw.Lon) {
			p.metrics.reports.WithLabelValues(outcomeOutOfBounds).Inc()
			p.mu.Lock()
			p.counts.OutOfBounds++
			p.mu.Unlock()
			return
		}
	}

	dr, err := report.Normalize(raw, receivedAt)
	if err != nil {
		p.metrics.reports.WithLabelValues(outcomeMalformed).Inc()
		p.mu.Lock()
		p.counts.Malformed++
		p.mu.Unlock()
		p.log.Debug().Err(err).Str("hex", raw.Hex).Msg("Dropping malformed report")
		return
	}

	start := time.Now()
	res, err := p.applyWithRetry(ctx, dr)
	p.metrics.applyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.recordFailure(dr.Hex, err)
		return
	}

	p.metrics.reports.WithLabelValues(outcomeApplied).Inc()
	if res.PositionAdvanced {
		p.metrics.agedPositions.Inc()
	}
	p.mu.Lock()
	p.counts.Applied++
	if res.PositionAdvanced {
		p.counts.PositionsAdvanced++
	}
	p.mu.Unlock()

	if p.archiver != nil {
		p.bufferArchiveRow(ctx, storage.NewStateRow(dr, p.importID))
	}
}

// applyWithRetry applies a draft, retrying transient failures with
// exponential backoff. The stripe lock is held across retries so a retried
// report never interleaves with a newer one for the same aircraft.
func (p *Pipeline) applyWithRetry(ctx context.Context, dr *report.Draft) (storage.ApplyResult, error) {
	lock := &p.locks[stripeFor(dr.Hex)]
	lock.Lock()
	defer lock.Unlock()

	var res storage.ApplyResult
	op := func() error {
		r, err := p.store.InsertReport(ctx, dr)
		if err != nil {
			if storage.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxApplyRetries), ctx))
	return res, err
}

func stripeFor(hex string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hex))
	return h.Sum32() % lockStripes
}

func (p *Pipeline) recordFailure(hex string, err error) {
	var outcome string
	switch {
	case errors.Is(err, storage.ErrEnumResolutionFailed):
		outcome = outcomeEnumFailed
	case errors.Is(err, storage.ErrStaleReport):
		outcome = outcomeStale
	case errors.Is(err, storage.ErrStorageConflict):
		outcome = outcomeConflict
	default:
		outcome = outcomeStorageError
	}
	p.metrics.reports.WithLabelValues(outcome).Inc()

	p.mu.Lock()
	switch outcome {
	case outcomeEnumFailed:
		p.counts.EnumFailed++
	case outcomeStale:
		p.counts.Stale++
	default:
		p.counts.Failed++
	}
	p.mu.Unlock()

	// Stale reports are routine when replaying archives.
	if outcome == outcomeStale {
		p.log.Debug().Str("hex", hex).Msg("Stale report superseded by stored row")
		return
	}
	p.log.Warn().Err(err).Str("hex", hex).Str("outcome", outcome).Msg("Report apply failed")
}

func (p *Pipeline) bufferArchiveRow(ctx context.Context, row storage.StateRow) {
	p.mu.Lock()
	p.pending = append(p.pending, row)
	full := len(p.pending) >= archiveBatchSize
	p.mu.Unlock()

	if full {
		if err := p.Flush(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Archive flush failed")
		}
	}
}

// Flush writes any buffered archive rows. Batches flush themselves when
// full; call this once after the last report of a run.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.archiver == nil {
		return nil
	}

	p.mu.Lock()
	rows := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := p.archiver.InsertStates(ctx, rows); err != nil {
		return fmt.Errorf("archive %d rows: %w", len(rows), err)
	}
	p.metrics.archivedRows.Add(float64(len(rows)))
	return nil
}

// Counts returns a copy of the cumulative processing counters.
func (p *Pipeline) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// ObservePositionReject records a fix rejected by the aging tracker. Wire it
// to the tracker's reject callback.
func (p *Pipeline) ObservePositionReject(reason string) {
	p.metrics.positionRejects.WithLabelValues(reason).Inc()
}
