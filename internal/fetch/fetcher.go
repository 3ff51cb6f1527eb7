// Package fetch paginates per-site datasets from the remote query
// endpoint in bounded-size chunks, with bounded concurrency across sites
// and aggregated, throttled progress reporting.
package fetch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/limnetic/sonde/internal/codec"
	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
	"github.com/limnetic/sonde/internal/remote"
)

var log = logging.Component("fetch")

// ChunkSource retrieves one page of a site's dataset. *remote.Client is
// the production implementation; tests substitute fakes.
type ChunkSource interface {
	FetchChunk(ctx context.Context, req remote.ChunkRequest) ([]measure.Record, codec.ChunkMeta, error)
}

// Options configures a Fetcher.
type Options struct {
	// ChunkSize is the requested page size.
	ChunkSize int

	// SiteConcurrency bounds how many sites are fetched in parallel;
	// remaining sites queue. This bounds memory and outbound-request
	// pressure when many sites are selected.
	SiteConcurrency int

	// MaxDepths is forwarded to the endpoint; zero means no limit.
	MaxDepths int

	// ProgressInterval throttles progress emission.
	ProgressInterval time.Duration
}

// DefaultOptions returns default fetcher options.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        100000,
		SiteConcurrency:  2,
		ProgressInterval: 200 * time.Millisecond,
	}
}

// SiteTask names one site and the windows that still need fetching
// (typically the cache's missing month buckets, or the whole request
// window when nothing was cached).
type SiteTask struct {
	Site    string
	Windows []measure.Window
}

// SiteResult is the outcome of one site's fetch. Windows echoes the
// task's fetched windows so callers persisting the records know what
// span they cover. Anomaly is non-nil when the chunk protocol
// misbehaved; Records then holds whatever accumulated before the
// anomaly.
type SiteResult struct {
	Site    string
	Windows []measure.Window
	Records []measure.Record
	Anomaly error
}

// Fetcher drives chunked per-site fetches.
type Fetcher struct {
	source ChunkSource
	opts   Options
}

// New creates a fetcher over the given chunk source.
func New(source ChunkSource, opts Options) *Fetcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	if opts.SiteConcurrency <= 0 {
		opts.SiteConcurrency = DefaultOptions().SiteConcurrency
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultOptions().ProgressInterval
	}
	return &Fetcher{source: source, opts: opts}
}

// FetchAll fetches every task with at most SiteConcurrency sites in
// flight. Protocol anomalies are confined to their site: the site's
// partial records are kept and other sites proceed. A transport error
// cancels the remaining work and propagates; the fetcher itself never
// retries.
func (f *Fetcher) FetchAll(ctx context.Context, tasks []SiteTask, fidelity measure.Fidelity, onProgress ProgressFunc) ([]SiteResult, error) {
	results := make([]SiteResult, len(tasks))
	tr := newTracker(onProgress, f.opts.ProgressInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.SiteConcurrency)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			records, err := f.fetchSiteWindows(gctx, task, fidelity, tr)

			res := SiteResult{Site: task.Site, Windows: task.Windows, Records: records}
			if err != nil {
				if serrors.IsProtocolAnomaly(err) {
					// Keep the partial data; the overall request still
					// commits with whatever sites succeeded.
					log.Warn("chunk protocol anomaly",
						"site", task.Site, "kept_records", len(records), "error", err)
					res.Anomaly = err
				} else {
					return err
				}
			}

			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// FetchSite fetches one site's dataset for a single window. It is the
// single-site form of FetchAll, used directly by tests and tools.
func (f *Fetcher) FetchSite(ctx context.Context, site string, window measure.Window, fidelity measure.Fidelity, onProgress ProgressFunc) ([]measure.Record, error) {
	tr := newTracker(onProgress, f.opts.ProgressInterval)
	return f.fetchSiteWindows(ctx, SiteTask{Site: site, Windows: []measure.Window{window}}, fidelity, tr)
}

// fetchSiteWindows runs the chunk loop for each of a site's windows in
// order, accumulating records. The first anomaly or transport error stops
// the site; accumulated records are always returned.
func (f *Fetcher) fetchSiteWindows(ctx context.Context, task SiteTask, fidelity measure.Fidelity, tr *tracker) ([]measure.Record, error) {
	acc := measure.NewRecordBatch(f.opts.ChunkSize)

	// Total is unknown until the first chunk response of each window.
	var knownTotal int64 = -1

	for _, w := range task.Windows {
		if err := f.chunkLoop(ctx, task.Site, w, fidelity, acc, tr, &knownTotal); err != nil {
			tr.update(task.Site, int64(acc.Len()), knownTotal, true)
			return acc.Records, err
		}
	}

	tr.update(task.Site, int64(acc.Len()), knownTotal, true)
	return acc.Records, nil
}

// chunkLoop pages through one site/window until the source reports no
// more data. Chunks are requested and appended strictly in offset order.
//
// Safety invariants, violations of which are fatal for this site's fetch
// (never silently retried): the next offset must strictly exceed the
// current offset, and an empty chunk must not claim has_more.
func (f *Fetcher) chunkLoop(ctx context.Context, site string, window measure.Window, fidelity measure.Fidelity, acc *measure.RecordBatch, tr *tracker, knownTotal *int64) error {
	var offset int64
	first := true

	for {
		// Cancellation is checked before every network call; once the
		// context is done the loop unwinds without further progress.
		if err := ctx.Err(); err != nil {
			return err
		}

		records, meta, err := f.source.FetchChunk(ctx, remote.ChunkRequest{
			Site:      site,
			Window:    window,
			Fidelity:  fidelity,
			ChunkSize: f.opts.ChunkSize,
			Offset:    offset,
			MaxDepths: f.opts.MaxDepths,
		})
		if err != nil {
			return err
		}

		if first && meta.TotalRecords >= 0 {
			if *knownTotal < 0 {
				*knownTotal = 0
			}
			*knownTotal += meta.TotalRecords
			first = false
		}

		acc.Append(measure.StampSite(records, site)...)

		if err := ctx.Err(); err != nil {
			return err
		}
		tr.update(site, int64(acc.Len()), *knownTotal, false)

		if len(records) == 0 && meta.HasMore {
			return serrors.NewAnomaly(site, offset, serrors.ErrEmptyChunkHasMore)
		}

		if !meta.HasMore {
			return nil
		}

		next := meta.Offset + int64(len(records))
		if next <= offset {
			return serrors.NewAnomaly(site, offset, serrors.ErrOffsetNotAdvanced)
		}
		offset = next
	}
}
