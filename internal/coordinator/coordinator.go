// Package coordinator orchestrates data loading for the redox-analysis
// view: it builds request keys, decides between in-memory reuse, cache
// slices, and network fetches, cancels superseded in-flight work, and
// commits only the result of the most recent request.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/fetch"
	"github.com/limnetic/sonde/internal/fidelity"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
	"github.com/limnetic/sonde/internal/series"
	"github.com/limnetic/sonde/internal/slicecache"
)

var log = logging.Component("coordinator")

// Filters is the user-driven request input. Window takes precedence over
// Preset when both are set.
type Filters struct {
	Sites    []string
	Window   measure.Window
	Preset   string
	Fidelity measure.Fidelity
	View     string
}

// Options configures a Coordinator.
type Options struct {
	// Debounce coalesces rapid successive filter edits into one request.
	Debounce time.Duration

	// DownsampleGrid is the fidelity downsample alignment grid.
	DownsampleGrid time.Duration

	// SeriesPackThreshold configures the series builder.
	SeriesPackThreshold int
}

// DefaultOptions returns default coordinator options.
func DefaultOptions() Options {
	return Options{
		Debounce:            300 * time.Millisecond,
		DownsampleGrid:      2 * time.Hour,
		SeriesPackThreshold: 20000,
	}
}

// Coordinator owns the loader state for one session: the last committed
// dataset, the current request epoch, and any in-flight work. All
// cross-call state lives in explicit fields with the coordinator's
// lifetime, never in package globals.
type Coordinator struct {
	fetcher *fetch.Fetcher
	cache   *slicecache.Cache // nil disables the persistent cache
	fid     *fidelity.Manager
	builder *series.Builder
	opts    Options
	machine *machine

	// epoch increases once per coalesced request; a result commits iff
	// its epoch equals the current epoch at commit time.
	epoch atomic.Int64

	mu           sync.Mutex
	committed    *Dataset
	cancelPrev   context.CancelFunc
	listeners    []Listener
	lastProgress ProgressEvent
	closed       bool

	// flight collapses concurrent identical requests into one load.
	flight singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a coordinator. cache may be nil to disable slice caching.
func New(fetcher *fetch.Fetcher, cache *slicecache.Cache, opts Options) *Coordinator {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.DownsampleGrid <= 0 {
		opts.DownsampleGrid = DefaultOptions().DownsampleGrid
	}

	return &Coordinator{
		fetcher: fetcher,
		cache:   cache,
		fid:     fidelity.NewManager(opts.DownsampleGrid),
		builder: series.NewBuilder(opts.SeriesPackThreshold),
		opts:    opts,
		machine: newMachine(),
		now:     time.Now,
	}
}

// Subscribe registers an event listener for progress and terminal events.
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current load state.
func (c *Coordinator) State() State {
	return c.machine.State()
}

// Committed returns the last committed dataset, or nil.
func (c *Coordinator) Committed() *Dataset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Progress returns a copy of the most recent progress snapshot.
func (c *Coordinator) Progress() ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProgress.clone()
}

// RequestData resolves filters into a committed dataset.
//
// If the computed key equals the last committed dataset's key and that
// dataset is non-empty, the committed dataset returns immediately with no
// work. If the fidelity manager allows reuse, the committed dataset is
// filtered in memory and re-committed without network I/O. Otherwise the
// request epoch advances, any in-flight work from a prior epoch is
// cancelled, and the missing data is fetched; only a result whose epoch
// is still current at commit time is committed.
func (c *Coordinator) RequestData(ctx context.Context, f Filters) (*Dataset, error) {
	key := c.buildKey(f)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, serrors.ErrClosed
	}
	last := c.committed
	c.mu.Unlock()

	// Hard idempotence: repeating identical filters after a successful
	// non-empty load never re-fetches.
	if last != nil && !last.Empty() && key.Equal(last.Key) {
		log.Debug("identical request, returning committed dataset", "key", key.String())
		return last, nil
	}

	// In-memory reuse: exact or downsample, no network.
	if last != nil {
		if dec := c.fid.CanReuse(key, last.Key, !last.Empty()); dec.Reuse {
			log.Debug("reusing committed dataset", "mode", dec.Mode.String(), "key", key.String())
			return c.commitReused(key, c.fid.Apply(dec, last.Records))
		}
	}

	// Full load; concurrent identical requests collapse into one.
	v, err, _ := c.flight.Do(key.String(), func() (interface{}, error) {
		return c.load(ctx, key, f)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dataset), nil
}

// Reset cancels in-flight work, clears committed data, and returns to
// Idle.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.epoch.Add(1)
	if c.cancelPrev != nil {
		c.cancelPrev()
		c.cancelPrev = nil
	}
	c.committed = nil
	c.lastProgress = ProgressEvent{}
	c.mu.Unlock()

	c.machine.reset()
}

// Close tears the coordinator down. Further RequestData calls fail.
func (c *Coordinator) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// ClearCache drops every persisted slice.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}

// =============================================================================
// Load pipeline
// =============================================================================

// load runs one epoch's fetch: debounce, cache consult, chunked fetch,
// merge, and epoch-guarded commit.
func (c *Coordinator) load(ctx context.Context, key measure.FetchKey, f Filters) (*Dataset, error) {
	epoch := c.epoch.Add(1)

	c.mu.Lock()
	if c.cancelPrev != nil {
		// Cancel still-pending work from a prior epoch; it unwinds
		// cooperatively and never commits.
		c.cancelPrev()
	}
	fctx, cancel := context.WithCancel(ctx)
	c.cancelPrev = cancel
	c.mu.Unlock()

	if err := c.machine.start(); err != nil {
		return nil, err
	}

	if err := c.debounce(fctx, epoch); err != nil {
		return nil, c.quiet(epoch, err)
	}

	// Consult the slice cache per site; only missing buckets hit the
	// network.
	cached, tasks := c.consultCache(fctx, key)

	var results []fetch.SiteResult
	if len(tasks) > 0 {
		var err error
		results, err = c.fetcher.FetchAll(fctx, tasks, key.Fidelity, func(p *measure.Progress) {
			c.emitProgress(epoch, ModeChunked, p)
		})
		if err != nil {
			if serrors.IsCancellation(err) {
				return nil, c.quiet(epoch, err)
			}
			return nil, c.fail(epoch, key, f, err)
		}
	}

	ds := c.merge(fctx, key, epoch, cached, results)

	committed, err := c.commit(epoch, ds)
	if err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		// Entirely cache-served: emit one full progress snapshot.
		p := measure.NewProgress()
		for _, site := range key.Sites {
			n := int64(0)
			for _, r := range committed.Records {
				if r.Site == site {
					n++
				}
			}
			p.Set(site, n, n)
		}
		c.emitProgress(epoch, ModeSingle, p)
	}

	c.emitTerminal(committed, nil, f)
	return committed, nil
}

// debounce waits out the coalescing window, honoring cancellation. A
// request superseded during the window unwinds before any network I/O.
func (c *Coordinator) debounce(ctx context.Context, epoch int64) error {
	if c.opts.Debounce <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(c.opts.Debounce)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if epoch != c.epoch.Load() {
		return serrors.ErrRequestSuperseded
	}
	return nil
}

// consultCache returns cached records and the per-site tasks covering the
// buckets the cache could not serve.
func (c *Coordinator) consultCache(ctx context.Context, key measure.FetchKey) ([]measure.Record, []fetch.SiteTask) {
	if c.cache == nil {
		tasks := make([]fetch.SiteTask, 0, len(key.Sites))
		for _, site := range key.Sites {
			tasks = append(tasks, fetch.SiteTask{Site: site, Windows: []measure.Window{key.Window}})
		}
		return nil, tasks
	}

	fingerprint := key.Fingerprint()
	var cached []measure.Record
	var tasks []fetch.SiteTask

	for _, site := range key.Sites {
		res := c.cache.GetSlices(ctx, site, key.Window, fingerprint)
		cached = append(cached, res.Cached...)
		if len(res.Missing) > 0 {
			tasks = append(tasks, fetch.SiteTask{Site: site, Windows: res.Missing})
		}
	}

	if len(cached) > 0 {
		log.Debug("cache served records", "records", len(cached), "network_tasks", len(tasks))
	}
	return cached, tasks
}

// merge combines cached and freshly fetched records into one dataset,
// persists new slices, and derives the per-site series.
func (c *Coordinator) merge(ctx context.Context, key measure.FetchKey, epoch int64, cached []measure.Record, results []fetch.SiteResult) *Dataset {
	records := make([]measure.Record, 0, len(cached))
	records = append(records, cached...)

	anomalies := make(map[string]error)
	fingerprint := key.Fingerprint()

	for _, res := range results {
		records = append(records, res.Records...)

		if res.Anomaly != nil {
			anomalies[res.Site] = res.Anomaly
			continue
		}

		// Persist complete sites only: an anomaly's partial data must
		// not masquerade as a full month slice.
		if c.cache != nil && len(res.Records) > 0 {
			if err := c.cache.PutSlices(ctx, res.Records, res.Site, res.Windows, fingerprint); err != nil {
				log.Warn("slice persist failed", "site", res.Site, "error", err)
			}
		}
	}

	measure.SortByTime(records)

	return &Dataset{
		Key:       key,
		Records:   records,
		Series:    c.builder.Build(records),
		Epoch:     epoch,
		Anomalies: anomalies,
	}
}

// commit installs the dataset iff its epoch is still current. Stale
// results are dropped with a debug log, never surfaced as errors.
func (c *Coordinator) commit(epoch int64, ds *Dataset) (*Dataset, error) {
	c.mu.Lock()
	if epoch != c.epoch.Load() {
		c.mu.Unlock()
		log.Debug("stale result discarded", "epoch", epoch, "current", c.epoch.Load())
		return nil, serrors.ErrRequestSuperseded
	}
	c.committed = ds
	c.mu.Unlock()

	if err := c.machine.setData(); err != nil {
		log.Debug("state transition skipped", "error", err)
	}
	return ds, nil
}

// commitReused commits an in-memory filtered dataset under a fresh epoch,
// cancelling any in-flight work it supersedes.
func (c *Coordinator) commitReused(key measure.FetchKey, records []measure.Record) (*Dataset, error) {
	epoch := c.epoch.Add(1)

	c.mu.Lock()
	if c.cancelPrev != nil {
		c.cancelPrev()
		c.cancelPrev = nil
	}
	c.mu.Unlock()

	if err := c.machine.start(); err != nil {
		return nil, err
	}

	ds := &Dataset{
		Key:     key,
		Records: records,
		Series:  c.builder.Build(records),
		Epoch:   epoch,
	}

	committed, err := c.commit(epoch, ds)
	if err != nil {
		return nil, err
	}

	p := measure.NewProgress()
	for _, site := range key.Sites {
		n := int64(0)
		for _, r := range records {
			if r.Site == site {
				n++
			}
		}
		p.Set(site, n, n)
	}
	c.emitProgress(epoch, ModeSingle, p)
	c.emitTerminal(committed, nil, Filters{})

	return committed, nil
}

// quiet suppresses a cancellation: debug log, no event, no state change.
func (c *Coordinator) quiet(epoch int64, err error) error {
	log.Debug("request unwound quietly", "epoch", epoch, "reason", err)
	return serrors.ErrRequestSuperseded
}

// fail marks the request failed and emits an error terminal event with a
// retry callback. The previously committed dataset stays visible.
func (c *Coordinator) fail(epoch int64, key measure.FetchKey, f Filters, err error) error {
	if epoch != c.epoch.Load() {
		return c.quiet(epoch, err)
	}

	log.Error("request failed", "key", key.String(), "error", err)
	if terr := c.machine.setError(); terr != nil {
		log.Debug("state transition skipped", "error", terr)
	}

	c.emitTerminal(nil, err, f)
	return err
}

// =============================================================================
// Events
// =============================================================================

// emitProgress stores and fans out a progress snapshot, unless the epoch
// has already been superseded.
func (c *Coordinator) emitProgress(epoch int64, mode FetchMode, p *measure.Progress) {
	if epoch != c.epoch.Load() {
		return
	}

	loaded, expected := p.Totals()
	event := ProgressEvent{
		Mode:          mode,
		PerSite:       p.Clone().PerSite,
		TotalLoaded:   loaded,
		TotalExpected: expected,
	}

	c.mu.Lock()
	// The stored snapshot never shares a map with the fanned-out event.
	c.lastProgress = event.clone()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnProgress(event)
	}
}

// emitTerminal fans out the request outcome.
func (c *Coordinator) emitTerminal(ds *Dataset, err error, f Filters) {
	var event TerminalEvent

	switch {
	case err != nil:
		event = TerminalEvent{
			Status:  StatusError,
			Err:     err,
			Message: "loading redox data failed: " + err.Error(),
		}
		if serrors.IsRetriable(err) {
			filters := f
			event.Retry = func() {
				// Retries run detached from the failed request's context.
				go c.RequestData(context.Background(), filters)
			}
		}
	case ds.Empty():
		event = TerminalEvent{Status: StatusEmpty, Dataset: ds}
	default:
		event = TerminalEvent{Status: StatusSuccess, Dataset: ds}
	}

	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTerminal(event)
	}
}

// =============================================================================
// Keys
// =============================================================================

// buildKey normalizes filters into a FetchKey, resolving preset windows
// against the coordinator's clock.
func (c *Coordinator) buildKey(f Filters) measure.FetchKey {
	window := f.Window
	if !window.Valid() {
		window = measure.WindowFromPreset(f.Preset, c.now())
	}
	return measure.NewFetchKey(f.Sites, window, f.Fidelity, measure.NormalizeView(f.View))
}
