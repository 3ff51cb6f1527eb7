// Package slicecache stores fetched measurement data in a persistent
// key/value collaborator, split into calendar-month slices so later
// queries spanning a different but overlapping window can reuse the
// buckets they have in common.
//
// The cache is an optimization, never a correctness dependency: every
// storage error degrades to a miss and the caller falls through to the
// network. Expiry is lazy - a slice older than its TTL is treated as
// absent on read, with an optional opportunistic sweep.
package slicecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
)

var log = logging.Component("slicecache")

const keyPrefix = "slice/"

// sliceEnvelope is the stored form of one month slice. A fetch rarely
// spans a month exactly, so the envelope records which part of its month
// the fetch actually covered; reads serve only that part and report the
// remainder as missing.
type sliceEnvelope struct {
	SavedAtMs      int64            `json:"saved_at_ms"`
	TTLMs          int64            `json:"ttl_ms"`
	CoveredStartMs int64            `json:"covered_start_ms"`
	CoveredEndMs   int64            `json:"covered_end_ms"`
	Records        []measure.Record `json:"records"`
}

// covered returns the envelope's covered window.
func (e sliceEnvelope) covered() measure.Window {
	return measure.Window{
		Start: time.UnixMilli(e.CoveredStartMs).UTC(),
		End:   time.UnixMilli(e.CoveredEndMs).UTC(),
	}
}

// Result is the outcome of a slice lookup: records served from cache and
// the month windows that still need a network fetch.
type Result struct {
	Cached  []measure.Record
	Missing []measure.Window
}

// Cache is the persistent slice cache.
type Cache struct {
	kv  KV
	ttl time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a slice cache over the given KV collaborator.
func New(kv KV, ttl time.Duration) (*Cache, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}

	return &Cache{
		kv:  kv,
		ttl: ttl,
		enc: enc,
		dec: dec,
		now: time.Now,
	}, nil
}

// sliceKey builds the composite key (site, month bucket, fingerprint).
func sliceKey(site, bucket, fingerprint string) string {
	return keyPrefix + site + "/" + bucket + "/" + fingerprint
}

// GetSlices looks up the calendar-month buckets covering window for one
// site. Valid slices contribute their records where the slice's covered
// window overlaps the request; everything else, including the uncovered
// remainder of a partially covered month, becomes a missing window the
// caller fetches from the network. Storage errors degrade to a full
// miss.
func (c *Cache) GetSlices(ctx context.Context, site string, window measure.Window, fingerprint string) Result {
	buckets := MonthBuckets(window)
	result := Result{}

	for _, b := range buckets {
		key := sliceKey(site, b.Label, fingerprint)
		needed := b.Clamp(window)

		raw, found, err := c.kv.Get(ctx, key)
		if err != nil {
			log.Warn("slice read failed, treating as miss", "key", key, "error", err)
			result.Missing = append(result.Missing, needed)
			continue
		}
		if !found {
			result.Missing = append(result.Missing, needed)
			continue
		}

		env, err := c.decodeEnvelope(raw)
		if err != nil {
			log.Warn("slice decode failed, treating as miss", "key", key, "error", err)
			result.Missing = append(result.Missing, needed)
			continue
		}

		if c.expired(env) {
			log.Debug("slice expired", "key", key, "saved_at_ms", env.SavedAtMs)
			result.Missing = append(result.Missing, needed)
			continue
		}

		covered := env.covered()
		if !covered.Valid() {
			result.Missing = append(result.Missing, needed)
			continue
		}

		if inter, ok := needed.Intersect(covered); ok {
			result.Cached = append(result.Cached,
				measure.FilterWindow(env.Records, inter.Start, inter.End)...)
		}
		result.Missing = append(result.Missing, needed.Subtract(covered)...)
	}

	return result
}

// PutSlices groups records by the calendar month their timestamp falls
// into and stores each group as a separate slice. windows are the
// windows the fetch actually ran, which bound each slice's covered
// window: a slice never claims more of its month than was fetched, so a
// partial-month fetch reads back with the remainder still missing. When
// new coverage is contiguous with a still-valid stored slice the two
// merge instead of the write discarding the stored half.
func (c *Cache) PutSlices(ctx context.Context, records []measure.Record, site string, windows []measure.Window, fingerprint string) error {
	if len(records) == 0 {
		return nil
	}

	byBucket := make(map[string][]measure.Record)
	for _, r := range records {
		label := BucketLabel(r.TimestampTime())
		byBucket[label] = append(byBucket[label], r)
	}

	savedAt := c.now().UnixMilli()

	for label, rs := range byBucket {
		env := c.buildEnvelope(ctx, site, label, fingerprint, rs, windows, savedAt)

		raw, err := c.encodeEnvelope(env)
		if err != nil {
			return err
		}

		key := sliceKey(site, label, fingerprint)
		if err := c.kv.Put(ctx, key, raw); err != nil {
			// Write failures are logged and swallowed: the cache must
			// never turn a successful fetch into an error.
			log.Warn("slice write failed", "key", key, "error", err)
			return nil
		}
	}

	return nil
}

// buildEnvelope assembles one month's slice: the fresh records plus,
// where coverage is contiguous with a still-valid stored slice, the
// stored records the new fetch did not re-cover. Coverage is a single
// interval per slice; disjoint coverage keeps the widest contiguous run
// and anything outside it reads back as missing.
func (c *Cache) buildEnvelope(ctx context.Context, site, label, fingerprint string, rs []measure.Record, windows []measure.Window, savedAt int64) sliceEnvelope {
	b := bucketFor(rs[0].TimestampTime())
	month := measure.Window{Start: b.Start, End: b.End}

	parts := make([]measure.Window, 0, len(windows))
	for _, w := range windows {
		if p, ok := month.Intersect(w); ok {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		// No fetch window named this month; claim only the records' span.
		parts = append(parts, recordSpan(rs))
	}

	var prev sliceEnvelope
	prevValid := false
	if raw, found, err := c.kv.Get(ctx, sliceKey(site, label, fingerprint)); err == nil && found {
		if env, derr := c.decodeEnvelope(raw); derr == nil && !c.expired(env) && env.covered().Valid() {
			prev, prevValid = env, true
		}
	}

	all := parts
	if prevValid {
		all = append(all, prev.covered())
	}
	covered := widestRun(all)

	merged := measure.FilterWindow(rs, covered.Start, covered.End)
	if prevValid {
		// Stored records survive only where the new fetch did not
		// re-cover; inside the fetched windows the fresh data wins.
		remainders := []measure.Window{covered}
		for _, p := range parts {
			var next []measure.Window
			for _, r := range remainders {
				next = append(next, r.Subtract(p)...)
			}
			remainders = next
		}
		for _, r := range remainders {
			merged = append(merged, measure.FilterWindow(prev.Records, r.Start, r.End)...)
		}
		measure.SortByTime(merged)
	}

	return sliceEnvelope{
		SavedAtMs:      savedAt,
		TTLMs:          c.ttl.Milliseconds(),
		CoveredStartMs: covered.Start.UnixMilli(),
		CoveredEndMs:   covered.End.UnixMilli(),
		Records:        merged,
	}
}

// recordSpan is the closed window spanned by the records' timestamps.
func recordSpan(rs []measure.Record) measure.Window {
	span := measure.Window{Start: rs[0].TimestampTime(), End: rs[0].TimestampTime()}
	for _, r := range rs[1:] {
		t := r.TimestampTime()
		if t.Before(span.Start) {
			span.Start = t
		}
		if t.After(span.End) {
			span.End = t
		}
	}
	return span
}

// Clear removes every stored slice.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.kv.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes expired slices. Expiry is lazy so this is optional; the
// daemon runs it opportunistically at startup.
func (c *Cache) Sweep(ctx context.Context) (removed int, err error) {
	keys, err := c.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}

	for _, k := range keys {
		raw, found, err := c.kv.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		env, err := c.decodeEnvelope(raw)
		if err != nil || c.expired(env) {
			if delErr := c.kv.Delete(ctx, k); delErr == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Info("swept expired slices", "removed", removed)
	}
	return removed, nil
}

// expired reports whether the envelope's TTL has lapsed.
func (c *Cache) expired(env sliceEnvelope) bool {
	age := c.now().UnixMilli() - env.SavedAtMs
	return age > env.TTLMs
}

func (c *Cache) encodeEnvelope(env sliceEnvelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *Cache) decodeEnvelope(raw []byte) (sliceEnvelope, error) {
	var env sliceEnvelope

	plain, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return env, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	if err := json.Unmarshal(plain, &env); err != nil {
		return env, serrors.Wrap(serrors.ErrCacheStorage, err.Error())
	}
	return env, nil
}

// SetClock overrides the cache's clock (test helper).
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// =============================================================================
// Month buckets
// =============================================================================

// Bucket is one calendar-month bucket of a window.
type Bucket struct {
	Label string // "2026-01"
	Start time.Time
	End   time.Time // exclusive month end, minus nothing; clamped on use
}

// BucketLabel returns the calendar-month label for an instant, in UTC.
func BucketLabel(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), int(u.Month()))
}

// Clamp intersects the bucket with a request window.
func (b Bucket) Clamp(w measure.Window) measure.Window {
	out := measure.Window{Start: b.Start, End: b.End}
	if w.Start.After(out.Start) {
		out.Start = w.Start
	}
	if w.End.Before(out.End) {
		out.End = w.End
	}
	return out
}

// MonthBuckets splits a window into the calendar-month buckets it touches.
func MonthBuckets(w measure.Window) []Bucket {
	if !w.Valid() {
		return nil
	}

	var buckets []Bucket

	cur := time.Date(w.Start.UTC().Year(), w.Start.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(w.End.UTC()) {
		buckets = append(buckets, bucketFor(cur))
		cur = cur.AddDate(0, 1, 0)
	}

	return buckets
}

// bucketFor returns the calendar-month bucket containing an instant.
func bucketFor(t time.Time) Bucket {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Bucket{
		Label: BucketLabel(start),
		Start: start,
		End:   start.AddDate(0, 1, 0).Add(-time.Millisecond),
	}
}

// widestRun coalesces windows that overlap or touch at millisecond
// granularity and returns the widest contiguous run.
func widestRun(parts []measure.Window) measure.Window {
	if len(parts) == 0 {
		return measure.Window{}
	}

	sorted := make([]measure.Window, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	best := sorted[0]
	cur := sorted[0]
	for _, p := range sorted[1:] {
		if !p.Start.After(cur.End.Add(time.Millisecond)) {
			if p.End.After(cur.End) {
				cur.End = p.End
			}
		} else {
			cur = p
		}
		if cur.End.Sub(cur.Start) > best.End.Sub(best.Start) {
			best = cur
		}
	}
	return best
}
