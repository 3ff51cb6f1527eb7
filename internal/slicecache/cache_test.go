package slicecache

import (
	"context"
	"testing"
	"time"

	"github.com/limnetic/sonde/internal/measure"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *MemoryKV) {
	t.Helper()

	kv := NewMemoryKV()
	c, err := New(kv, ttl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, kv
}

func mkRecord(ts time.Time, site string, redox float64) measure.Record {
	return measure.Record{
		TimestampMs: ts.UnixMilli(),
		Site:        site,
		Redox:       redox,
		Valid:       true,
	}
}

// monthOf returns a fetch window covering the whole month around ts.
func monthOf(ts time.Time) []measure.Window {
	b := bucketFor(ts)
	return []measure.Window{{Start: b.Start, End: b.End}}
}

// =============================================================================
// Month Bucket Tests
// =============================================================================

func TestMonthBuckets(t *testing.T) {
	w := measure.Window{
		Start: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	}

	buckets := MonthBuckets(w)

	want := []string{"2026-01", "2026-02", "2026-03"}
	if len(buckets) != len(want) {
		t.Fatalf("bucket count = %d, want %d", len(buckets), len(want))
	}
	for i, label := range want {
		if buckets[i].Label != label {
			t.Errorf("buckets[%d].Label = %q, want %q", i, buckets[i].Label, label)
		}
	}
}

func TestMonthBuckets_SingleMonth(t *testing.T) {
	w := measure.Window{
		Start: time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	}

	buckets := MonthBuckets(w)
	if len(buckets) != 1 || buckets[0].Label != "2026-02" {
		t.Fatalf("buckets = %+v, want single 2026-02", buckets)
	}
}

func TestBucketClamp(t *testing.T) {
	b := MonthBuckets(measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	})[0]

	w := measure.Window{
		Start: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
	}

	clamped := b.Clamp(w)
	if !clamped.Start.Equal(w.Start) || !clamped.End.Equal(w.End) {
		t.Errorf("Clamp = %v..%v, want request window", clamped.Start, clamped.End)
	}
}

// =============================================================================
// Cache Round-Trip Tests
// =============================================================================

func TestPutGetSlices(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

	records := []measure.Record{
		mkRecord(jan, "S1", -10),
		mkRecord(feb, "S1", -20),
	}

	if err := c.PutSlices(ctx, records, "S1", append(monthOf(jan), monthOf(feb)...), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	}

	res := c.GetSlices(ctx, "S1", w, "fp")
	if len(res.Missing) != 0 {
		t.Errorf("Missing = %v, want none", res.Missing)
	}
	if len(res.Cached) != 2 {
		t.Fatalf("Cached count = %d, want 2", len(res.Cached))
	}
}

// A later query over a different but overlapping window reuses the months
// in common and fetches only the new ones.
func TestGetSlices_PartialOverlap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	if err := c.PutSlices(ctx, []measure.Record{mkRecord(jan, "S1", -10)}, "S1", monthOf(jan), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
	}

	res := c.GetSlices(ctx, "S1", w, "fp")

	if len(res.Cached) != 1 {
		t.Errorf("Cached count = %d, want 1 (January reused)", len(res.Cached))
	}
	if len(res.Missing) != 1 {
		t.Fatalf("Missing count = %d, want 1 (February fetched)", len(res.Missing))
	}
	if got := BucketLabel(res.Missing[0].Start); got != "2026-02" {
		t.Errorf("missing bucket = %q, want 2026-02", got)
	}
}

func TestGetSlices_WindowClamped(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	records := []measure.Record{
		mkRecord(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "S1", 1),
		mkRecord(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), "S1", 2),
		mkRecord(time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC), "S1", 3),
	}
	if err := c.PutSlices(ctx, records, "S1", monthOf(records[0].TimestampTime()), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	// Narrower window than the stored slice: records outside it stay out.
	w := measure.Window{
		Start: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
	}

	res := c.GetSlices(ctx, "S1", w, "fp")
	if len(res.Cached) != 1 {
		t.Fatalf("Cached count = %d, want 1 (slice clamped to window)", len(res.Cached))
	}
	if res.Cached[0].Redox != 2 {
		t.Errorf("kept record redox = %v, want 2", res.Cached[0].Redox)
	}
}

func TestGetSlices_FingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if err := c.PutSlices(ctx, []measure.Record{mkRecord(jan, "S1", 1)}, "S1", monthOf(jan), "fp-max"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	res := c.GetSlices(ctx, "S1", w, "fp-standard")
	if len(res.Cached) != 0 || len(res.Missing) != 1 {
		t.Errorf("fingerprint mismatch should be a full miss, got %+v", res)
	}
}

// =============================================================================
// Partial-Month Coverage Tests
// =============================================================================

// A fetch starting mid-month must not claim the whole month: the
// uncovered front is reported missing so a later wider request still
// fetches it.
func TestGetSlices_PartialMonthReportsRemainderMissing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	fetched := measure.Window{
		Start: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
	}
	records := []measure.Record{
		mkRecord(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), "S1", 1),
		mkRecord(time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC), "S1", 2),
	}
	if err := c.PutSlices(ctx, records, "S1", []measure.Window{fetched}, "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	res := c.GetSlices(ctx, "S1", w, "fp")

	if len(res.Cached) != 2 {
		t.Errorf("Cached count = %d, want 2", len(res.Cached))
	}
	if len(res.Missing) != 1 {
		t.Fatalf("Missing = %v, want the uncovered front of January", res.Missing)
	}
	if !res.Missing[0].Start.Equal(w.Start) {
		t.Errorf("missing Start = %v, want %v", res.Missing[0].Start, w.Start)
	}
	if want := fetched.Start.Add(-time.Millisecond); !res.Missing[0].End.Equal(want) {
		t.Errorf("missing End = %v, want %v", res.Missing[0].End, want)
	}
}

// Fetching the reported remainder merges into the stored slice instead
// of the write discarding the half already cached.
func TestPutSlices_RemainderFetchExtendsSlice(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	back := measure.Window{
		Start: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 23, 59, 59, 999000000, time.UTC),
	}
	if err := c.PutSlices(ctx, []measure.Record{
		mkRecord(time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC), "S1", 1),
	}, "S1", []measure.Window{back}, "fp"); err != nil {
		t.Fatalf("PutSlices back half: %v", err)
	}

	front := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   back.Start.Add(-time.Millisecond),
	}
	if err := c.PutSlices(ctx, []measure.Record{
		mkRecord(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "S1", 2),
	}, "S1", []measure.Window{front}, "fp"); err != nil {
		t.Fatalf("PutSlices front half: %v", err)
	}

	w := measure.Window{
		Start: front.Start,
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	res := c.GetSlices(ctx, "S1", w, "fp")

	if len(res.Missing) != 0 {
		t.Errorf("Missing = %v, want none after both halves stored", res.Missing)
	}
	if len(res.Cached) != 2 {
		t.Fatalf("Cached count = %d, want both halves' records", len(res.Cached))
	}
}

// Coverage is one interval per slice; a write with a gap to the stored
// coverage cannot extend it and the wider stored run survives.
func TestPutSlices_DisjointCoverageKeepsWidestRun(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10*time.Minute)

	wide := measure.Window{
		Start: time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 23, 59, 59, 999000000, time.UTC),
	}
	if err := c.PutSlices(ctx, []measure.Record{
		mkRecord(time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC), "S1", 1),
	}, "S1", []measure.Window{wide}, "fp"); err != nil {
		t.Fatalf("PutSlices wide: %v", err)
	}

	narrow := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	}
	if err := c.PutSlices(ctx, []measure.Record{
		mkRecord(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), "S1", 2),
	}, "S1", []measure.Window{narrow}, "fp"); err != nil {
		t.Fatalf("PutSlices narrow: %v", err)
	}

	res := c.GetSlices(ctx, "S1", measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}, "fp")

	if len(res.Cached) != 1 || res.Cached[0].Redox != 1 {
		t.Errorf("Cached = %+v, want only the wide run's record", res.Cached)
	}
	if len(res.Missing) != 1 || !res.Missing[0].Start.Equal(narrow.Start) {
		t.Errorf("Missing = %v, want the uncovered front of January", res.Missing)
	}
}

// =============================================================================
// TTL Tests
// =============================================================================

func TestGetSlices_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	c, kv := newTestCache(t, 10*time.Minute)

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return base })

	if err := c.PutSlices(ctx, []measure.Record{mkRecord(base, "S1", 1)}, "S1", monthOf(base), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	// Within TTL: hit.
	c.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	if res := c.GetSlices(ctx, "S1", w, "fp"); len(res.Cached) != 1 {
		t.Fatalf("within TTL: Cached = %d, want 1", len(res.Cached))
	}

	// Past TTL: miss, but the entry is not removed on read.
	c.SetClock(func() time.Time { return base.Add(11 * time.Minute) })
	if res := c.GetSlices(ctx, "S1", w, "fp"); len(res.Cached) != 0 || len(res.Missing) != 1 {
		t.Fatal("past TTL the slice should read as missing")
	}
	if kv.Len() != 1 {
		t.Errorf("expiry on read must be lazy; kv entries = %d, want 1", kv.Len())
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	ctx := context.Background()
	c, kv := newTestCache(t, 10*time.Minute)

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return base })

	if err := c.PutSlices(ctx, []measure.Record{mkRecord(base, "S1", 1)}, "S1", monthOf(base), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}

	c.SetClock(func() time.Time { return base.Add(time.Hour) })

	removed, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if kv.Len() != 0 {
		t.Errorf("kv entries = %d, want 0 after sweep", kv.Len())
	}
}

// =============================================================================
// Degradation Tests
// =============================================================================

func TestGetSlices_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c, kv := newTestCache(t, 10*time.Minute)

	w := measure.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	key := sliceKey("S1", "2026-01", "fp")
	if err := kv.Put(ctx, key, []byte("not a slice")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res := c.GetSlices(ctx, "S1", w, "fp")
	if len(res.Cached) != 0 || len(res.Missing) != 1 {
		t.Errorf("corrupt entry should degrade to a miss, got %+v", res)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, kv := newTestCache(t, 10*time.Minute)

	jan := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if err := c.PutSlices(ctx, []measure.Record{mkRecord(jan, "S1", 1)}, "S1", monthOf(jan), "fp"); err != nil {
		t.Fatalf("PutSlices: %v", err)
	}
	if kv.Len() == 0 {
		t.Fatal("expected stored slices before Clear")
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if kv.Len() != 0 {
		t.Errorf("kv entries = %d, want 0 after Clear", kv.Len())
	}
}
