package measure

import (
	"math"
	"sort"
	"time"
)

// Record represents a single decoded redox measurement.
// Records are immutable once created; the site code is stamped on during
// merge because the wire payload may omit it.
type Record struct {
	// TimestampMs is the measurement instant as Unix milliseconds.
	TimestampMs int64

	// Site is the station code the measurement belongs to.
	Site string

	// DepthCm is the probe depth in centimeters.
	DepthCm float64

	// Redox is the redox potential value. Valid is false when the source
	// reported a null value.
	Redox float64

	// Valid is false for null/absent redox values.
	Valid bool
}

// TimestampTime returns the timestamp as a time.Time.
func (r *Record) TimestampTime() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// RedoxOrNaN returns the redox value, or NaN when the value is missing.
// NaN is the explicit missing marker used throughout the series layer.
func (r *Record) RedoxOrNaN() float64 {
	if !r.Valid {
		return math.NaN()
	}
	return r.Redox
}

// StampSite returns a copy of rs with every record's Site set to site.
// Records that already carry a site code keep it.
func StampSite(rs []Record, site string) []Record {
	out := make([]Record, len(rs))
	copy(out, rs)
	for i := range out {
		if out[i].Site == "" {
			out[i].Site = site
		}
	}
	return out
}

// SortByTime sorts records in ascending timestamp order, in place.
// Sorting is stable so equal-timestamp records keep their arrival order.
func SortByTime(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].TimestampMs < rs[j].TimestampMs
	})
}

// FilterWindow returns the records whose timestamp falls inside [start, end].
func FilterWindow(rs []Record, start, end time.Time) []Record {
	startMs := start.UnixMilli()
	endMs := end.UnixMilli()

	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		if r.TimestampMs >= startMs && r.TimestampMs <= endMs {
			out = append(out, r)
		}
	}
	return out
}

// RecordBatch accumulates records during a chunked fetch.
type RecordBatch struct {
	Records []Record
}

// NewRecordBatch creates a batch with the given capacity hint.
func NewRecordBatch(capacity int) *RecordBatch {
	return &RecordBatch{
		Records: make([]Record, 0, capacity),
	}
}

// Append adds records to the batch.
func (b *RecordBatch) Append(rs ...Record) {
	b.Records = append(b.Records, rs...)
}

// Len returns the number of accumulated records.
func (b *RecordBatch) Len() int {
	return len(b.Records)
}
