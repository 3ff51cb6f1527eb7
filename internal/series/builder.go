// Package series derives compact per-site numeric columns from decoded
// measurement records.
package series

import (
	"math"

	"github.com/limnetic/sonde/internal/measure"
)

// Missing is the explicit missing-value marker used in series columns.
// Consumers must index columns positionally against Timestamps; missing
// values are marked, never compacted away.
var Missing = math.NaN()

// IsMissing reports whether a column value is the missing marker.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// SiteSeries holds one site's parallel columns. The three slices always
// have equal length; index i across all three describes one measurement.
type SiteSeries struct {
	Timestamps  []int64
	DepthValues []float64
	RedoxValues []float64
}

// Len returns the number of points in the series.
func (s *SiteSeries) Len() int {
	return len(s.Timestamps)
}

// Collection maps site codes to their series columns.
type Collection map[string]*SiteSeries

// TotalPoints returns the point count across all sites.
func (c Collection) TotalPoints() int {
	n := 0
	for _, s := range c {
		n += s.Len()
	}
	return n
}

// Builder transforms record sets into per-site series columns.
type Builder struct {
	// PackThreshold is the row count above which columns are built into
	// preallocated fixed-width buffers rather than grown incrementally.
	// The observable contract (values, ordering, missing markers) is
	// identical either way.
	PackThreshold int
}

// NewBuilder creates a builder with the given pack threshold.
func NewBuilder(packThreshold int) *Builder {
	return &Builder{PackThreshold: packThreshold}
}

// Build groups records by site and produces parallel numeric columns in a
// single pass. Build is a pure function of its input: records are not
// mutated and input order within a site is preserved. Non-finite or null
// values become the explicit missing marker, preserving positional
// alignment with the timestamp column.
func (b *Builder) Build(records []measure.Record) Collection {
	if len(records) > b.PackThreshold && b.PackThreshold > 0 {
		return b.buildPacked(records)
	}
	return b.buildGrowable(records)
}

// buildGrowable appends into growable slices; fine for small datasets.
func (b *Builder) buildGrowable(records []measure.Record) Collection {
	out := make(Collection)

	for _, r := range records {
		s := out[r.Site]
		if s == nil {
			s = &SiteSeries{}
			out[r.Site] = s
		}

		s.Timestamps = append(s.Timestamps, r.TimestampMs)
		s.DepthValues = append(s.DepthValues, coerce(r.DepthCm))
		s.RedoxValues = append(s.RedoxValues, coerceValid(r.Redox, r.Valid))
	}

	return out
}

// buildPacked counts per-site rows first, then fills exact-size buffers.
// One extra pass over the input buys contiguous columns with no growth
// copying on large datasets.
func (b *Builder) buildPacked(records []measure.Record) Collection {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Site]++
	}

	out := make(Collection, len(counts))
	fill := make(map[string]int, len(counts))
	for site, n := range counts {
		out[site] = &SiteSeries{
			Timestamps:  make([]int64, n),
			DepthValues: make([]float64, n),
			RedoxValues: make([]float64, n),
		}
	}

	for _, r := range records {
		s := out[r.Site]
		i := fill[r.Site]
		s.Timestamps[i] = r.TimestampMs
		s.DepthValues[i] = coerce(r.DepthCm)
		s.RedoxValues[i] = coerceValid(r.Redox, r.Valid)
		fill[r.Site] = i + 1
	}

	return out
}

// coerce maps non-finite inputs to the missing marker.
func coerce(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Missing
	}
	return v
}

// coerceValid additionally treats invalid (null) values as missing.
func coerceValid(v float64, valid bool) float64 {
	if !valid {
		return Missing
	}
	return coerce(v)
}
