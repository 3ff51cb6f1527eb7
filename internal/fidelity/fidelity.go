// Package fidelity decides whether a previously committed dataset can
// serve a new request, possibly after client-side downsampling, instead
// of being re-fetched.
package fidelity

import (
	"time"

	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
)

var log = logging.Component("fidelity")

// ReuseMode describes how a committed dataset can serve a new request.
type ReuseMode int

const (
	// ReuseNone means the request must re-fetch.
	ReuseNone ReuseMode = iota
	// ReuseExact means the committed dataset serves as-is.
	ReuseExact
	// ReuseDownsample means the committed dataset serves after grid
	// filtering down to the standard cadence.
	ReuseDownsample
)

// String returns a human-readable representation of the ReuseMode.
func (m ReuseMode) String() string {
	switch m {
	case ReuseExact:
		return "exact"
	case ReuseDownsample:
		return "downsample"
	default:
		return "none"
	}
}

// Decision is the outcome of a reuse check.
type Decision struct {
	Reuse bool
	Mode  ReuseMode
}

// Manager applies the fidelity reuse policy.
type Manager struct {
	// Grid is the downsample alignment grid. A record survives the
	// downsample filter iff its timestamp falls exactly on a grid line.
	Grid time.Duration
}

// NewManager creates a manager with the given downsample grid.
func NewManager(grid time.Duration) *Manager {
	return &Manager{Grid: grid}
}

// CanReuse decides whether the dataset committed under lastKey can serve
// newKey. Site set, window, and view group must match exactly; fidelity
// is directional: Max data can be thinned down to Standard, but Standard
// data can never substitute for Max.
func (m *Manager) CanReuse(newKey, lastKey measure.FetchKey, lastNonEmpty bool) Decision {
	if !lastNonEmpty {
		return Decision{}
	}
	if !newKey.SameScope(lastKey) {
		return Decision{}
	}

	switch {
	case newKey.Fidelity == lastKey.Fidelity:
		return Decision{Reuse: true, Mode: ReuseExact}
	case lastKey.Fidelity == measure.FidelityMax && newKey.Fidelity == measure.FidelityStandard:
		return Decision{Reuse: true, Mode: ReuseDownsample}
	default:
		// Standard -> Max: must re-fetch at higher fidelity.
		return Decision{}
	}
}

// Apply materializes a reuse decision against the committed records.
// The caller must only invoke Apply with a positive decision.
func (m *Manager) Apply(d Decision, records []measure.Record) []measure.Record {
	switch d.Mode {
	case ReuseExact:
		return records
	case ReuseDownsample:
		out := m.Downsample(records)
		log.Debug("downsampled committed dataset", "in", len(records), "out", len(out))
		return out
	default:
		return nil
	}
}

// Downsample keeps only records whose timestamp aligns to the grid.
// The filter is deterministic and idempotent: downsampling an already
// grid-aligned set returns the same set.
func (m *Manager) Downsample(records []measure.Record) []measure.Record {
	out := make([]measure.Record, 0, len(records))
	for _, r := range records {
		if m.Aligned(r.TimestampMs) {
			out = append(out, r)
		}
	}
	return out
}

// Aligned reports whether a millisecond timestamp falls on the grid.
// With the default 2h grid this keeps records at minute zero of every
// even hour.
func (m *Manager) Aligned(tsMs int64) bool {
	return tsMs%m.Grid.Milliseconds() == 0
}
