package measure

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fidelity indicates whether a request demands full-resolution data or a
// thinned cadence.
type Fidelity int

const (
	// FidelityStandard is the thinned cadence used for broad overviews.
	FidelityStandard Fidelity = iota
	// FidelityMax is full-resolution data.
	FidelityMax
)

// String returns a human-readable representation of the Fidelity.
func (f Fidelity) String() string {
	switch f {
	case FidelityMax:
		return "max"
	case FidelityStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// ParseFidelity parses a fidelity string. Unknown values map to standard.
func ParseFidelity(s string) Fidelity {
	if strings.EqualFold(s, "max") {
		return FidelityMax
	}
	return FidelityStandard
}

// ViewGroup identifies the dataset shape a view consumes. Views that share
// a dataset shape normalize into the same group and can reuse each other's
// committed data.
type ViewGroup int

const (
	// ViewGroupSeries covers the time-series, rolling-mean, and
	// detail-table views, which all consume the same per-site record set.
	ViewGroupSeries ViewGroup = iota
	// ViewGroupProfile covers depth-profile views, which require a
	// different dataset shape.
	ViewGroupProfile
)

// String returns a human-readable representation of the ViewGroup.
func (g ViewGroup) String() string {
	switch g {
	case ViewGroupSeries:
		return "series"
	case ViewGroupProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// NormalizeView maps a view name onto its dataset group. The time-series,
// rolling-mean, and detail-table views share one dataset shape.
func NormalizeView(view string) ViewGroup {
	switch strings.ToLower(view) {
	case "profile", "depth-profile":
		return ViewGroupProfile
	default:
		return ViewGroupSeries
	}
}

// Window is a closed time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFromPreset resolves a preset label ("24h", "7d", "30d", "90d")
// to a concrete window ending at now. Unknown labels default to 7 days.
func WindowFromPreset(label string, now time.Time) Window {
	var d time.Duration
	switch label {
	case "24h":
		d = 24 * time.Hour
	case "30d":
		d = 30 * 24 * time.Hour
	case "90d":
		d = 90 * 24 * time.Hour
	default:
		d = 7 * 24 * time.Hour
	}
	return Window{Start: now.Add(-d), End: now}
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.End.Before(w.Start)
}

// Intersect returns the overlap of two windows. ok is false when they do
// not overlap.
func (w Window) Intersect(other Window) (out Window, ok bool) {
	out = w
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	if out.End.Before(out.Start) {
		return Window{}, false
	}
	return out, true
}

// Subtract returns the parts of w that other does not cover, at
// millisecond granularity: nothing when other covers w entirely, and up
// to two windows when other splits it.
func (w Window) Subtract(other Window) []Window {
	if _, ok := w.Intersect(other); !ok {
		return []Window{w}
	}

	var out []Window
	if w.Start.Before(other.Start) {
		out = append(out, Window{Start: w.Start, End: other.Start.Add(-time.Millisecond)})
	}
	if w.End.After(other.End) {
		out = append(out, Window{Start: other.End.Add(time.Millisecond), End: w.End})
	}
	return out
}

// Key returns a stable string form of the window, millisecond precision.
func (w Window) Key() string {
	return fmt.Sprintf("%d-%d", w.Start.UnixMilli(), w.End.UnixMilli())
}

// FetchKey is the identity of one logical data request. It drives both
// cache-reuse decisions and staleness detection.
type FetchKey struct {
	Sites     []string
	Window    Window
	Fidelity  Fidelity
	ViewGroup ViewGroup
}

// NewFetchKey builds a key with a normalized (sorted, deduplicated) site
// list so two requests for the same sites compare equal regardless of
// selection order.
func NewFetchKey(sites []string, window Window, fidelity Fidelity, group ViewGroup) FetchKey {
	normalized := make([]string, 0, len(sites))
	seen := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		normalized = append(normalized, s)
	}
	sort.Strings(normalized)

	return FetchKey{
		Sites:     normalized,
		Window:    window,
		Fidelity:  fidelity,
		ViewGroup: group,
	}
}

// String returns the canonical string form of the key.
func (k FetchKey) String() string {
	return strings.Join(k.Sites, ",") + "|" + k.Window.Key() +
		"|" + k.Fidelity.String() + "|" + k.ViewGroup.String()
}

// Equal reports whether two keys are identical in every component.
func (k FetchKey) Equal(other FetchKey) bool {
	if len(k.Sites) != len(other.Sites) {
		return false
	}
	for i := range k.Sites {
		if k.Sites[i] != other.Sites[i] {
			return false
		}
	}
	return k.Window.Start.Equal(other.Window.Start) &&
		k.Window.End.Equal(other.Window.End) &&
		k.Fidelity == other.Fidelity &&
		k.ViewGroup == other.ViewGroup
}

// SameScope reports whether two keys match in every component except
// fidelity. Reuse decisions compare scope first, then fidelity direction.
func (k FetchKey) SameScope(other FetchKey) bool {
	scope := k
	scope.Fidelity = other.Fidelity
	return scope.Equal(other)
}

// Fingerprint returns a short stable hash of the filter components that
// change a slice's contents: fidelity and view group. Sites and window are
// excluded because slices are already keyed per site and per month bucket,
// so slices from overlapping windows or different site selections remain
// interchangeable when the fingerprint matches.
func (k FetchKey) Fingerprint() string {
	h := sha256.Sum256([]byte(k.Fidelity.String() + "|" + k.ViewGroup.String()))
	return fmt.Sprintf("%x", h[:8])
}
