package measure

// SiteProgress tracks one site's chunked fetch progress.
// Total is -1 until the first chunk response reports a record count.
type SiteProgress struct {
	Loaded int64
	Total  int64
}

// KnownTotal reports whether the site's total record count is known yet.
func (p SiteProgress) KnownTotal() bool {
	return p.Total >= 0
}

// Progress aggregates per-site chunk progress for reporting.
type Progress struct {
	PerSite map[string]SiteProgress
}

// NewProgress creates an empty progress aggregate.
func NewProgress() *Progress {
	return &Progress{PerSite: make(map[string]SiteProgress)}
}

// Set records a site's current progress.
func (p *Progress) Set(site string, loaded, total int64) {
	p.PerSite[site] = SiteProgress{Loaded: loaded, Total: total}
}

// Totals returns the aggregate loaded count and the expected total.
// Expected is the sum of known totals; sites whose totals are still
// unknown contribute their loaded count, so expected never reads below
// loaded.
func (p *Progress) Totals() (loaded, expected int64) {
	for _, sp := range p.PerSite {
		loaded += sp.Loaded
		if sp.KnownTotal() {
			expected += sp.Total
		} else {
			expected += sp.Loaded
		}
	}
	return loaded, expected
}

// Clone returns a deep copy safe to hand to listeners.
func (p *Progress) Clone() *Progress {
	out := NewProgress()
	for site, sp := range p.PerSite {
		out.PerSite[site] = sp
	}
	return out
}
