package coordinator

import (
	"github.com/limnetic/sonde/internal/measure"
	"github.com/limnetic/sonde/internal/series"
)

// FetchMode distinguishes how a dataset was produced for progress
// consumers.
type FetchMode string

const (
	// ModeSingle means the dataset was produced without a chunk loop
	// (in-memory reuse or fully cache-served).
	ModeSingle FetchMode = "single"
	// ModeChunked means the dataset was paginated from the remote.
	ModeChunked FetchMode = "chunked"
)

// ProgressEvent is one snapshot of aggregated fetch progress. PerSite is
// owned by the event; consumers may retain or mutate it without
// affecting the coordinator's stored snapshot.
type ProgressEvent struct {
	Mode          FetchMode
	PerSite       map[string]measure.SiteProgress
	TotalLoaded   int64
	TotalExpected int64
}

// clone returns a copy with its own PerSite map.
func (e ProgressEvent) clone() ProgressEvent {
	out := e
	if e.PerSite != nil {
		out.PerSite = make(map[string]measure.SiteProgress, len(e.PerSite))
		for site, sp := range e.PerSite {
			out.PerSite[site] = sp
		}
	}
	return out
}

// TerminalStatus is the outcome of a request.
type TerminalStatus int

const (
	// StatusSuccess means a non-empty dataset committed.
	StatusSuccess TerminalStatus = iota
	// StatusEmpty means the request completed with zero records.
	StatusEmpty
	// StatusError means the request failed; Err and Retry are set.
	StatusError
)

// String returns a human-readable representation of the TerminalStatus.
func (s TerminalStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// TerminalEvent carries the final outcome of a request: the committed
// dataset, an empty-result signal, or an error with a retry callback.
type TerminalEvent struct {
	Status  TerminalStatus
	Dataset *Dataset
	Err     error
	Message string
	Retry   func()
}

// Dataset is one committed result: the merged record set plus derived
// per-site series.
type Dataset struct {
	Key     measure.FetchKey
	Records []measure.Record
	Series  series.Collection
	Epoch   int64

	// Anomalies maps site codes to the protocol anomaly that cut that
	// site's fetch short, if any. Partial data for those sites is kept.
	Anomalies map[string]error
}

// Empty reports whether the dataset holds no records.
func (d *Dataset) Empty() bool {
	return d == nil || len(d.Records) == 0
}

// Listener consumes coordinator events. Callbacks run on the requesting
// goroutine and must not block.
type Listener interface {
	OnProgress(ProgressEvent)
	OnTerminal(TerminalEvent)
}

// ListenerFuncs adapts plain functions to the Listener interface.
type ListenerFuncs struct {
	Progress func(ProgressEvent)
	Terminal func(TerminalEvent)
}

// OnProgress implements Listener.
func (l ListenerFuncs) OnProgress(e ProgressEvent) {
	if l.Progress != nil {
		l.Progress(e)
	}
}

// OnTerminal implements Listener.
func (l ListenerFuncs) OnTerminal(e TerminalEvent) {
	if l.Terminal != nil {
		l.Terminal(e)
	}
}
