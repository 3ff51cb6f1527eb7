package codec

import (
	"encoding/json"

	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/measure"
)

// ChunkMeta carries the pagination metadata of one chunk response.
// For binary responses the same fields arrive as HTTP headers; for JSON
// responses they are part of the body.
type ChunkMeta struct {
	// TotalRecords is the total record count for the site/window, or -1
	// while the source has not reported it yet.
	TotalRecords int64

	// Offset is the chunk's starting offset.
	Offset int64

	// ChunkSize is the requested chunk size.
	ChunkSize int

	// HasMore reports whether further chunks remain.
	HasMore bool
}

// jsonChunk mirrors the JSON fallback body of the remote query endpoint.
type jsonChunk struct {
	Records      []jsonRecord `json:"records"`
	TotalRecords *int64       `json:"total_records"`
	Offset       int64        `json:"offset"`
	ChunkSize    int          `json:"chunk_size"`
	HasMore      bool         `json:"has_more"`
}

// jsonRecord mirrors one measurement in the JSON fallback body.
// Timestamps are millisecond epoch integers; redox_value may be null.
type jsonRecord struct {
	Timestamp  int64    `json:"timestamp"`
	SiteCode   string   `json:"site_code,omitempty"`
	DepthCm    float64  `json:"depth_cm"`
	RedoxValue *float64 `json:"redox_value"`
}

// DecodeJSONChunk decodes a JSON fallback chunk body into records plus
// chunk metadata. Records without a site code are stamped with
// fallbackSite.
func DecodeJSONChunk(buf []byte, fallbackSite string) ([]measure.Record, ChunkMeta, error) {
	var chunk jsonChunk
	if err := json.Unmarshal(buf, &chunk); err != nil {
		return nil, ChunkMeta{}, serrors.Wrap(serrors.ErrMalformedChunk, err.Error())
	}

	meta := ChunkMeta{
		TotalRecords: -1,
		Offset:       chunk.Offset,
		ChunkSize:    chunk.ChunkSize,
		HasMore:      chunk.HasMore,
	}
	if chunk.TotalRecords != nil {
		meta.TotalRecords = *chunk.TotalRecords
	}

	records := make([]measure.Record, 0, len(chunk.Records))
	for _, jr := range chunk.Records {
		rec := measure.Record{
			TimestampMs: jr.Timestamp,
			Site:        jr.SiteCode,
			DepthCm:     jr.DepthCm,
		}
		if rec.Site == "" {
			rec.Site = fallbackSite
		}
		if jr.RedoxValue != nil {
			rec.Redox = *jr.RedoxValue
			rec.Valid = true
		}
		records = append(records, rec)
	}

	return records, meta, nil
}
