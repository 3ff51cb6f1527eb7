// Package codec decodes chunk payloads from the remote query service.
//
// The preferred wire format is a Parquet columnar buffer; an equivalent
// JSON body is the fallback. Decode never throws past its caller: any
// buffer that is not a well-formed columnar container yields a fallback
// signal (an error matching errors.IsDecodeFallback), and the caller is
// expected to re-request or re-parse as JSON.
package codec

import (
	"bytes"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
)

var log = logging.Component("codec")

// Column names recognized in the columnar container.
const (
	colTimestamp = "timestamp"
	colProcessed = "processed_value"
	colRaw       = "raw_value"
	colDepth     = "depth"
	colSite      = "site_code"
)

// minBinarySize is the sniff threshold: a well-formed Parquet buffer
// carries at least header, footer metadata and both magic markers, so
// anything smaller is treated as non-binary without a structural parse.
const minBinarySize = 128

var parquetMagic = []byte("PAR1")

// timeUnit is the factor converting a raw timestamp value to milliseconds.
type timeUnit int

const (
	unitMillis timeUnit = iota
	unitSeconds
	unitMicros
	unitNanos
)

// toMillis converts a raw timestamp in this unit to Unix milliseconds.
func (u timeUnit) toMillis(v int64) int64 {
	switch u {
	case unitSeconds:
		return v * 1000
	case unitMicros:
		return v / 1000
	case unitNanos:
		return v / 1_000_000
	default:
		return v
	}
}

// SniffBinary reports whether buf plausibly holds a binary columnar
// container. JSON-like payloads (leading '{' or '[' after whitespace) and
// implausibly small buffers are rejected without a structural parse.
func SniffBinary(buf []byte) bool {
	if len(buf) < minBinarySize {
		return false
	}

	trimmed := bytes.TrimLeft(buf, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return false
	}

	return bytes.HasPrefix(buf, parquetMagic)
}

// Decode decodes a columnar binary buffer into measurement records.
//
// A nil error with an empty slice is a valid outcome (empty dataset for
// the site/window). Errors matching errors.IsDecodeFallback mean the
// payload should be fetched or re-parsed as JSON instead; decode failures
// never propagate as user-visible errors on their own.
//
// Records with no site_code column are stamped with fallbackSite.
func Decode(buf []byte, fallbackSite string) ([]measure.Record, error) {
	if !SniffBinary(buf) {
		return nil, serrors.ErrNotBinary
	}

	f, err := parquet.OpenFile(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		log.Debug("columnar parse failed, signalling fallback", "error", err)
		return nil, serrors.Wrap(serrors.ErrDecodeFallback, err.Error())
	}

	schema := f.Schema()

	tsCol, ok := schema.Lookup(colTimestamp)
	if !ok {
		return nil, serrors.Wrapf(serrors.ErrMissingColumn, "column %q", colTimestamp)
	}

	valCol, ok := schema.Lookup(colProcessed)
	if !ok {
		valCol, ok = schema.Lookup(colRaw)
		if !ok {
			return nil, serrors.Wrapf(serrors.ErrMissingColumn, "column %q or %q", colProcessed, colRaw)
		}
	}

	depthIdx := -1
	if c, ok := schema.Lookup(colDepth); ok {
		depthIdx = c.ColumnIndex
	}

	siteIdx := -1
	if c, ok := schema.Lookup(colSite); ok {
		siteIdx = c.ColumnIndex
	}

	unit := resolveTimeUnit(f, tsCol)

	records := make([]measure.Record, 0, f.NumRows())
	rowBuf := make([]parquet.Row, 256)

	for _, rg := range f.RowGroups() {
		rows := rg.Rows()

		for {
			n, err := rows.ReadRows(rowBuf)
			for i := 0; i < n; i++ {
				records = append(records, rowToRecord(rowBuf[i], tsCol.ColumnIndex, valCol.ColumnIndex, depthIdx, siteIdx, unit, fallbackSite))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				log.Debug("row read failed, signalling fallback", "error", err)
				return nil, serrors.Wrap(serrors.ErrDecodeFallback, err.Error())
			}
			if n == 0 {
				break
			}
		}

		if err := rows.Close(); err != nil {
			return nil, serrors.Wrap(serrors.ErrDecodeFallback, err.Error())
		}
	}

	return records, nil
}

// resolveTimeUnit determines the timestamp column's declared unit.
// The Parquet logical type covers milli/micro/nano; plain INT64 columns
// default to milliseconds unless the file metadata names another unit
// (some exporters write epoch seconds without a logical type).
func resolveTimeUnit(f *parquet.File, tsCol parquet.LeafColumn) timeUnit {
	if lt := tsCol.Node.Type().LogicalType(); lt != nil && lt.Timestamp != nil {
		return unitFromLogical(lt.Timestamp.Unit)
	}

	if md := f.Metadata(); md != nil {
		for _, kv := range md.KeyValueMetadata {
			if kv.Key == "timestamp_unit" {
				return unitFromLabel(kv.Value)
			}
		}
	}

	return unitMillis
}

func unitFromLogical(u format.TimeUnit) timeUnit {
	switch {
	case u.Micros != nil:
		return unitMicros
	case u.Nanos != nil:
		return unitNanos
	default:
		return unitMillis
	}
}

func unitFromLabel(label string) timeUnit {
	switch label {
	case "s", "seconds":
		return unitSeconds
	case "us", "micros":
		return unitMicros
	case "ns", "nanos":
		return unitNanos
	default:
		return unitMillis
	}
}

// rowToRecord extracts one measurement record from a flat Parquet row.
func rowToRecord(row parquet.Row, tsIdx, valIdx, depthIdx, siteIdx int, unit timeUnit, fallbackSite string) measure.Record {
	rec := measure.Record{Site: fallbackSite}

	for _, v := range row {
		switch v.Column() {
		case tsIdx:
			rec.TimestampMs = unit.toMillis(v.Int64())
		case valIdx:
			if v.IsNull() {
				rec.Valid = false
			} else {
				rec.Redox = asFloat(v)
				rec.Valid = true
			}
		case depthIdx:
			if !v.IsNull() {
				rec.DepthCm = asFloat(v)
			}
		case siteIdx:
			if !v.IsNull() && v.String() != "" {
				rec.Site = v.String()
			}
		}
	}

	return rec
}

// asFloat coerces a numeric Parquet value to float64.
func asFloat(v parquet.Value) float64 {
	switch v.Kind() {
	case parquet.Int32:
		return float64(v.Int32())
	case parquet.Int64:
		return float64(v.Int64())
	case parquet.Float:
		return float64(v.Float())
	default:
		return v.Double()
	}
}
