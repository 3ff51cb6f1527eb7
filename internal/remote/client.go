// Package remote is the HTTP client for the paginated remote query
// endpoint. It prefers the binary columnar response and falls back to the
// JSON body when the payload does not decode as binary.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/limnetic/sonde/internal/codec"
	serrors "github.com/limnetic/sonde/internal/errors"
	"github.com/limnetic/sonde/internal/logging"
	"github.com/limnetic/sonde/internal/measure"
)

var log = logging.Component("remote")

// Chunk metadata headers on binary responses.
const (
	headerTotalRecords = "X-Total-Records"
	headerChunkOffset  = "X-Chunk-Offset"
	headerChunkSize    = "X-Chunk-Size"
	headerHasMore      = "X-Has-More"
)

// ChunkRequest describes one page of a site's dataset.
type ChunkRequest struct {
	Site      string
	Window    measure.Window
	Fidelity  measure.Fidelity
	ChunkSize int
	Offset    int64
	MaxDepths int
}

// Client talks to the remote query endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given endpoint base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchChunk retrieves one chunk. The binary columnar format is requested
// first; if the payload does not decode as binary the JSON endpoint is
// queried for the same chunk. Only a failure of both paths returns an
// error. The context is honored on both requests.
func (c *Client) FetchChunk(ctx context.Context, req ChunkRequest) ([]measure.Record, codec.ChunkMeta, error) {
	body, header, err := c.roundTrip(ctx, req, false)
	if err != nil {
		return nil, codec.ChunkMeta{}, err
	}

	records, decErr := codec.Decode(body, req.Site)
	if decErr == nil {
		return records, metaFromHeader(header, req), nil
	}

	if !serrors.IsDecodeFallback(decErr) {
		return nil, codec.ChunkMeta{}, decErr
	}

	// The payload was not binary. Some deployments answer the binary
	// request with the JSON body directly; try that before a second
	// round trip.
	if records, meta, jsonErr := codec.DecodeJSONChunk(body, req.Site); jsonErr == nil {
		return records, meta, nil
	}

	log.Debug("binary decode fell back to JSON endpoint",
		"site", req.Site, "offset", req.Offset, "reason", decErr)

	body, _, err = c.roundTrip(ctx, req, true)
	if err != nil {
		return nil, codec.ChunkMeta{}, err
	}

	records, meta, jsonErr := codec.DecodeJSONChunk(body, req.Site)
	if jsonErr != nil {
		// Both formats failed; this is now a user-visible error.
		return nil, codec.ChunkMeta{}, serrors.Wrapf(jsonErr,
			"site %s offset %d: binary and JSON decode both failed", req.Site, req.Offset)
	}

	return records, meta, nil
}

// roundTrip performs one HTTP request for a chunk.
func (c *Client) roundTrip(ctx context.Context, req ChunkRequest, forceJSON bool) ([]byte, http.Header, error) {
	u, err := url.Parse(c.baseURL + "/query")
	if err != nil {
		return nil, nil, serrors.Wrap(serrors.ErrTransport, err.Error())
	}

	q := u.Query()
	q.Set("site", req.Site)
	q.Set("start_ts", strconv.FormatInt(req.Window.Start.UnixMilli(), 10))
	q.Set("end_ts", strconv.FormatInt(req.Window.End.UnixMilli(), 10))
	q.Set("fidelity", req.Fidelity.String())
	q.Set("chunk_size", strconv.Itoa(req.ChunkSize))
	q.Set("offset", strconv.FormatInt(req.Offset, 10))
	if req.MaxDepths > 0 {
		q.Set("max_depths", strconv.Itoa(req.MaxDepths))
	}
	if forceJSON {
		q.Set("format", "json")
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, serrors.Wrap(serrors.ErrTransport, err.Error())
	}
	if forceJSON {
		httpReq.Header.Set("Accept", "application/json")
	} else {
		httpReq.Header.Set("Accept", "application/vnd.apache.parquet, application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, serrors.Wrap(serrors.ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, serrors.NewRemoteStatus(req.Site, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, serrors.Wrap(serrors.ErrTransport, err.Error())
	}

	return body, resp.Header, nil
}

// metaFromHeader extracts chunk metadata from binary response headers.
// Absent headers leave the total unknown and assume no further chunks.
func metaFromHeader(h http.Header, req ChunkRequest) codec.ChunkMeta {
	meta := codec.ChunkMeta{
		TotalRecords: -1,
		Offset:       req.Offset,
		ChunkSize:    req.ChunkSize,
	}

	if v := h.Get(headerTotalRecords); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.TotalRecords = n
		}
	}
	if v := h.Get(headerChunkOffset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.Offset = n
		}
	}
	if v := h.Get(headerChunkSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			meta.ChunkSize = n
		}
	}
	if v := h.Get(headerHasMore); v != "" {
		meta.HasMore = v == "true" || v == "1"
	}

	return meta
}

// String implements fmt.Stringer for debug logs.
func (r ChunkRequest) String() string {
	return fmt.Sprintf("%s[%s..%s]@%d", r.Site,
		r.Window.Start.Format(time.RFC3339), r.Window.End.Format(time.RFC3339), r.Offset)
}
