package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/canectors/dataflow/internal/httpconfig"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

const (
	defaultContentType  = "application/json"
	maxResponseBodySize = 1 << 20
)

// Supported HTTP methods for the HTTP destination
var supportedMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

// Default success status codes
var defaultSuccessCodes = []int{200, 201, 202, 204}

// HTTPError represents an HTTP error with status code and context
type HTTPError struct {
	StatusCode   int
	Status       string
	Endpoint     string
	Method       string
	ResponseBody string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d (%s) %s %s", e.StatusCode, e.Status, e.Method, e.Endpoint)
}

// HTTP sends the batch as a JSON array to an endpoint.
//
//	destination:
//	  type: http
//	  config:
//	    endpoint: https://warehouse.example.com/ingest
//	    method: POST
//	    headers: {X-Source: dataflow}
//	    chunkSize: 500     # records per request, 0 sends one request
//
// The run id is sent in the X-Run-ID header. Retries are left to the
// resilience wrapper; a chunked write that fails part way reports how many
// records were accepted.
type HTTP struct {
	config    httpconfig.BaseConfig
	endpoint  string
	method    string
	chunkSize int
	client    *http.Client
}

// NewHTTP creates an HTTP destination.
func NewHTTP(config map[string]interface{}) (*HTTP, error) {
	opts := options(config)
	base := httpconfig.ExtractBaseConfig(config)
	if err := httpconfig.ValidateBaseConfig(base, "destination.config"); err != nil {
		return nil, err
	}
	if err := httpconfig.ValidateMethod(base.Method, supportedMethods, "destination.config"); err != nil {
		return nil, err
	}
	method := base.Method
	if method == "" {
		method = http.MethodPost
	}
	endpoint, err := httpconfig.BuildURL(base)
	if err != nil {
		return nil, opts.invalid("queryParams", "%v", err)
	}
	chunkSize, err := opts.integer("chunkSize")
	if err != nil {
		return nil, err
	}
	if chunkSize < 0 {
		return nil, opts.invalid("chunkSize", "must not be negative")
	}

	return &HTTP{
		config:    base,
		endpoint:  endpoint,
		method:    method,
		chunkSize: chunkSize,
		client:    &http.Client{Timeout: base.GetTimeout()},
	}, nil
}

// Write sends the batch, in chunks when configured.
func (h *HTTP) Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error) {
	if len(batch) == 0 {
		logger.Debug("no records to send", slog.String("endpoint", h.endpoint))
		return pipeline.LoadResult{Location: h.endpoint}, nil
	}
	runID := RunIDFromContext(ctx)

	size := h.chunkSize
	if size <= 0 {
		size = len(batch)
	}
	written := 0
	for start := 0; start < len(batch); start += size {
		end := start + size
		if end > len(batch) {
			end = len(batch)
		}
		if err := h.send(ctx, batch[start:end], runID); err != nil {
			return pipeline.LoadResult{RecordsWritten: written, Location: h.endpoint}, err
		}
		written = end
	}
	return pipeline.LoadResult{RecordsWritten: written, Location: h.endpoint}, nil
}

func (h *HTTP) send(ctx context.Context, records pipeline.Batch, runID string) error {
	body, err := json.Marshal(records)
	if err != nil {
		return permanent(fmt.Errorf("encoding records: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, h.method, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("creating http request: %w", err))
	}
	req.Header.Set("User-Agent", httpconfig.DefaultUserAgent)
	req.Header.Set("Content-Type", defaultContentType)
	if runID != "" {
		req.Header.Set(httpconfig.RunIDHeader, runID)
	}
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", h.endpoint, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("failed to close response body", slog.String("error", closeErr.Error()))
		}
	}()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))

	if !isSuccessStatusCode(resp.StatusCode) {
		classified := httpconfig.ClassifyResponse(resp.StatusCode, respBody)
		classified.OriginalErr = &HTTPError{
			StatusCode:   resp.StatusCode,
			Status:       resp.Status,
			Endpoint:     h.endpoint,
			Method:       h.method,
			ResponseBody: string(respBody),
		}
		return classified
	}

	logger.Debug("http destination request completed",
		slog.String("endpoint", h.endpoint),
		slog.Int("status_code", resp.StatusCode),
		slog.Int("record_count", len(records)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func isSuccessStatusCode(code int) bool {
	for _, c := range defaultSuccessCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

var _ Destination = (*HTTP)(nil)
