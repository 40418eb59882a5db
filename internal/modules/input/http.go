package input

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/canectors/dataflow/internal/httpconfig"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

const (
	maxPaginationPages = 1000 // Prevent infinite loops
	maxResponseSize    = 64 << 20
)

// Error types for the HTTP source
var (
	ErrHTTPRequest      = errors.New("http request failed")
	ErrJSONParse        = errors.New("failed to parse JSON response")
	ErrInvalidDataField = errors.New("dataField does not contain an array")
)

// HTTPError represents an HTTP error with status code and context
type HTTPError struct {
	StatusCode int
	Status     string
	Endpoint   string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d (%s) from %s: %s", e.StatusCode, e.Status, e.Endpoint, e.Message)
}

// HTTP fetches records with GET requests.
//
//	source:
//	  type: http
//	  config:
//	    endpoint: https://api.example.com/orders
//	    headers: {Accept: application/json}
//	    timeoutMs: 10000
//	    dataField: items
//	    pagination: {pageParam: page, totalPagesField: total_pages}
//
// Error statuses are classified: 408/504 are api_timeout, 429 and 5xx are
// service_unavailable, other 4xx are permanent.
type HTTP struct {
	config          httpconfig.BaseConfig
	endpoint        string
	pageParam       string
	totalPagesField string
	client          *http.Client
}

// NewHTTP creates an HTTP source.
func NewHTTP(config map[string]interface{}) (*HTTP, error) {
	opts := options(config)
	base := httpconfig.ExtractBaseConfig(config)
	if err := httpconfig.ValidateBaseConfig(base, "source.config"); err != nil {
		return nil, err
	}
	if err := httpconfig.ValidateMethod(base.Method, []string{http.MethodGet}, "source.config"); err != nil {
		return nil, err
	}
	endpoint, err := httpconfig.BuildURL(base)
	if err != nil {
		return nil, opts.invalid("queryParams", "%v", err)
	}

	h := &HTTP{
		config:   base,
		endpoint: endpoint,
		client:   &http.Client{Timeout: base.GetTimeout()},
	}
	if p := opts.object("pagination"); p != nil {
		h.pageParam, _ = p["pageParam"].(string)
		h.totalPagesField, _ = p["totalPagesField"].(string)
		if h.pageParam == "" {
			return nil, opts.invalid("pagination.pageParam", "is required")
		}
	}
	return h, nil
}

// Read fetches the endpoint, following page-based pagination when configured.
func (h *HTTP) Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error) {
	startTime := time.Now()

	var (
		records pipeline.Batch
		err     error
	)
	if h.pageParam != "" {
		records, err = h.fetchPages(ctx, spec.Limit)
	} else {
		var body []byte
		if body, err = h.doRequest(ctx, h.endpoint); err == nil {
			records, _, err = h.parseResponse(body)
		}
	}
	if err != nil {
		logger.Error("http source read failed",
			"endpoint", h.endpoint,
			"duration", time.Since(startTime),
			"error", err.Error(),
		)
		return nil, err
	}

	logger.Debug("http source read completed",
		"endpoint", h.endpoint,
		"record_count", len(records),
		"duration", time.Since(startTime),
	)
	return limit(records, spec), nil
}

func (h *HTTP) fetchPages(ctx context.Context, max int) (pipeline.Batch, error) {
	records := pipeline.Batch{}
	for page := 1; page <= maxPaginationPages; page++ {
		pageURL, err := h.pageURL(page)
		if err != nil {
			return nil, err
		}
		body, err := h.doRequest(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		pageRecords, totalPages, err := h.parseResponse(body)
		if err != nil {
			return nil, err
		}
		records = append(records, pageRecords...)

		logger.Debug("http source page fetched",
			"page", page,
			"total_pages", totalPages,
			"records_in_page", len(pageRecords),
		)
		if len(pageRecords) == 0 || (totalPages > 0 && page >= totalPages) || (max > 0 && len(records) >= max) {
			break
		}
	}
	return records, nil
}

func (h *HTTP) pageURL(page int) (string, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set(h.pageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// doRequest executes an HTTP GET request and returns the raw response body.
func (h *HTTP) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, permanent(fmt.Errorf("creating http request: %w", err))
	}
	req.Header.Set("User-Agent", httpconfig.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHTTPRequest, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("failed to close response body", "endpoint", endpoint, "error", closeErr.Error())
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		classified := httpconfig.ClassifyResponse(resp.StatusCode, body)
		classified.OriginalErr = &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Endpoint:   endpoint,
			Message:    classified.Message,
		}
		return nil, classified
	}
	return body, nil
}

// parseResponse accepts a JSON array, or an object holding the array in
// dataField or one of the usual envelope fields.
func (h *HTTP) parseResponse(body []byte) (pipeline.Batch, int, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, permanent(fmt.Errorf("%w: %w", ErrJSONParse, err))
	}

	obj, isObject := doc.(map[string]interface{})
	if !isObject {
		records, err := toRecords(doc)
		if err != nil {
			return nil, 0, permanent(fmt.Errorf("%w: %w", ErrInvalidDataField, err))
		}
		return records, 0, nil
	}

	totalPages := 0
	if h.totalPagesField != "" {
		if n, ok := obj[h.totalPagesField].(float64); ok {
			totalPages = int(n)
		}
	}

	if h.config.DataField != "" {
		data, ok := obj[h.config.DataField]
		if !ok {
			return nil, 0, permanent(fmt.Errorf("%w: field '%s' not found", ErrInvalidDataField, h.config.DataField))
		}
		records, err := toRecords(data)
		if err != nil {
			return nil, 0, permanent(fmt.Errorf("%w: %w", ErrInvalidDataField, err))
		}
		return records, totalPages, nil
	}

	for _, field := range []string{"data", "items", "results", "records"} {
		if data, ok := obj[field]; ok {
			if records, err := toRecords(data); err == nil {
				return records, totalPages, nil
			}
		}
	}
	return pipeline.Batch{obj}, totalPages, nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

var _ Source = (*HTTP)(nil)
