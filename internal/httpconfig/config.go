// Package httpconfig holds the request settings shared by the http source,
// the http destination and the notification webhook.
//
// Settings problems are reported as configuration errors so they stop a
// pipeline before any run is recorded. Failed responses are mapped onto the
// failure classes the resilience wrapper selects fallbacks by.
package httpconfig

import (
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "dataflow/1.0"

	// RunIDHeader carries the run id on outgoing writes; receivers use it
	// to drop redelivered batches. Adapters set it, configs may not.
	RunIDHeader = "X-Run-ID"

	// maxErrorSnippet bounds the response body quoted in a failure message.
	maxErrorSnippet = 500
)

// BaseConfig is the adapter config subset every HTTP adapter understands.
type BaseConfig struct {
	Endpoint string `json:"endpoint"`

	// Method defaults per adapter: GET for sources, POST for destinations.
	Method string `json:"method,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	// QueryParams are merged into the endpoint query.
	QueryParams map[string]string `json:"queryParams,omitempty"`

	// TimeoutMs bounds a single request. Zero means DefaultTimeout; a
	// request cut off by it fails as api_timeout.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// DataField names the envelope field holding the record array.
	DataField string `json:"dataField,omitempty"`
}

// GetTimeout returns the per-request timeout.
func (c *BaseConfig) GetTimeout() time.Duration {
	return GetTimeoutDuration(c.TimeoutMs, DefaultTimeout)
}
