package httpconfig

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

func TestBaseConfig_GetTimeout(t *testing.T) {
	tests := []struct {
		name      string
		timeoutMs int
		want      time.Duration
	}{
		{"custom timeout", 5000, 5 * time.Second},
		{"zero uses default", 0, DefaultTimeout},
		{"negative uses default", -1, DefaultTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &BaseConfig{TimeoutMs: tt.timeoutMs}
			if got := c.GetTimeout(); got != tt.want {
				t.Errorf("GetTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractBaseConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    map[string]interface{}
		wantMs    int
		wantField string
	}{
		{"nil config", nil, 0, ""},
		{"json numbers", map[string]interface{}{"timeoutMs": float64(5000), "dataField": "items"}, 5000, "items"},
		{"yaml numbers", map[string]interface{}{"timeoutMs": 2500}, 2500, ""},
		{"legacy seconds", map[string]interface{}{"timeout": 1.5}, 1500, ""},
		{"negative kept for validation", map[string]interface{}{"timeoutMs": -10}, -10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractBaseConfig(tt.config)
			if got.TimeoutMs != tt.wantMs {
				t.Errorf("TimeoutMs = %d, want %d", got.TimeoutMs, tt.wantMs)
			}
			if got.DataField != tt.wantField {
				t.Errorf("DataField = %q, want %q", got.DataField, tt.wantField)
			}
		})
	}
}

func TestExtractStringMap(t *testing.T) {
	config := map[string]interface{}{
		"headers": map[string]interface{}{"Accept": "application/json", "X-Count": 3},
	}
	got := ExtractStringMap(config, "headers")
	if len(got) != 1 || got["Accept"] != "application/json" {
		t.Errorf("ExtractStringMap() = %v", got)
	}
	if got := ExtractStringMap(config, "missing"); len(got) != 0 {
		t.Errorf("missing key = %v, want empty", got)
	}
}

func TestValidateBaseConfig(t *testing.T) {
	tests := []struct {
		name      string
		config    BaseConfig
		wantField string
	}{
		{"https endpoint", BaseConfig{Endpoint: "https://api.example.com/orders"}, ""},
		{"http with port", BaseConfig{Endpoint: "http://localhost:8080"}, ""},
		{"missing endpoint", BaseConfig{}, "source.config.endpoint"},
		{"ftp scheme", BaseConfig{Endpoint: "ftp://example.com"}, "source.config.endpoint"},
		{"relative path", BaseConfig{Endpoint: "/relative/path"}, "source.config.endpoint"},
		{"negative timeout", BaseConfig{Endpoint: "https://a.example", TimeoutMs: -5}, "source.config.timeoutMs"},
		{"header name with colon", BaseConfig{Endpoint: "https://a.example", Headers: map[string]string{"X-A:": "1"}}, "source.config.headers"},
		{"header value line break", BaseConfig{Endpoint: "https://a.example", Headers: map[string]string{"X-A": "1\r\nX-B: 2"}}, "source.config.headers.X-A"},
		{"run id header", BaseConfig{Endpoint: "https://a.example", Headers: map[string]string{"x-run-id": "fixed"}}, "source.config.headers.x-run-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaseConfig(tt.config, "source.config")
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateBaseConfig() error = %v", err)
				}
				return
			}
			var cfgErr *errhandling.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("ValidateBaseConfig() error = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.wantField)
			}
			if errhandling.IsRetryable(err) {
				t.Error("configuration errors must not be retryable")
			}
		})
	}
}

func TestValidateMethod(t *testing.T) {
	allowed := []string{"GET", "POST"}
	if err := ValidateMethod("", allowed, "destination.config"); err != nil {
		t.Errorf("empty method: %v", err)
	}
	if err := ValidateMethod("POST", allowed, "destination.config"); err != nil {
		t.Errorf("POST: %v", err)
	}
	var cfgErr *errhandling.ConfigurationError
	err := ValidateMethod("DELETE", allowed, "destination.config")
	if !errors.As(err, &cfgErr) || cfgErr.Field != "destination.config.method" {
		t.Errorf("DELETE: error = %v, want ConfigurationError on destination.config.method", err)
	}
}

func TestClassifyResponse(t *testing.T) {
	long := strings.Repeat("x", 800)
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass pipeline.FailureClass
		retryable bool
	}{
		{"gateway timeout", 504, "", pipeline.FailureAPITimeout, true},
		{"rate limited", 429, `{"error":"slow down"}`, pipeline.FailureServiceUnavailable, true},
		{"server error", 503, long, pipeline.FailureServiceUnavailable, true},
		{"bad request", 400, "missing id", pipeline.FailureUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyResponse(tt.status, []byte(tt.body))
			if got.Class != tt.wantClass || got.Retryable != tt.retryable {
				t.Errorf("ClassifyResponse() = %s retryable=%v, want %s retryable=%v", got.Class, got.Retryable, tt.wantClass, tt.retryable)
			}
			if got.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.status)
			}
			if len(got.Message) > maxErrorSnippet+64 {
				t.Errorf("message not truncated: %d bytes", len(got.Message))
			}
			if tt.body != "" && tt.body != long && !strings.Contains(got.Message, tt.body) {
				t.Errorf("Message = %q, want body quoted", got.Message)
			}
		})
	}
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL(BaseConfig{
		Endpoint:    "https://api.example.com/orders?status=open",
		QueryParams: map[string]string{"limit": "10"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://api.example.com/orders?limit=10&status=open" {
		t.Errorf("BuildURL() = %q", got)
	}
}
