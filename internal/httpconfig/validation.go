package httpconfig

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/canectors/dataflow/internal/errhandling"
)

// ValidateBaseConfig checks the settings an adapter cannot run without.
// scope prefixes the reported field, e.g. "source.config".
func ValidateBaseConfig(config BaseConfig, scope string) error {
	field := func(name string) string { return scope + "." + name }

	if config.Endpoint == "" {
		return errhandling.NewConfigurationError(field("endpoint"), "is required")
	}
	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return &errhandling.ConfigurationError{Field: field("endpoint"), Message: "not a URL", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errhandling.NewConfigurationError(field("endpoint"), "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errhandling.NewConfigurationError(field("endpoint"), "host is required")
	}
	if config.TimeoutMs < 0 {
		return errhandling.NewConfigurationError(field("timeoutMs"), "must not be negative, got %d", config.TimeoutMs)
	}
	for name, value := range config.Headers {
		if name == "" || strings.ContainsAny(name, " \t\r\n:") {
			return errhandling.NewConfigurationError(field("headers"), "invalid header name %q", name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return errhandling.NewConfigurationError(field("headers."+name), "value contains a line break")
		}
		if http.CanonicalHeaderKey(name) == RunIDHeader {
			return errhandling.NewConfigurationError(field("headers."+name), "is set by the engine")
		}
	}
	return nil
}

// ValidateMethod rejects a method the adapter does not support. An empty
// method is accepted; the adapter applies its default.
func ValidateMethod(method string, allowed []string, scope string) error {
	if method == "" {
		return nil
	}
	for _, a := range allowed {
		if method == a {
			return nil
		}
	}
	return errhandling.NewConfigurationError(scope+".method", "must be one of %v, got %s", allowed, method)
}

// BuildURL merges the static query parameters into the endpoint.
func BuildURL(config BaseConfig) (string, error) {
	if len(config.QueryParams) == 0 {
		return config.Endpoint, nil
	}
	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	for k, v := range config.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClassifyResponse maps a failed response onto a failure class: 408 and 504
// are api_timeout, 429 and 5xx service_unavailable, other 4xx permanent.
// At most maxErrorSnippet bytes of body are kept in the message.
func ClassifyResponse(statusCode int, body []byte) *errhandling.ClassifiedError {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	ce := errhandling.ClassifyHTTPStatus(statusCode, snippet)
	if statusCode >= 400 && snippet != "" {
		ce.Message += ": " + snippet
	}
	return ce
}
