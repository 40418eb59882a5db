package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// DefaultSeverity applies to rules that do not declare one.
const DefaultSeverity = pipeline.SeverityMedium

// duration decodes "1m30s" style strings.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	*d = duration(v)
	return nil
}

type retryDocument struct {
	MaxRetries        int      `json:"maxRetries"`
	BaseDelay         duration `json:"baseDelay"`
	MaxDelay          duration `json:"maxDelay"`
	BackoffMultiplier float64  `json:"backoffMultiplier"`
}

type breakerDocument struct {
	FailureThreshold int      `json:"failureThreshold"`
	RecoveryTimeout  duration `json:"recoveryTimeout"`
}

// document is the on-disk form of a PipelineConfig. Fields declared here
// shadow the embedded ones so durations are written as strings.
type document struct {
	pipeline.PipelineConfig

	SchemaVersion  string          `json:"schemaVersion"`
	Retry          retryDocument   `json:"retry"`
	CircuitBreaker breakerDocument `json:"circuitBreaker"`
	Timeout        duration        `json:"timeout"`
}

// ConvertToPipeline builds a PipelineConfig from schema-validated document
// data. The id defaults to the name and rule severities default to
// DefaultSeverity.
func ConvertToPipeline(data map[string]interface{}) (*pipeline.PipelineConfig, error) {
	if data == nil {
		return nil, fmt.Errorf("document data is nil")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	cfg := doc.PipelineConfig
	cfg.Retry = pipeline.RetryPolicy{
		MaxRetries:        doc.Retry.MaxRetries,
		BaseDelay:         time.Duration(doc.Retry.BaseDelay),
		MaxDelay:          time.Duration(doc.Retry.MaxDelay),
		BackoffMultiplier: doc.Retry.BackoffMultiplier,
	}
	if _, ok := data["retry"]; ok && cfg.Retry.BackoffMultiplier == 0 {
		// keep a present block distinct from the unset policy
		cfg.Retry.BackoffMultiplier = errhandling.DefaultBackoffMultiplier
	}
	cfg.CircuitBreaker = pipeline.CircuitBreakerPolicy{
		FailureThreshold: doc.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(doc.CircuitBreaker.RecoveryTimeout),
	}
	cfg.Timeout = time.Duration(doc.Timeout)
	if cfg.ID == "" {
		cfg.ID = cfg.Name
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Severity == "" {
			cfg.Rules[i].Severity = DefaultSeverity
		}
	}

	cfg.Source.Config = normalize(cfg.Source.Config)
	cfg.Destination.Config = normalize(cfg.Destination.Config)
	for i := range cfg.Transformations {
		cfg.Transformations[i].Config = normalize(cfg.Transformations[i].Config)
	}
	for i := range cfg.Rules {
		normalizeList(cfg.Rules[i].Condition.Allowed)
	}
	if cfg.Schema != nil {
		for _, f := range cfg.Schema.Fields {
			if f.Constraints != nil {
				normalizeList(f.Constraints.Enum)
			}
		}
	}
	return &cfg, nil
}

// normalize turns the json.Number values left by UseNumber into int64 when
// integral and float64 otherwise, so adapter configs see plain Go numbers.
func normalize(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeList(l []interface{}) {
	for i := range l {
		l[i] = normalizeValue(l[i])
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		return normalize(t)
	case []interface{}:
		normalizeList(t)
		return t
	}
	return v
}
