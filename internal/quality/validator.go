package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Option configures a Validator.
type Option func(*Validator)

// WithClock sets the function used to timestamp reports.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithIDGenerator sets the function used to assign report ids.
func WithIDGenerator(newID func() string) Option {
	return func(v *Validator) { v.newID = newID }
}

// Validator aggregates rule evaluations into QualityReports. Compiled
// expressions are cached across calls; a Validator is safe for concurrent use.
type Validator struct {
	cache *compileCache
	now   func() time.Time
	newID func() string
}

// NewValidator returns a Validator using the wall clock and random UUIDs
// unless overridden.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		cache: newCompileCache(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate builds a report with a fresh Validator.
func Validate(batch pipeline.Batch, schema *pipeline.DataSchema, rules []pipeline.QualityRule) pipeline.QualityReport {
	return NewValidator().Validate(batch, schema, rules)
}

// Validate evaluates every rule and aggregates the results:
//   - a dimension's score is the weighted mean of its rules' measurements
//   - a dimension fails if a critical rule failed and warns if a medium or
//     high rule failed
//   - the overall score weights each dimension by its rule count; an empty
//     rule set scores 1
//   - issues list failed rules by descending severity, then name
//
// RunID and Checkpoint are left for the caller to fill in.
func (v *Validator) Validate(batch pipeline.Batch, schema *pipeline.DataSchema, rules []pipeline.QualityRule) pipeline.QualityReport {
	ev := &Evaluator{schema: schema, cache: v.cache}

	groups := make(map[pipeline.RuleType][]Evaluation, len(pipeline.RuleTypes))
	for _, rule := range rules {
		groups[rule.Type] = append(groups[rule.Type], ev.Evaluate(rule, batch))
	}

	report := pipeline.QualityReport{
		ID:           v.newID(),
		Timestamp:    v.now(),
		RecordCount:  len(batch),
		OverallScore: 1,
		Dimensions:   []pipeline.QualityDimension{},
		Issues:       []pipeline.QualityIssue{},
	}

	var weighted, totalRules float64
	for _, t := range pipeline.RuleTypes {
		evals, ok := groups[t]
		if !ok {
			continue
		}
		dim := dimension(t, evals)
		report.Dimensions = append(report.Dimensions, dim)
		weighted += dim.Score * dim.Weight
		totalRules += dim.Weight

		for _, e := range evals {
			if !e.Passed {
				report.Issues = append(report.Issues, issue(e))
			}
		}
	}
	// Rules with a type outside the closed set are reported, never dropped.
	for t, evals := range groups {
		if _, err := pipeline.ParseRuleType(string(t)); err == nil {
			continue
		}
		for _, e := range evals {
			report.Issues = append(report.Issues, issue(e))
		}
	}

	if totalRules > 0 {
		report.OverallScore = clamp(weighted / totalRules)
	}

	sort.SliceStable(report.Issues, func(i, j int) bool {
		a, b := report.Issues[i], report.Issues[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.Rule < b.Rule
	})
	return report
}

// dimension aggregates the evaluations of one rule type. Weight is the rule
// count, which is what the overall score is weighted by.
func dimension(t pipeline.RuleType, evals []Evaluation) pipeline.QualityDimension {
	var sum, weights float64
	status := pipeline.DimensionPassed
	for _, e := range evals {
		w := e.Rule.EffectiveWeight()
		sum += e.Measured * w
		weights += w
		if e.Passed {
			continue
		}
		switch e.Rule.Severity {
		case pipeline.SeverityCritical:
			status = pipeline.DimensionFailed
		case pipeline.SeverityMedium, pipeline.SeverityHigh:
			if status != pipeline.DimensionFailed {
				status = pipeline.DimensionWarning
			}
		}
	}
	score := 0.0
	if weights > 0 {
		score = clamp(sum / weights)
	}
	return pipeline.QualityDimension{
		Name:      t,
		Score:     score,
		Weight:    float64(len(evals)),
		Status:    status,
		RuleCount: len(evals),
	}
}

func issue(e Evaluation) pipeline.QualityIssue {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("measured %.4f below threshold %.4f", e.Measured, e.Rule.Threshold)
	}
	return pipeline.QualityIssue{
		Rule:      e.Rule.Name,
		Type:      e.Rule.Type,
		Severity:  e.Rule.Severity,
		Measured:  e.Measured,
		Threshold: e.Rule.Threshold,
		Message:   msg,
	}
}
