package quality

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/canectors/dataflow/pkg/pipeline"
)

func ptr(f float64) *float64 { return &f }

func customers(n int, nullAt ...int) pipeline.Batch {
	nulls := map[int]bool{}
	for _, i := range nullAt {
		nulls[i] = true
	}
	batch := make(pipeline.Batch, n)
	for i := 0; i < n; i++ {
		var email interface{} = "user" + string(rune('a'+i)) + "@example.com"
		if nulls[i] {
			email = nil
		}
		batch[i] = pipeline.Record{"id": i + 1, "email": email, "age": 20 + i, "country": "FR"}
	}
	return batch
}

func TestEvaluateCompleteness(t *testing.T) {
	rule := pipeline.QualityRule{
		Name:      "email-present",
		Type:      pipeline.RuleCompleteness,
		Condition: pipeline.RuleCondition{Field: "email"},
		Threshold: 0.8,
		Severity:  pipeline.SeverityHigh,
	}
	ev := Evaluate(rule, customers(10, 4))
	if ev.Measured != 0.9 || !ev.Passed {
		t.Errorf("Evaluate() = measured %v passed %v, want 0.9 true", ev.Measured, ev.Passed)
	}
}

func TestEvaluateFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		rule    pipeline.QualityRule
		batch   pipeline.Batch
		wantMsg string
	}{
		{
			name:    "field absent",
			rule:    pipeline.QualityRule{Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "phone"}},
			batch:   customers(3),
			wantMsg: MsgFieldAbsent,
		},
		{
			name:    "empty batch",
			rule:    pipeline.QualityRule{Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "email"}},
			batch:   pipeline.Batch{},
			wantMsg: MsgEmptyBatch,
		},
		{
			name:    "consistency without expression",
			rule:    pipeline.QualityRule{Type: pipeline.RuleConsistency},
			batch:   customers(3),
			wantMsg: MsgNoExpression,
		},
		{
			name:    "invalid expression",
			rule:    pipeline.QualityRule{Type: pipeline.RuleConsistency, Condition: pipeline.RuleCondition{Expression: "age >"}},
			batch:   customers(3),
			wantMsg: "invalid expression",
		},
		{
			name:    "unknown rule type",
			rule:    pipeline.QualityRule{Type: "freshness"},
			batch:   customers(3),
			wantMsg: "unknown rule type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.Threshold = 0
			ev := Evaluate(tt.rule, tt.batch)
			if ev.Measured != 0 {
				t.Errorf("Measured = %v, want 0", ev.Measured)
			}
			if ev.Passed {
				t.Error("an unmeasurable rule must not pass, even with a zero threshold")
			}
			if !strings.Contains(ev.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", ev.Message, tt.wantMsg)
			}
		})
	}
}

func TestEvaluateUniqueness(t *testing.T) {
	batch := pipeline.Batch{
		{"id": 1, "region": "eu"},
		{"id": 1.0, "region": "eu"},
		{"id": 2, "region": "eu"},
		{"id": nil, "region": "us"},
	}
	ev := Evaluate(pipeline.QualityRule{
		Type:      pipeline.RuleUniqueness,
		Condition: pipeline.RuleCondition{Fields: []string{"id", "region"}},
		Threshold: 0.9,
	}, batch)
	if ev.Measured != 0.5 || ev.Passed {
		t.Errorf("uniqueness = %v passed %v, want 0.5 false", ev.Measured, ev.Passed)
	}
}

func TestEvaluateValidityWithSchema(t *testing.T) {
	schema := &pipeline.DataSchema{Fields: []pipeline.SchemaField{
		{Name: "age", Type: pipeline.FieldInteger, Constraints: &pipeline.FieldConstraints{Min: ptr(0), Max: ptr(120)}},
		{Name: "email", Type: pipeline.FieldString, Nullable: true, Constraints: &pipeline.FieldConstraints{Pattern: `^[^@]+@[^@]+$`}},
		{Name: "created", Type: pipeline.FieldTimestamp},
	}}
	batch := pipeline.Batch{
		{"age": 30, "email": "a@x.io", "created": "2026-01-02T10:00:00Z"},
		{"age": 30.5, "email": nil, "created": "yesterday"},
		{"age": -1, "email": "broken", "created": time.Now()},
		{"age": float64(44), "email": "b@x.io", "created": "2026-01-02"},
	}
	ev := NewEvaluator(schema)

	tests := []struct {
		field string
		want  float64
	}{
		{"age", 0.5},
		{"email", 0.75},
		{"created", 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got := ev.Evaluate(pipeline.QualityRule{
				Type:      pipeline.RuleValidity,
				Condition: pipeline.RuleCondition{Field: tt.field},
				Threshold: 1,
			}, batch)
			if got.Measured != tt.want {
				t.Errorf("validity(%s) = %v, want %v (%s)", tt.field, got.Measured, tt.want, got.Message)
			}
		})
	}
}

func TestEvaluateAccuracyAndConsistency(t *testing.T) {
	batch := pipeline.Batch{
		{"country": "FR", "start": 1, "end": 5},
		{"country": "DE", "start": 4, "end": 2},
		{"country": "XX", "start": 1, "end": 1},
		{"country": "FR", "start": 0, "end": 9},
	}

	accuracy := Evaluate(pipeline.QualityRule{
		Type:      pipeline.RuleAccuracy,
		Condition: pipeline.RuleCondition{Field: "country", Allowed: []interface{}{"FR", "DE"}},
		Threshold: 0.7,
	}, batch)
	if accuracy.Measured != 0.75 || !accuracy.Passed {
		t.Errorf("accuracy = %+v", accuracy)
	}

	consistency := Evaluate(pipeline.QualityRule{
		Type:      pipeline.RuleConsistency,
		Condition: pipeline.RuleCondition{Expression: "end >= start"},
		Threshold: 0.8,
	}, batch)
	if consistency.Measured != 0.75 || consistency.Passed {
		t.Errorf("consistency = %+v", consistency)
	}
}

func fixedValidator() *Validator {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewValidator(
		WithClock(func() time.Time { return at }),
		WithIDGenerator(func() string { return "report-1" }),
	)
}

func TestValidateAggregation(t *testing.T) {
	batch := customers(10, 4)
	batch[9]["id"] = 1 // duplicate key
	rules := []pipeline.QualityRule{
		{Name: "email-present", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "email"}, Threshold: 0.95, Severity: pipeline.SeverityMedium},
		{Name: "country-present", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "country"}, Threshold: 1, Severity: pipeline.SeverityLow, Weight: 3},
		{Name: "id-unique", Type: pipeline.RuleUniqueness, Condition: pipeline.RuleCondition{Field: "id"}, Threshold: 1, Severity: pipeline.SeverityCritical},
		{Name: "phone-present", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "phone"}, Threshold: 0.5, Severity: pipeline.SeverityLow},
	}

	report := fixedValidator().Validate(batch, nil, rules)

	if report.ID != "report-1" || report.RecordCount != 10 {
		t.Errorf("report header = %+v", report)
	}
	if len(report.Dimensions) != 2 || report.Dimensions[0].Name != pipeline.RuleCompleteness || report.Dimensions[1].Name != pipeline.RuleUniqueness {
		t.Fatalf("dimensions = %+v", report.Dimensions)
	}

	completeness := report.Dimensions[0]
	// (0.9*1 + 1*3 + 0*1) / 5
	if want := 0.78; math.Abs(completeness.Score-want) > 1e-9 {
		t.Errorf("completeness score = %v, want %v", completeness.Score, want)
	}
	if completeness.Status != pipeline.DimensionWarning || completeness.RuleCount != 3 {
		t.Errorf("completeness = %+v", completeness)
	}
	uniqueness := report.Dimensions[1]
	if uniqueness.Score != 0.9 || uniqueness.Status != pipeline.DimensionFailed {
		t.Errorf("uniqueness = %+v", uniqueness)
	}

	// (0.78*3 + 0.9*1) / 4
	if want := 0.81; math.Abs(report.OverallScore-want) > 1e-9 {
		t.Errorf("OverallScore = %v, want %v", report.OverallScore, want)
	}

	var names []string
	for _, is := range report.Issues {
		names = append(names, is.Rule)
	}
	if got := strings.Join(names, ","); got != "id-unique,email-present,phone-present" {
		t.Errorf("issue order = %s", got)
	}
}

func TestValidateEmptyRuleSet(t *testing.T) {
	report := fixedValidator().Validate(customers(3), nil, nil)
	if report.OverallScore != 1 || len(report.Dimensions) != 0 || len(report.Issues) != 0 {
		t.Errorf("empty rule set report = %+v", report)
	}
}

func TestValidateScoreBoundsAndDeterminism(t *testing.T) {
	batches := []pipeline.Batch{
		{},
		customers(1),
		customers(10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9),
		{{"weird": []interface{}{1, 2}}, {"email": map[string]interface{}{"x": 1}}},
	}
	rules := []pipeline.QualityRule{
		{Name: "a", Type: pipeline.RuleCompleteness, Condition: pipeline.RuleCondition{Field: "email"}, Threshold: 0.5, Severity: pipeline.SeverityCritical, Weight: 1e6},
		{Name: "b", Type: pipeline.RuleValidity, Condition: pipeline.RuleCondition{Field: "age", Min: ptr(21)}, Threshold: 0.5, Severity: pipeline.SeverityLow},
		{Name: "c", Type: pipeline.RuleConsistency, Condition: pipeline.RuleCondition{Expression: "age / 0 > 1"}, Threshold: 0.5},
		{Name: "d", Type: pipeline.RuleAccuracy, Condition: pipeline.RuleCondition{Field: "country", Pattern: "^[A-Z]{2}$"}, Threshold: 0.5},
		{Name: "e", Type: pipeline.RuleUniqueness, Condition: pipeline.RuleCondition{Fields: []string{"id", "email"}}, Threshold: 0.5},
	}

	v := fixedValidator()
	for i, batch := range batches {
		first := v.Validate(batch, nil, rules)
		second := v.Validate(pipeline.CloneBatch(batch), nil, rules)
		if first.OverallScore < 0 || first.OverallScore > 1 {
			t.Errorf("batch %d: OverallScore %v out of [0,1]", i, first.OverallScore)
		}
		for _, d := range first.Dimensions {
			if d.Score < 0 || d.Score > 1 {
				t.Errorf("batch %d: dimension %s score %v out of [0,1]", i, d.Name, d.Score)
			}
		}
		if first.OverallScore != second.OverallScore {
			t.Errorf("batch %d: scores differ across identical runs: %v vs %v", i, first.OverallScore, second.OverallScore)
		}
	}
}
