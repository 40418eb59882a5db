package pipeline_test

import (
	"testing"
	"time"

	"github.com/canectors/dataflow/pkg/pipeline"
)

func TestParseClosedVariants(t *testing.T) {
	if _, err := pipeline.ParseRuleType("completness"); err == nil {
		t.Error("misspelled rule type should be rejected")
	}
	if rt, err := pipeline.ParseRuleType("uniqueness"); err != nil || rt != pipeline.RuleUniqueness {
		t.Errorf("ParseRuleType(uniqueness) = %q, %v", rt, err)
	}
	if _, err := pipeline.ParseSeverity("urgent"); err == nil {
		t.Error("unknown severity should be rejected")
	}
	if _, err := pipeline.ParseTransformationType("pivot"); err == nil {
		t.Error("unknown transformation type should be rejected")
	}
	if fc, err := pipeline.ParseFailureClass("api_timeout"); err != nil || fc != pipeline.FailureAPITimeout {
		t.Errorf("ParseFailureClass(api_timeout) = %q, %v", fc, err)
	}
	if ft, err := pipeline.ParseFieldType("Integer"); err != nil || ft != pipeline.FieldInteger {
		t.Errorf("ParseFieldType(Integer) = %q, %v", ft, err)
	}
}

func TestSeverityRank(t *testing.T) {
	order := []pipeline.Severity{
		pipeline.SeverityLow, pipeline.SeverityMedium, pipeline.SeverityHigh, pipeline.SeverityCritical,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
}

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to pipeline.RunStatus
		want     bool
	}{
		{pipeline.RunPending, pipeline.RunRunning, true},
		{pipeline.RunRunning, pipeline.RunCompleted, true},
		{pipeline.RunRunning, pipeline.RunFailed, true},
		{pipeline.RunCompleted, pipeline.RunRolledBack, true},
		{pipeline.RunFailed, pipeline.RunRolledBack, false},
		{pipeline.RunCompleted, pipeline.RunRunning, false},
		{pipeline.RunRolledBack, pipeline.RunCompleted, false},
		{pipeline.RunPending, pipeline.RunCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPipelineRunCloneIsDeep(t *testing.T) {
	done := time.Now()
	run := &pipeline.PipelineRun{
		ID:          "run-1",
		Status:      pipeline.RunCompleted,
		CompletedAt: &done,
		Checkpoints: []pipeline.QualityReport{{ID: "r1", Issues: []pipeline.QualityIssue{{Rule: "a"}}}},
		Stages:      []pipeline.StageOutcome{{Name: "filter-1"}},
		Error:       &pipeline.ErrorInfo{Code: "X", Details: map[string]interface{}{"k": "v"}},
	}

	clone := run.Clone()
	clone.Checkpoints[0].Issues[0].Rule = "changed"
	clone.Stages[0].Name = "changed"
	clone.Error.Details["k"] = "changed"
	*clone.CompletedAt = done.Add(time.Hour)

	if run.Checkpoints[0].Issues[0].Rule != "a" {
		t.Error("issues share memory with clone")
	}
	if run.Stages[0].Name != "filter-1" {
		t.Error("stages share memory with clone")
	}
	if run.Error.Details["k"] != "v" {
		t.Error("error details share memory with clone")
	}
	if !run.CompletedAt.Equal(done) {
		t.Error("completedAt shares memory with clone")
	}
}

func TestPipelineConfigClone(t *testing.T) {
	cfg := &pipeline.PipelineConfig{
		ID: "p",
		Transformations: []pipeline.Transformation{
			{Type: pipeline.TransformMap, Order: 1, Config: map[string]interface{}{
				"fields": map[string]interface{}{"total": "price * qty"},
			}},
		},
		Source: pipeline.DataSource{Type: "inline", Config: map[string]interface{}{
			"records": []interface{}{map[string]interface{}{"a": 1}},
		}},
	}
	clone := cfg.Clone()
	clone.Transformations[0].Config["fields"].(map[string]interface{})["total"] = "0"
	clone.Source.Config["records"].([]interface{})[0].(map[string]interface{})["a"] = 2

	if cfg.Transformations[0].Config["fields"].(map[string]interface{})["total"] != "price * qty" {
		t.Error("transformation config shares memory with clone")
	}
	if cfg.Source.Config["records"].([]interface{})[0].(map[string]interface{})["a"] != 1 {
		t.Error("source config shares memory with clone")
	}
}

func TestStageNameDefault(t *testing.T) {
	tr := pipeline.Transformation{Type: pipeline.TransformFilter, Order: 3}
	if got := tr.StageName(); got != "filter-3" {
		t.Errorf("StageName() = %q, want filter-3", got)
	}
	tr.Name = "positive-amounts"
	if got := tr.StageName(); got != "positive-amounts" {
		t.Errorf("StageName() = %q", got)
	}
}
