package pipeline

// CloneValue deep-copies maps and slices produced by JSON or YAML decoding.
// Other values are returned as-is.
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneRecord(item)
		}
		return out
	default:
		return v
	}
}

// CloneRecord deep-copies a record.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	return CloneValue(r).(map[string]interface{})
}

// CloneBatch deep-copies a batch.
func CloneBatch(b Batch) Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = CloneRecord(r)
	}
	return out
}

func cloneConfigMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return CloneValue(m).(map[string]interface{})
}

// Clone returns a deep copy of the configuration.
func (c *PipelineConfig) Clone() *PipelineConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Source.Config = cloneConfigMap(c.Source.Config)
	out.Destination.Config = cloneConfigMap(c.Destination.Config)

	if c.Transformations != nil {
		out.Transformations = make([]Transformation, len(c.Transformations))
		for i, t := range c.Transformations {
			t.Config = cloneConfigMap(t.Config)
			out.Transformations[i] = t
		}
	}
	if c.Fallbacks != nil {
		out.Fallbacks = make(map[FailureClass]FallbackStrategy, len(c.Fallbacks))
		for k, v := range c.Fallbacks {
			out.Fallbacks[k] = v
		}
	}
	if c.Schema != nil {
		schema := DataSchema{Fields: append([]SchemaField(nil), c.Schema.Fields...)}
		out.Schema = &schema
	}
	out.Rules = append([]QualityRule(nil), c.Rules...)
	out.Checkpoints = append([]Checkpoint(nil), c.Checkpoints...)
	return &out
}

// Clone returns a deep copy of the report.
func (r QualityReport) Clone() QualityReport {
	out := r
	out.Dimensions = append([]QualityDimension(nil), r.Dimensions...)
	out.Issues = append([]QualityIssue(nil), r.Issues...)
	return out
}

// Clone returns a deep copy of the run so readers never share memory with
// the engine.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Checkpoints != nil {
		out.Checkpoints = make([]QualityReport, len(r.Checkpoints))
		for i, rep := range r.Checkpoints {
			out.Checkpoints[i] = rep.Clone()
		}
	}
	out.Stages = append([]StageOutcome(nil), r.Stages...)
	if r.Destination != nil {
		dest := DataDestination{Type: r.Destination.Type, Config: cloneConfigMap(r.Destination.Config)}
		out.Destination = &dest
	}
	if r.Error != nil {
		info := *r.Error
		if r.Error.Details != nil {
			info.Details = cloneConfigMap(r.Error.Details)
		}
		out.Error = &info
	}
	return &out
}
