package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Join policies
const (
	JoinInner = "inner"
	JoinLeft  = "left"
)

// joinStage enriches records with fields from a secondary batch.
//
// Config:
//
//	on: [customer_id]            # key fields, same name on both sides
//	policy: inner | left         # default inner
//	fields: [segment, country]   # companion fields (default: all secondary fields)
//	records: [...]               # inline secondary records, or
//	source: {type: file, config: {...}}
//
// The first secondary record per key wins. Unmatched rows are dropped by an
// inner join and kept with null companion fields by a left join. Records
// with a null key never match. A record whose companion path crosses a
// non-object value is a record error.
type joinStage struct {
	stageBase
	on      []string
	policy  string
	fields  []string
	records pipeline.Batch
	source  *pipeline.DataSource
	read    func(ctx context.Context, src pipeline.DataSource) (pipeline.Batch, error)
}

func newJoin(base stageBase, cfg config, env Env) (Stage, error) {
	on, err := cfg.getStrings("on")
	if err != nil {
		return nil, err
	}
	if len(on) == 0 {
		return nil, cfg.invalid("on", "at least one key field is required")
	}
	policy, err := cfg.getString("policy")
	if err != nil {
		return nil, err
	}
	switch policy {
	case "":
		policy = JoinInner
	case JoinInner, JoinLeft:
	default:
		return nil, cfg.invalid("policy", "must be inner or left (got %q)", policy)
	}
	fields, err := cfg.getStrings("fields")
	if err != nil {
		return nil, err
	}

	j := &joinStage{stageBase: base, on: on, policy: policy, fields: fields, read: env.ReadSource}

	if cfg.has("source") {
		src, err := cfg.getObject("source")
		if err != nil {
			return nil, err
		}
		typ, _ := src["type"].(string)
		if typ == "" {
			return nil, cfg.invalid("source.type", "is required")
		}
		srcCfg, _ := src["config"].(map[string]interface{})
		j.source = &pipeline.DataSource{Type: typ, Config: srcCfg}
		if j.read == nil {
			return nil, cfg.invalid("source", "secondary sources are not available in this context")
		}
	} else {
		if j.records, err = cfg.getRecords("records"); err != nil {
			return nil, err
		}
		if j.records == nil {
			return nil, cfg.invalid("records", "a join needs records or source")
		}
	}
	return j, nil
}

func (j *joinStage) Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error) {
	secondary := j.records
	if j.source != nil {
		var err error
		secondary, err = j.read(ctx, *j.source)
		if err != nil {
			return nil, nil, errhandling.NewStageError(j.name, fmt.Errorf("reading join source: %w", err))
		}
	}

	index := make(map[string]pipeline.Record, len(secondary))
	for _, r := range secondary {
		key, ok := joinKey(r, j.on)
		if !ok {
			continue
		}
		if _, dup := index[key]; !dup {
			index[key] = r
		}
	}
	companions := j.companionFields(secondary)

	out := make(pipeline.Batch, 0, len(batch))
	var recordErrs []*errhandling.RecordError
	for i, record := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var match pipeline.Record
		if key, ok := joinKey(record, j.on); ok {
			match = index[key]
		}
		if match == nil && j.policy == JoinInner {
			continue
		}

		joined, err := j.merge(record, match, companions)
		if err != nil {
			recordErrs = append(recordErrs, j.recordError(i, err))
			continue
		}
		out = append(out, joined)
	}
	return out, recordErrs, nil
}

// merge copies the companion fields of match (nil for an unmatched left
// join row) onto a copy of record.
func (j *joinStage) merge(record, match pipeline.Record, companions []string) (pipeline.Record, error) {
	joined := pipeline.CloneRecord(record)
	for _, f := range companions {
		if err := checkParents(joined, f); err != nil {
			return nil, fmt.Errorf("companion field %s: %w", f, err)
		}
		var v interface{}
		if match != nil {
			v, _ = pathutil.Get(match, f)
		}
		if err := pathutil.Set(joined, f, pipeline.CloneValue(v)); err != nil {
			return nil, fmt.Errorf("companion field %s: %w", f, err)
		}
	}
	return joined, nil
}

// checkParents fails when a parent of path holds a non-object value that
// setting path would overwrite.
func checkParents(record pipeline.Record, path string) error {
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		v, ok := pathutil.Get(record, path[:i])
		if !ok || v == nil {
			return nil
		}
		if _, isObject := v.(map[string]interface{}); !isObject {
			return fmt.Errorf("%s is %T, not an object", path[:i], v)
		}
	}
	return nil
}

// companionFields returns the configured fields, or every non-key field
// seen in the secondary batch in sorted order.
func (j *joinStage) companionFields(secondary pipeline.Batch) []string {
	if len(j.fields) > 0 {
		return j.fields
	}
	keys := make(map[string]bool, len(j.on))
	for _, k := range j.on {
		keys[k] = true
	}
	seen := make(map[string]bool)
	var fields []string
	for _, r := range secondary {
		for f := range r {
			if !keys[f] && !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

func joinKey(record pipeline.Record, on []string) (string, bool) {
	parts := make([]string, len(on))
	for i, f := range on {
		v, ok := pathutil.Get(record, f)
		if !ok || v == nil {
			return "", false
		}
		if n, ok := toFloat(v); ok {
			parts[i] = fmt.Sprintf("n:%v", n)
		} else {
			parts[i] = fmt.Sprintf("%T:%v", v, v)
		}
	}
	return strings.Join(parts, "\x1f"), true
}
