package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Aggregate operations
const (
	OpCount = "count"
	OpSum   = "sum"
	OpAvg   = "avg"
	OpMin   = "min"
	OpMax   = "max"
	OpFirst = "first"
	OpLast  = "last"
)

// aggregateStage groups records and reduces each group to one record.
//
// Config:
//
//	groupBy: [customer_id]
//	metrics:
//	  order_count: {op: count}
//	  revenue: {op: sum, field: amount}
//	dedupe: true   # keep the first record of each group unchanged instead
//
// Groups are emitted in order of first appearance. Records whose metric
// field is not numeric are reported and left out of every group.
type aggregateStage struct {
	stageBase
	groupBy []string
	metrics []metric
	dedupe  bool
}

type metric struct {
	out   string
	op    string
	field string
}

func (m metric) numeric() bool {
	return m.op == OpSum || m.op == OpAvg || m.op == OpMin || m.op == OpMax
}

func newAggregate(base stageBase, cfg config) (Stage, error) {
	groupBy, err := cfg.getStrings("groupBy")
	if err != nil {
		return nil, err
	}
	dedupe, err := cfg.getBool("dedupe")
	if err != nil {
		return nil, err
	}
	metricsCfg, err := cfg.getObject("metrics")
	if err != nil {
		return nil, err
	}

	a := &aggregateStage{stageBase: base, groupBy: groupBy, dedupe: dedupe}
	if dedupe {
		if len(metricsCfg) > 0 {
			return nil, cfg.invalid("metrics", "cannot be combined with dedupe")
		}
		return a, nil
	}
	if len(groupBy) == 0 && len(metricsCfg) == 0 {
		return nil, cfg.invalid("groupBy", "an aggregate stage needs groupBy, metrics or dedupe")
	}

	for _, out := range sortedKeys(metricsCfg) {
		spec, ok := metricsCfg[out].(map[string]interface{})
		if !ok {
			return nil, cfg.invalid("metrics."+out, "must be an object with op and field")
		}
		op, _ := spec["op"].(string)
		field, _ := spec["field"].(string)
		m := metric{out: out, op: op, field: field}
		switch op {
		case OpCount:
		case OpSum, OpAvg, OpMin, OpMax, OpFirst, OpLast:
			if field == "" {
				return nil, cfg.invalid("metrics."+out+".field", "is required for %s", op)
			}
		default:
			return nil, cfg.invalid("metrics."+out+".op", "unknown aggregate operation %q", op)
		}
		a.metrics = append(a.metrics, m)
	}
	return a, nil
}

type group struct {
	first   pipeline.Record
	records []pipeline.Record
}

func (a *aggregateStage) Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error) {
	var (
		order      []string
		groups     = make(map[string]*group)
		recordErrs []*errhandling.RecordError
	)

	for i, record := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if !a.dedupe {
			if err := a.checkNumeric(record); err != nil {
				recordErrs = append(recordErrs, a.recordError(i, err))
				continue
			}
		}

		key := a.key(record)
		g, ok := groups[key]
		if !ok {
			g = &group{first: record}
			groups[key] = g
			order = append(order, key)
		}
		if !a.dedupe {
			g.records = append(g.records, record)
		}
	}

	out := make(pipeline.Batch, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if a.dedupe {
			out = append(out, pipeline.CloneRecord(g.first))
			continue
		}
		out = append(out, a.reduce(g))
	}
	return out, recordErrs, nil
}

// checkNumeric verifies every numeric metric field that is present.
func (a *aggregateStage) checkNumeric(record pipeline.Record) error {
	for _, m := range a.metrics {
		if !m.numeric() {
			continue
		}
		v, ok := pathutil.Get(record, m.field)
		if !ok || v == nil {
			continue
		}
		if _, ok := toFloat(v); !ok {
			return fmt.Errorf("%s: field %s is not numeric (%T)", m.out, m.field, v)
		}
	}
	return nil
}

// key identifies a record's group. Without groupBy, dedupe compares whole
// records and aggregation puts everything in one group.
func (a *aggregateStage) key(record pipeline.Record) string {
	if len(a.groupBy) == 0 {
		if !a.dedupe {
			return ""
		}
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Sprintf("%v", record)
		}
		return string(b)
	}
	parts := make([]string, len(a.groupBy))
	for i, f := range a.groupBy {
		v, _ := pathutil.Get(record, f)
		if n, ok := toFloat(v); ok {
			parts[i] = fmt.Sprintf("n:%v", n)
		} else {
			parts[i] = fmt.Sprintf("%T:%v", v, v)
		}
	}
	return strings.Join(parts, "\x1f")
}

func (a *aggregateStage) reduce(g *group) pipeline.Record {
	result := pipeline.Record{}
	for _, f := range a.groupBy {
		v, _ := pathutil.Get(g.first, f)
		_ = pathutil.Set(result, f, pipeline.CloneValue(v))
	}

	for _, m := range a.metrics {
		var value interface{}
		switch m.op {
		case OpCount:
			n := 0
			for _, r := range g.records {
				if m.field == "" {
					n++
				} else if v, ok := pathutil.Get(r, m.field); ok && v != nil {
					n++
				}
			}
			value = n
		case OpFirst, OpLast:
			records := g.records
			if m.op == OpLast {
				records = reversed(records)
			}
			for _, r := range records {
				if v, ok := pathutil.Get(r, m.field); ok && v != nil {
					value = pipeline.CloneValue(v)
					break
				}
			}
		default:
			value = reduceNumeric(m.op, m.field, g.records)
		}
		_ = pathutil.Set(result, m.out, value)
	}
	return result
}

// reduceNumeric returns nil when the group has no value for field.
func reduceNumeric(op, field string, records []pipeline.Record) interface{} {
	var (
		sum, min, max float64
		n             int
	)
	for _, r := range records {
		v, ok := pathutil.Get(r, field)
		if !ok || v == nil {
			continue
		}
		f, _ := toFloat(v)
		if n == 0 || f < min {
			min = f
		}
		if n == 0 || f > max {
			max = f
		}
		sum += f
		n++
	}
	if n == 0 {
		if op == OpSum {
			return 0.0
		}
		return nil
	}
	switch op {
	case OpSum:
		return sum
	case OpAvg:
		return sum / float64(n)
	case OpMin:
		return min
	default:
		return max
	}
}

func reversed(records []pipeline.Record) []pipeline.Record {
	out := make([]pipeline.Record, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r
	}
	return out
}
