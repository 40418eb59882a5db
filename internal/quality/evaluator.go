// Package quality evaluates declarative quality rules against record batches
// and aggregates them into per-dimension scores and a QualityReport.
//
// Evaluation never fails: a rule that cannot be evaluated (missing field,
// bad expression, empty batch) measures 0 and explains why in its message.
package quality

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Messages used for rules that could not be measured.
const (
	MsgFieldAbsent  = "field absent"
	MsgEmptyBatch   = "empty batch"
	MsgNoField      = "no field configured"
	MsgNoExpression = "no expression configured"
)

// Evaluation is the verdict of one rule over one batch.
type Evaluation struct {
	Rule     pipeline.QualityRule
	Passed   bool
	Measured float64
	Message  string
}

// compileCache holds compiled expressions and patterns. It is safe for
// concurrent use and shared by every evaluator of a Validator.
type compileCache struct {
	mu       sync.Mutex
	programs map[string]compiled
	patterns map[string]*regexp.Regexp
}

type compiled struct {
	program *vm.Program
	err     error
}

func newCompileCache() *compileCache {
	return &compileCache{
		programs: make(map[string]compiled),
		patterns: make(map[string]*regexp.Regexp),
	}
}

func (c *compileCache) program(expression string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p.program, p.err
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		err = fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	c.programs[expression] = compiled{program: program, err: err}
	return program, err
}

func (c *compileCache) pattern(p string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.patterns[p]; ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	c.patterns[p] = re
	return re, nil
}

// Evaluator evaluates rules against batches. Validity rules consult the
// schema declaration of their field when one exists.
type Evaluator struct {
	schema *pipeline.DataSchema
	cache  *compileCache
}

// NewEvaluator returns an evaluator for schema, which may be nil.
func NewEvaluator(schema *pipeline.DataSchema) *Evaluator {
	return &Evaluator{schema: schema, cache: newCompileCache()}
}

// Evaluate measures rule against batch without a schema.
func Evaluate(rule pipeline.QualityRule, batch pipeline.Batch) Evaluation {
	return NewEvaluator(nil).Evaluate(rule, batch)
}

// Evaluate measures rule against batch. Passed is Measured >= Threshold.
func (e *Evaluator) Evaluate(rule pipeline.QualityRule, batch pipeline.Batch) (ev Evaluation) {
	ev.Rule = rule
	defer func() {
		if r := recover(); r != nil {
			ev.Passed = false
			ev.Measured = 0
			ev.Message = fmt.Sprintf("evaluation aborted: %v", r)
		}
	}()

	if len(batch) == 0 {
		ev.Message = MsgEmptyBatch
		return ev
	}
	if fields := rule.Condition.KeyFields(); len(fields) > 0 && !anyRecordHas(batch, fields) {
		ev.Message = MsgFieldAbsent
		return ev
	}

	var (
		matched    int
		msg        string
		measurable bool
	)
	switch rule.Type {
	case pipeline.RuleCompleteness:
		matched, msg, measurable = e.completeness(rule, batch)
	case pipeline.RuleUniqueness:
		matched, msg, measurable = e.uniqueness(rule, batch)
	case pipeline.RuleValidity:
		matched, msg, measurable = e.validity(rule, batch)
	case pipeline.RuleConsistency:
		matched, msg, measurable = e.consistency(rule, batch)
	case pipeline.RuleAccuracy:
		matched, msg, measurable = e.accuracy(rule, batch)
	default:
		ev.Message = fmt.Sprintf("unknown rule type %q", rule.Type)
		return ev
	}
	if !measurable {
		ev.Message = msg
		return ev
	}

	ev.Measured = clamp(float64(matched) / float64(len(batch)))
	ev.Passed = ev.Measured >= rule.Threshold
	ev.Message = msg
	return ev
}

// completeness counts records where the field is present and non-null.
func (e *Evaluator) completeness(rule pipeline.QualityRule, batch pipeline.Batch) (int, string, bool) {
	field := rule.Condition.Field
	if field == "" {
		return 0, MsgNoField, false
	}
	complete := 0
	for _, record := range batch {
		if v, ok := pathutil.Get(record, field); ok && v != nil {
			complete++
		}
	}
	return complete, fmt.Sprintf("%d/%d records have %s", complete, len(batch), field), true
}

// uniqueness counts distinct key tuples. Records with a missing or null key
// part are never unique.
func (e *Evaluator) uniqueness(rule pipeline.QualityRule, batch pipeline.Batch) (int, string, bool) {
	fields := rule.Condition.KeyFields()
	if len(fields) == 0 {
		return 0, MsgNoField, false
	}
	seen := make(map[string]struct{}, len(batch))
	for _, record := range batch {
		key, ok := keyOf(record, fields)
		if !ok {
			continue
		}
		seen[key] = struct{}{}
	}
	return len(seen), fmt.Sprintf("%d distinct keys in %d records", len(seen), len(batch)), true
}

// validity counts records whose field conforms to its schema declaration and
// the rule's own constraints. A rule with only an expression counts records
// for which it holds.
func (e *Evaluator) validity(rule pipeline.QualityRule, batch pipeline.Batch) (int, string, bool) {
	cond := rule.Condition
	if cond.Field == "" {
		if cond.Expression == "" {
			return 0, MsgNoField, false
		}
		return e.countExpression(cond.Expression, batch)
	}

	decl, declared := e.schema.Field(cond.Field)
	var program *vm.Program
	if cond.Expression != "" {
		p, err := e.cache.program(cond.Expression)
		if err != nil {
			return 0, err.Error(), false
		}
		program = p
	}

	valid := 0
	var firstReason string
	for _, record := range batch {
		v, present := pathutil.Get(record, cond.Field)
		reason := ""
		switch {
		case !present || v == nil:
			if !declared || !decl.Nullable {
				reason = "null or missing"
			}
		default:
			if declared {
				reason = e.checkDeclaration(decl, v)
			}
			if reason == "" {
				reason = e.checkCondition(cond, v)
			}
		}
		if reason == "" && program != nil && !runBool(program, record) {
			reason = "expression is false"
		}
		if reason == "" {
			valid++
		} else if firstReason == "" {
			firstReason = reason
		}
	}

	msg := fmt.Sprintf("%d/%d records have a valid %s", valid, len(batch), cond.Field)
	if firstReason != "" {
		msg += " (first violation: " + firstReason + ")"
	}
	return valid, msg, true
}

// consistency counts records satisfying a cross-field expression.
func (e *Evaluator) consistency(rule pipeline.QualityRule, batch pipeline.Batch) (int, string, bool) {
	if rule.Condition.Expression == "" {
		return 0, MsgNoExpression, false
	}
	return e.countExpression(rule.Condition.Expression, batch)
}

// accuracy counts records whose field is allowed and in range, or for which
// the expression holds.
func (e *Evaluator) accuracy(rule pipeline.QualityRule, batch pipeline.Batch) (int, string, bool) {
	cond := rule.Condition
	if cond.Field == "" {
		if cond.Expression == "" {
			return 0, MsgNoField, false
		}
		return e.countExpression(cond.Expression, batch)
	}
	if cond.Expression != "" && len(cond.Allowed) == 0 && cond.Min == nil && cond.Max == nil && cond.Pattern == "" {
		return e.countExpression(cond.Expression, batch)
	}

	accurate := 0
	for _, record := range batch {
		v, ok := pathutil.Get(record, cond.Field)
		if !ok || v == nil {
			continue
		}
		if e.checkCondition(cond, v) == "" {
			accurate++
		}
	}
	return accurate, fmt.Sprintf("%d/%d records have an accurate %s", accurate, len(batch), cond.Field), true
}

func (e *Evaluator) countExpression(expression string, batch pipeline.Batch) (int, string, bool) {
	program, err := e.cache.program(expression)
	if err != nil {
		return 0, err.Error(), false
	}
	n := 0
	for _, record := range batch {
		if runBool(program, record) {
			n++
		}
	}
	return n, fmt.Sprintf("%d/%d records satisfy %s", n, len(batch), expression), true
}

// checkDeclaration returns why v violates decl, or "".
func (e *Evaluator) checkDeclaration(decl pipeline.SchemaField, v interface{}) string {
	if !matchesType(decl.Type, v) {
		return fmt.Sprintf("expected %s, got %T", decl.Type, v)
	}
	c := decl.Constraints
	if c == nil {
		return ""
	}
	if reason := checkRange(c.Min, c.Max, v); reason != "" {
		return reason
	}
	if s, ok := v.(string); ok {
		n := len([]rune(s))
		if c.MinLength != nil && n < *c.MinLength {
			return fmt.Sprintf("length %d below %d", n, *c.MinLength)
		}
		if c.MaxLength != nil && n > *c.MaxLength {
			return fmt.Sprintf("length %d above %d", n, *c.MaxLength)
		}
	}
	if c.Pattern != "" {
		if reason := e.checkPattern(c.Pattern, v); reason != "" {
			return reason
		}
	}
	if len(c.Enum) > 0 && !contains(c.Enum, v) {
		return fmt.Sprintf("%v not in enum", v)
	}
	return ""
}

// checkCondition applies the rule's own Allowed, Min, Max and Pattern.
func (e *Evaluator) checkCondition(cond pipeline.RuleCondition, v interface{}) string {
	if len(cond.Allowed) > 0 && !contains(cond.Allowed, v) {
		return fmt.Sprintf("%v not allowed", v)
	}
	if reason := checkRange(cond.Min, cond.Max, v); reason != "" {
		return reason
	}
	if cond.Pattern != "" {
		return e.checkPattern(cond.Pattern, v)
	}
	return ""
}

func (e *Evaluator) checkPattern(pattern string, v interface{}) string {
	re, err := e.cache.pattern(pattern)
	if err != nil {
		return err.Error()
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if !re.MatchString(s) {
		return fmt.Sprintf("%q does not match %s", s, pattern)
	}
	return ""
}

func checkRange(min, max *float64, v interface{}) string {
	if min == nil && max == nil {
		return ""
	}
	f, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%T is not numeric", v)
	}
	if min != nil && f < *min {
		return fmt.Sprintf("%v below %v", f, *min)
	}
	if max != nil && f > *max {
		return fmt.Sprintf("%v above %v", f, *max)
	}
	return ""
}

func matchesType(t pipeline.FieldType, v interface{}) bool {
	switch t {
	case "":
		return true
	case pipeline.FieldString:
		_, ok := v.(string)
		return ok
	case pipeline.FieldInteger:
		f, ok := toFloat(v)
		return ok && f == float64(int64(f))
	case pipeline.FieldNumber:
		_, ok := toFloat(v)
		return ok
	case pipeline.FieldBoolean:
		_, ok := v.(bool)
		return ok
	case pipeline.FieldTimestamp:
		return isTimestamp(v)
	case pipeline.FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case pipeline.FieldArray:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	}
	return false
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.DateOnly}

func isTimestamp(v interface{}) bool {
	switch ts := v.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range timestampLayouts {
			if _, err := time.Parse(layout, ts); err == nil {
				return true
			}
		}
	}
	return false
}

// toFloat converts any Go numeric value (including json.Number) to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// contains compares numbers by value so 1, int64(1) and 1.0 are equal.
func contains(list []interface{}, v interface{}) bool {
	vf, vNum := toFloat(v)
	for _, item := range list {
		if vNum {
			if f, ok := toFloat(item); ok && f == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// keyOf builds a comparable key from fields. It reports false when any part
// is missing or null.
func keyOf(record pipeline.Record, fields []string) (string, bool) {
	var b strings.Builder
	for i, f := range fields {
		v, ok := pathutil.Get(record, f)
		if !ok || v == nil {
			return "", false
		}
		if i > 0 {
			b.WriteByte(0x1f)
		}
		if n, ok := toFloat(v); ok {
			fmt.Fprintf(&b, "n:%v", n)
		} else {
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
	}
	return b.String(), true
}

func anyRecordHas(batch pipeline.Batch, fields []string) bool {
	for _, record := range batch {
		for _, f := range fields {
			if _, ok := pathutil.Get(record, f); ok {
				return true
			}
		}
	}
	return false
}

// runBool evaluates program against record. Errors count as false.
func runBool(program *vm.Program, record pipeline.Record) bool {
	out, err := expr.Run(program, record)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func clamp(f float64) float64 {
	switch {
	case f != f || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
