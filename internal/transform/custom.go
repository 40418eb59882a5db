package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// MaxScriptLength caps inline and file scripts (100KB).
const MaxScriptLength = 100 * 1024

// Script errors
var (
	ErrScriptEmpty          = errors.New("script cannot be empty")
	ErrMissingTransformFunc = errors.New("transform function not found in script")
	ErrTransformNotFunction = errors.New("transform is not a function")
)

// customStage runs caller-supplied logic on each record, either a named Go
// function or a JavaScript transform(record) function.
//
// Config (one of):
//
//	function: fill_missing
//	params: {defaults: {country: FR}}
//
//	script: "function transform(r) { r.total = r.price * r.qty; return r }"
//	scriptFile: scripts/total.js
//
// Errors follow map semantics: the record is reported and excluded.
type customStage struct {
	stageBase
	fn     RecordFunc
	params map[string]interface{}
	script *scriptRunner
}

func newCustom(base stageBase, cfg config, env Env) (Stage, error) {
	name, err := cfg.getString("function")
	if err != nil {
		return nil, err
	}
	script, err := cfg.getString("script")
	if err != nil {
		return nil, err
	}
	scriptFile, err := cfg.getString("scriptFile")
	if err != nil {
		return nil, err
	}

	set := 0
	for _, s := range []string{name, script, scriptFile} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, cfg.invalid("function", "exactly one of function, script or scriptFile is required")
	}

	c := &customStage{stageBase: base}
	if name != "" {
		fn, ok := env.lookup(name)
		if !ok {
			return nil, cfg.invalid("function", "unknown custom function %q", name)
		}
		if c.params, err = cfg.getObject("params"); err != nil {
			return nil, err
		}
		c.fn = fn
		return c, nil
	}

	if scriptFile != "" {
		if script, err = readScriptFile(scriptFile); err != nil {
			return nil, cfg.invalid("scriptFile", "%v", err)
		}
	}
	if c.script, err = newScriptRunner(script); err != nil {
		return nil, cfg.invalid("script", "%v", err)
	}
	return c, nil
}

func (c *customStage) Apply(ctx context.Context, batch pipeline.Batch) (pipeline.Batch, []*errhandling.RecordError, error) {
	out := make(pipeline.Batch, 0, len(batch))
	var recordErrs []*errhandling.RecordError

	for i, record := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var (
			result pipeline.Record
			err    error
		)
		if c.fn != nil {
			result, err = c.callFunction(record)
		} else {
			result, err = c.script.run(ctx, pipeline.CloneRecord(record))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			recordErrs = append(recordErrs, c.recordError(i, err))
			continue
		}
		out = append(out, result)
	}
	return out, recordErrs, nil
}

func (c *customStage) callFunction(record pipeline.Record) (result pipeline.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("custom function panicked: %v", r)
		}
	}()
	result, err = c.fn(pipeline.CloneRecord(record), c.params)
	if err == nil && result == nil {
		err = errors.New("custom function returned no record")
	}
	return result, err
}

// scriptRunner owns one goja runtime. Runtimes are not goroutine-safe; a
// stage, and therefore its runner, is used by a single run.
type scriptRunner struct {
	vm          *goja.Runtime
	transformFn goja.Callable
	interruptMu sync.Mutex
}

func newScriptRunner(source string) (*scriptRunner, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrScriptEmpty
	}
	if len(source) > MaxScriptLength {
		return nil, fmt.Errorf("script exceeds maximum length: %d bytes exceeds %d", len(source), MaxScriptLength)
	}

	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script compilation failed: %w", err)
	}
	value := vm.Get("transform")
	if value == nil || goja.IsUndefined(value) {
		return nil, ErrMissingTransformFunc
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, ErrTransformNotFunction
	}
	return &scriptRunner{vm: vm, transformFn: fn}, nil
}

func readScriptFile(path string) (string, error) {
	if err := pathutil.ValidateFilePath(path); err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening script file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, MaxScriptLength+1))
	if err != nil {
		return "", fmt.Errorf("reading script file: %w", err)
	}
	if len(content) > MaxScriptLength {
		return "", fmt.Errorf("script file %q is larger than %d bytes", path, MaxScriptLength)
	}
	return string(content), nil
}

// run calls transform(record). A cancelled context interrupts the script.
func (s *scriptRunner) run(ctx context.Context, record pipeline.Record) (pipeline.Record, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.interruptMu.Lock()
			s.vm.Interrupt(ctx.Err().Error())
			s.interruptMu.Unlock()
		case <-done:
		}
	}()

	result, err := s.transformFn(goja.Undefined(), s.vm.ToValue(record))

	s.interruptMu.Lock()
	s.vm.ClearInterrupt()
	s.interruptMu.Unlock()

	if err != nil {
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return nil, fmt.Errorf("script error: %v", jsErr.Value())
		}
		return nil, fmt.Errorf("script error: %w", err)
	}
	return s.export(result)
}

// export converts the script's return value to a record. Only objects are
// accepted.
func (s *scriptRunner) export(value goja.Value) (pipeline.Record, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errors.New("transform returned null or undefined")
	}
	if obj, ok := value.(*goja.Object); ok && obj.ClassName() == "Array" {
		return nil, errors.New("transform returned an array, expected an object")
	}
	switch exported := value.Export().(type) {
	case map[string]interface{}:
		return exported, nil
	case *goja.Object:
		var out map[string]interface{}
		if err := s.vm.ExportTo(value, &out); err != nil {
			return nil, fmt.Errorf("converting script result: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transform returned %T, expected an object", exported)
	}
}
