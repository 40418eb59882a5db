// Package registry maps the open sets of a pipeline document to their
// implementations: source types, destination types and custom functions.
//
// # Adding a Source
//
// Implement input.Source and register a constructor, typically from an
// init() function:
//
//	func init() {
//	    registry.RegisterSource("kafka", func(cfg map[string]interface{}) (input.Source, error) {
//	        return kafka.New(cfg)
//	    })
//	}
//
// Destinations and custom functions are registered the same way with
// RegisterDestination and RegisterFunction. Transformation types are a
// closed set and are not registered here.
package registry

import (
	"sort"
	"sync"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/transform"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// SourceConstructor creates a source from its config map. It must not
// perform I/O.
type SourceConstructor func(cfg map[string]interface{}) (input.Source, error)

// DestinationConstructor creates a destination from its config map. It must
// not perform I/O.
type DestinationConstructor func(cfg map[string]interface{}) (output.Destination, error)

var (
	sourceMu       sync.RWMutex
	sourceRegistry = make(map[string]SourceConstructor)
)

var (
	destinationMu       sync.RWMutex
	destinationRegistry = make(map[string]DestinationConstructor)
)

var (
	functionMu       sync.RWMutex
	functionRegistry = make(map[string]transform.RecordFunc)
)

// RegisterSource registers a source constructor by type string.
// Registering an existing type replaces the previous constructor.
func RegisterSource(sourceType string, constructor SourceConstructor) {
	sourceMu.Lock()
	defer sourceMu.Unlock()
	sourceRegistry[sourceType] = constructor
}

// RegisterDestination registers a destination constructor by type string.
// Registering an existing type replaces the previous constructor.
func RegisterDestination(destinationType string, constructor DestinationConstructor) {
	destinationMu.Lock()
	defer destinationMu.Unlock()
	destinationRegistry[destinationType] = constructor
}

// RegisterFunction registers a custom record function usable from custom
// stages as config.function.
func RegisterFunction(name string, fn transform.RecordFunc) {
	functionMu.Lock()
	defer functionMu.Unlock()
	functionRegistry[name] = fn
}

// GetSourceConstructor returns the registered constructor, or nil.
func GetSourceConstructor(sourceType string) SourceConstructor {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return sourceRegistry[sourceType]
}

// GetDestinationConstructor returns the registered constructor, or nil.
func GetDestinationConstructor(destinationType string) DestinationConstructor {
	destinationMu.RLock()
	defer destinationMu.RUnlock()
	return destinationRegistry[destinationType]
}

// GetFunction returns the registered custom function. Its signature matches
// transform.Env.Function.
func GetFunction(name string) (transform.RecordFunc, bool) {
	functionMu.RLock()
	defer functionMu.RUnlock()
	fn, ok := functionRegistry[name]
	return fn, ok
}

// NewSource builds the source described by src.
func NewSource(src pipeline.DataSource) (input.Source, error) {
	constructor := GetSourceConstructor(src.Type)
	if constructor == nil {
		return nil, errhandling.NewConfigurationError("source.type", "unknown source type %q (registered: %v)", src.Type, ListSourceTypes())
	}
	return constructor(src.Config)
}

// NewDestination builds the destination described by dst.
func NewDestination(dst pipeline.DataDestination) (output.Destination, error) {
	constructor := GetDestinationConstructor(dst.Type)
	if constructor == nil {
		return nil, errhandling.NewConfigurationError("destination.type", "unknown destination type %q (registered: %v)", dst.Type, ListDestinationTypes())
	}
	return constructor(dst.Config)
}

// ListSourceTypes returns the registered source types, sorted.
func ListSourceTypes() []string {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return sortedKeys(sourceRegistry)
}

// ListDestinationTypes returns the registered destination types, sorted.
func ListDestinationTypes() []string {
	destinationMu.RLock()
	defer destinationMu.RUnlock()
	return sortedKeys(destinationRegistry)
}

// ListFunctions returns the registered custom function names, sorted.
func ListFunctions() []string {
	functionMu.RLock()
	defer functionMu.RUnlock()
	return sortedKeys(functionRegistry)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearRegistries removes all registrations, built-ins included.
// This is intended for testing purposes only.
func ClearRegistries() {
	sourceMu.Lock()
	sourceRegistry = make(map[string]SourceConstructor)
	sourceMu.Unlock()

	destinationMu.Lock()
	destinationRegistry = make(map[string]DestinationConstructor)
	destinationMu.Unlock()

	functionMu.Lock()
	functionRegistry = make(map[string]transform.RecordFunc)
	functionMu.Unlock()
}

// RestoreBuiltins clears the registries and registers the built-ins again.
func RestoreBuiltins() {
	ClearRegistries()
	registerBuiltins()
}
