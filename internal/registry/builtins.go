package registry

import (
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/internal/transform"
)

func init() {
	registerBuiltins()
}

func registerBuiltins() {
	registerBuiltinSources()
	registerBuiltinDestinations()
	for name, fn := range transform.Builtins() {
		RegisterFunction(name, fn)
	}
}

func registerBuiltinSources() {
	RegisterSource(input.TypeInline, func(cfg map[string]interface{}) (input.Source, error) {
		return input.NewInline(cfg)
	})
	RegisterSource(input.TypeFile, func(cfg map[string]interface{}) (input.Source, error) {
		return input.NewFile(cfg)
	})
	RegisterSource(input.TypeSQL, func(cfg map[string]interface{}) (input.Source, error) {
		return input.NewDatabase(cfg)
	})
	RegisterSource(input.TypeHTTP, func(cfg map[string]interface{}) (input.Source, error) {
		return input.NewHTTP(cfg)
	})
}

func registerBuiltinDestinations() {
	RegisterDestination(output.TypeConsole, func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewConsole(cfg)
	})
	RegisterDestination(output.TypeFile, func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewFile(cfg)
	})
	RegisterDestination(output.TypeSQL, func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewDatabase(cfg)
	})
	RegisterDestination(output.TypeHTTP, func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewHTTP(cfg)
	})
	RegisterDestination(output.TypeMemory, func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewMemory(cfg)
	})
}
