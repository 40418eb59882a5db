package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canectors/dataflow/internal/errhandling"
	"github.com/canectors/dataflow/internal/modules/input"
	"github.com/canectors/dataflow/internal/modules/output"
	"github.com/canectors/dataflow/pkg/pipeline"
)

type fakeSource struct{ records pipeline.Batch }

func (f *fakeSource) Read(context.Context, pipeline.BatchSpec) (pipeline.Batch, error) {
	return f.records, nil
}
func (f *fakeSource) Close() error { return nil }

func TestBuiltinsAreRegistered(t *testing.T) {
	RestoreBuiltins()

	assert.Equal(t, []string{"file", "http", "inline", "sql"}, ListSourceTypes())
	assert.Equal(t, []string{"console", "file", "http", "memory", "sql"}, ListDestinationTypes())
	assert.Equal(t, []string{"fill_missing", "normalize_types", "remove_fields", "set_fields", "trim_strings"}, ListFunctions())
}

func TestRegisterSource(t *testing.T) {
	ClearRegistries()
	defer RestoreBuiltins()

	var got map[string]interface{}
	RegisterSource("fake", func(cfg map[string]interface{}) (input.Source, error) {
		got = cfg
		return &fakeSource{records: pipeline.Batch{{"id": 1}}}, nil
	})

	src, err := NewSource(pipeline.DataSource{Type: "fake", Config: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])

	batch, err := src.Read(context.Background(), pipeline.BatchSpec{})
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestRegisterDestination(t *testing.T) {
	ClearRegistries()
	defer RestoreBuiltins()

	RegisterDestination("mem", func(cfg map[string]interface{}) (output.Destination, error) {
		return output.NewMemory(cfg)
	})
	assert.NotNil(t, GetDestinationConstructor("mem"))
	assert.Nil(t, GetDestinationConstructor("console"))

	dst, err := NewDestination(pipeline.DataDestination{Type: "mem", Config: map[string]interface{}{"name": "registry-test"}})
	require.NoError(t, err)
	require.NoError(t, dst.Close())
}

func TestRegisterFunctionReplacesPrevious(t *testing.T) {
	ClearRegistries()
	defer RestoreBuiltins()

	RegisterFunction("tag", func(r pipeline.Record, _ map[string]interface{}) (pipeline.Record, error) {
		r["v"] = 1
		return r, nil
	})
	RegisterFunction("tag", func(r pipeline.Record, _ map[string]interface{}) (pipeline.Record, error) {
		r["v"] = 2
		return r, nil
	})

	fn, ok := GetFunction("tag")
	require.True(t, ok)
	out, err := fn(pipeline.Record{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["v"])

	_, ok = GetFunction("missing")
	assert.False(t, ok)
}

func TestUnknownTypesAreConfigurationErrors(t *testing.T) {
	RestoreBuiltins()

	_, err := NewSource(pipeline.DataSource{Type: "kafka"})
	var cfgErr *errhandling.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "source.type", cfgErr.Field)

	_, err = NewDestination(pipeline.DataDestination{Type: "s3"})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "destination.type", cfgErr.Field)
}

func TestBuiltinConstructorsValidateConfig(t *testing.T) {
	RestoreBuiltins()

	_, err := NewSource(pipeline.DataSource{Type: "inline"})
	assert.Error(t, err)

	src, err := NewSource(pipeline.DataSource{Type: "inline", Config: map[string]interface{}{
		"records": []interface{}{map[string]interface{}{"id": 1}},
	}})
	require.NoError(t, err)
	batch, err := src.Read(context.Background(), pipeline.BatchSpec{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.Batch{{"id": 1}}, batch)
}
