package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/stage"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.DefaultWorkers = 2
	return cfg
}

func sumModel() *Description {
	return &Description{
		Inputs: []Input{
			{Name: "test", IDField: "vehicle_id", Fields: []FieldSpec{
				{Name: "a", Type: "int"},
				{Name: "b", Type: "int"},
			}},
		},
		ArtificialFields: []ArtificialField{
			{
				Name:       "sum",
				Generator:  "sum",
				Mode:       "cooperative",
				ReturnType: "int",
				Deps: []Dep{
					{ParamName: "a", Source: "test.a"},
					{ParamName: "b", Source: "test.b"},
				},
			},
		},
		Outputs: []Output{
			{Name: "OUTPUT", Fields: []OutputField{
				{DstName: "sum", Source: "sum"},
			}},
		},
	}
}

func TestCompile_ProducesSplitterResolverGenerator(t *testing.T) {
	topo, err := Compile(sumModel(), testConfig())
	require.NoError(t, err)

	var kinds []stage.Kind
	for _, s := range topo.Stages {
		kinds = append(kinds, s.Kind)
	}
	assert.Contains(t, kinds, stage.KindSplitter)
	assert.Contains(t, kinds, stage.KindResolver)
	assert.Contains(t, kinds, stage.KindGenerator)
	assert.Equal(t, []string{":OUTPUT"}, topo.OutputStreams)

	for _, s := range topo.Stages {
		if s.Kind == stage.KindResolver && s.Name == "sum:deps" {
			assert.Equal(t, 2, s.Resolver.NumDependencies)
			assert.Equal(t, ":sum:deps", s.Resolver.OutputStreamName)
		}
		if s.Kind == stage.KindGenerator {
			assert.Equal(t, ":sum:deps", s.Generator.InputStream)
			assert.Equal(t, ":artificial:sum", s.Generator.OutputStream)
		}
		if s.Kind == stage.KindSplitter {
			assert.Equal(t, ":test", s.Splitter.InputStream)
			assert.Equal(t, ":test:split", s.Splitter.OutputStream)
		}
	}
}

func TestCompile_UnknownSourceIsFatal(t *testing.T) {
	d := sumModel()
	d.ArtificialFields[0].Deps[0].Source = "test.nonexistent"

	_, err := Compile(d, testConfig())
	require.Error(t, err)
	var fc *ferrors.FatalConfig
	assert.ErrorAs(t, err, &fc)
}

func TestCompile_DuplicateGroupNameIsFatal(t *testing.T) {
	d := sumModel()
	d.Inputs = append(d.Inputs, Input{Name: "test", IDField: "vehicle_id"})

	_, err := Compile(d, testConfig())
	require.Error(t, err)
	var fc *ferrors.FatalConfig
	assert.ErrorAs(t, err, &fc)
}

func TestCompile_SelfHistoricalReferenceIsAllowed(t *testing.T) {
	d := &Description{
		Inputs: []Input{
			{Name: "tick", IDField: "vehicle_id", Fields: []FieldSpec{{Name: "x", Type: "int"}}},
		},
		ArtificialFields: []ArtificialField{
			{
				Name:       "counter",
				Generator:  "increment",
				Mode:       "cooperative",
				ReturnType: "int",
				Deps: []Dep{
					{ParamName: "x", Source: "tick.x"},
					{ParamName: "prev", Source: "counter", HistoryLength: 1},
				},
			},
		},
	}

	topo, err := Compile(d, testConfig())
	require.NoError(t, err)

	for _, s := range topo.Stages {
		if s.Kind == stage.KindResolver && s.Name == "counter:deps" {
			assert.Equal(t, 1, s.Resolver.NumDependencies, "historical self-dep must not count toward emission threshold")
			require.Len(t, s.Resolver.Deps, 2)
		}
	}
}

func TestCompile_NonHistoricalSelfReferenceIsFatal(t *testing.T) {
	d := &Description{
		Inputs: []Input{
			{Name: "tick", IDField: "vehicle_id", Fields: []FieldSpec{{Name: "x", Type: "int"}}},
		},
		ArtificialFields: []ArtificialField{
			{
				Name: "counter",
				Deps: []Dep{
					{ParamName: "x", Source: "tick.x"},
					{ParamName: "prev", Source: "counter"},
				},
			},
		},
	}

	_, err := Compile(d, testConfig())
	require.Error(t, err)
	var fc *ferrors.FatalConfig
	assert.ErrorAs(t, err, &fc)
}

func TestCompile_CyclicDerivedReferenceIsFatal(t *testing.T) {
	d := &Description{
		ArtificialFields: []ArtificialField{
			{Name: "a", Deps: []Dep{{ParamName: "b", Source: "b"}}},
			{Name: "b", Deps: []Dep{{ParamName: "a", Source: "a"}}},
		},
	}

	_, err := Compile(d, testConfig())
	require.Error(t, err)
	var fc *ferrors.FatalConfig
	assert.ErrorAs(t, err, &fc)
}

func TestCompile_MultipleOutputsProduceDistinctStreams(t *testing.T) {
	d := sumModel()
	d.Outputs = append(d.Outputs, Output{
		Name:   "AUDIT",
		Fields: []OutputField{{DstName: "raw_a", Source: "test.a"}},
	})

	topo, err := Compile(d, testConfig())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{":OUTPUT", ":AUDIT"}, topo.OutputStreams)
}
