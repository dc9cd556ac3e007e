package model

import (
	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/stage"
	"github.com/fieldflow-io/engine/internal/validation"
)

// Topology is the compiler's output: the full set of stages plus the
// terminal output stream names, ready for internal/harness to register and
// run.
type Topology struct {
	Stages        []stage.Stage
	OutputStreams []string
}

// fieldOrigin records where a known name (input field or derived field)
// came from, so Dep/OutputField sources can be resolved to a concrete
// (stream, key) pair.
type fieldOrigin struct {
	stream string
	key    string
	// derived is true for artificial-field origins, needed to detect and
	// permit the self-referential historical dependency case.
	derived    bool
	fieldName  string
}

// Compile validates d and produces a Topology, or a *ferrors.FatalConfig
// describing the first violation found (spec.md §4.5, §9).
func Compile(d *Description, cfg *config.Config) (*Topology, error) {
	origins, err := collectOrigins(d, cfg)
	if err != nil {
		return nil, err
	}

	var nodes []validation.FieldNode
	for _, f := range d.ArtificialFields {
		node := validation.FieldNode{Field: f.Name}
		for _, dep := range f.Deps {
			if origin, ok := origins[dep.Source]; ok && origin.derived && !dep.Historical() {
				node.DependsOn = append(node.DependsOn, origin.fieldName)
			}
		}
		nodes = append(nodes, node)
	}
	if err := validation.ValidateModelFields(nodes); err != nil {
		return nil, ferrors.NewFatalConfig("cyclic derived-field reference: %v", err)
	}

	groupNames := make(map[string]bool)
	claimGroup := func(name string) error {
		if groupNames[name] {
			return ferrors.NewFatalConfig("duplicate consumer group name %q", name)
		}
		groupNames[name] = true
		return nil
	}

	var stages []stage.Stage

	for _, in := range d.Inputs {
		groupName := "splitter:" + in.Name
		if err := claimGroup(groupName); err != nil {
			return nil, err
		}
		stages = append(stages, stage.Stage{
			Kind:      stage.KindSplitter,
			Name:      in.Name,
			GroupName: groupName,
			Workers:   workersFor(d, groupName, cfg.DefaultWorkers),
			Splitter: &stage.SplitterSpec{
				InputStream:   cfg.StreamName(in.Name),
				OutputStream:  cfg.StreamName(in.Name, "split"),
				ObjectIDField: in.IDField,
			},
		})
	}

	for _, f := range d.ArtificialFields {
		deps, srcStreams, err := resolveDeps(f.Name, f.Deps, origins)
		if err != nil {
			return nil, err
		}

		resolverGroup := "resolver:" + f.Name + ":deps"
		if err := claimGroup(resolverGroup); err != nil {
			return nil, err
		}
		depsOutStream := cfg.StreamName(f.Name, "deps")
		stages = append(stages, stage.Stage{
			Kind:      stage.KindResolver,
			Name:      f.Name + ":deps",
			GroupName: resolverGroup,
			Workers:   workersFor(d, resolverGroup, cfg.DefaultWorkers),
			Resolver: &stage.ResolverSpec{
				SrcStreams:       srcStreams,
				Deps:             deps,
				OutputStreamName: depsOutStream,
				NumDependencies:  countNonHistorical(deps),
			},
		})

		generatorGroup := "generator:" + f.Name
		if err := claimGroup(generatorGroup); err != nil {
			return nil, err
		}
		stages = append(stages, stage.Stage{
			Kind:      stage.KindGenerator,
			Name:      f.Name,
			GroupName: generatorGroup,
			Workers:   workersFor(d, generatorGroup, cfg.DefaultWorkers),
			Generator: &stage.GeneratorSpec{
				InputStream:     depsOutStream,
				OutputStream:    cfg.StreamName(cfg.ArtificialNamespace, f.Name),
				FieldName:       f.Name,
				GeneratorKey:    f.Generator,
				Mode:            f.Mode,
				ReturnType:      f.ReturnType,
				Deps:            deps,
				UsesStoreHandle: f.UsesStoreHandle,
			},
		})
	}

	var outputStreams []string
	for _, out := range d.Outputs {
		outDeps := make([]Dep, 0, len(out.Fields))
		for _, of := range out.Fields {
			outDeps = append(outDeps, Dep{ParamName: of.DstName, Source: of.Source})
		}
		deps, srcStreams, err := resolveDeps(out.Name, outDeps, origins)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep.Historical() {
				return nil, ferrors.NewFatalConfig("output %q field %q: historical dependencies are not valid on outputs", out.Name, dep.DstKey)
			}
		}

		resolverGroup := "resolver:" + out.Name
		if err := claimGroup(resolverGroup); err != nil {
			return nil, err
		}
		outStream := cfg.StreamName(out.Name)
		stages = append(stages, stage.Stage{
			Kind:      stage.KindResolver,
			Name:      out.Name,
			GroupName: resolverGroup,
			Workers:   workersFor(d, resolverGroup, cfg.DefaultWorkers),
			Resolver: &stage.ResolverSpec{
				SrcStreams:       srcStreams,
				Deps:             deps,
				OutputStreamName: outStream,
				NumDependencies:  countNonHistorical(deps),
			},
		})
		outputStreams = append(outputStreams, outStream)
	}

	return &Topology{Stages: stages, OutputStreams: outputStreams}, nil
}

// collectOrigins builds the name->origin table from every input field and
// every artificial field name. This is compiler pass one: it must complete
// before any Dep.Source is resolved, since a derived field's deps may
// reference a field declared later in the list (spec.md §9, "tolerate
// forward names").
func collectOrigins(d *Description, cfg *config.Config) (map[string]fieldOrigin, error) {
	origins := make(map[string]fieldOrigin)

	for _, in := range d.Inputs {
		for _, f := range in.Fields {
			key := in.Name + "." + f.Name
			if _, exists := origins[key]; exists {
				return nil, ferrors.NewFatalConfig("duplicate input field reference %q", key)
			}
			origins[key] = fieldOrigin{
				stream: cfg.StreamName(in.Name, "split"),
				key:    f.Name,
			}
		}
	}

	for _, f := range d.ArtificialFields {
		if _, exists := origins[f.Name]; exists {
			return nil, ferrors.NewFatalConfig("derived field name %q collides with an existing field", f.Name)
		}
		origins[f.Name] = fieldOrigin{
			stream:    cfg.StreamName(cfg.ArtificialNamespace, f.Name),
			key:       f.Name,
			derived:   true,
			fieldName: f.Name,
		}
	}

	return origins, nil
}

// resolveDeps is compiler pass two: resolve every Dep.Source against
// origins, producing stage.DependencySpec values plus the distinct set of
// source streams a resolver must read. owner is the enclosing derived
// field or output name, used to permit the self-referential historical
// case and to name the field in FatalConfig messages.
func resolveDeps(owner string, deps []Dep, origins map[string]fieldOrigin) ([]stage.DependencySpec, []string, error) {
	out := make([]stage.DependencySpec, 0, len(deps))
	seenStreams := make(map[string]bool)
	var streams []string

	for _, dep := range deps {
		origin, ok := origins[dep.Source]
		if !ok {
			return nil, nil, ferrors.NewFatalConfig(
				"%q: dependency %q references unknown source %q", owner, dep.ParamName, dep.Source)
		}
		if origin.derived && origin.fieldName == owner && !dep.Historical() {
			return nil, nil, ferrors.NewFatalConfig(
				"%q: self-reference on %q is only valid as a historical dependency", owner, dep.ParamName)
		}

		out = append(out, stage.DependencySpec{
			SrcStream:     origin.stream,
			SrcKey:        origin.key,
			DstKey:        dep.ParamName,
			HistoryLength: dep.HistoryLength,
		})
		if !seenStreams[origin.stream] {
			seenStreams[origin.stream] = true
			streams = append(streams, origin.stream)
		}
	}

	if err := checkNoIllegalCycle(owner, deps, origins); err != nil {
		return nil, nil, err
	}

	return out, streams, nil
}

// checkNoIllegalCycle runs internal/validation's Kahn's-algorithm cycle
// detector over owner and its own non-historical derived deps only; the
// other fields' deps are not part of that graph, so a cycle through other
// fields is caught by the whole-model check at the top of Compile. The
// self-historical-dependency case is tolerated: DetectFieldCycles treats it
// as a non-edge (it skips dep == f.Field).
func checkNoIllegalCycle(owner string, deps []Dep, origins map[string]fieldOrigin) error {
	var derivedDeps []string
	for _, dep := range deps {
		if origin, ok := origins[dep.Source]; ok && origin.derived && !dep.Historical() {
			derivedDeps = append(derivedDeps, origin.fieldName)
		}
	}
	if len(derivedDeps) == 0 {
		return nil
	}

	report := validation.DetectFieldCycles([]validation.FieldNode{
		{Field: owner, DependsOn: derivedDeps},
	})
	if report.HasCycle {
		return ferrors.NewFatalConfig("cyclic derived-field reference: %s", report.ErrorMessage)
	}
	return nil
}

func countNonHistorical(deps []stage.DependencySpec) int {
	n := 0
	for _, d := range deps {
		if !d.Historical() {
			n++
		}
	}
	return n
}

func workersFor(d *Description, groupName string, fallback int) int {
	if wc, ok := d.WorkerConfig[groupName]; ok && wc.Workers > 0 {
		return wc.Workers
	}
	return fallback
}
