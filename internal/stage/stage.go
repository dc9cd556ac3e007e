// Package stage defines the tagged-variant Stage value produced by the
// model compiler (spec.md §9, "Replace per-class inheritance with a tagged
// variant Stage ∈ {Splitter, Resolver, Generator} plus a capability
// interface {register, run, drain}"). The data here is inert — the
// capability interface itself lives in internal/harness, which drives any
// of the three kinds through one worker loop.
package stage

// Kind tags which of the three roles a Stage plays.
type Kind int

const (
	KindSplitter Kind = iota
	KindResolver
	KindGenerator
)

func (k Kind) String() string {
	switch k {
	case KindSplitter:
		return "splitter"
	case KindResolver:
		return "resolver"
	case KindGenerator:
		return "generator"
	default:
		return "unknown"
	}
}

// DependencySpec mirrors spec.md §3's DependencySpec value object: a
// binding from a source stream/key to a destination key in an accumulator
// or joined record, optionally historical.
type DependencySpec struct {
	SrcStream     string
	SrcKey        string
	DstKey        string
	HistoryLength int
}

// Historical reports whether this dependency carries bounded history
// rather than a plain current-value join.
func (d DependencySpec) Historical() bool { return d.HistoryLength > 0 }

// SplitterSpec is the concrete configuration of one Splitter stage
// (spec.md §4.1).
type SplitterSpec struct {
	InputStream   string
	OutputStream  string
	ObjectIDField string
}

// ResolverSpec is the concrete configuration of one DependencyResolver
// stage (spec.md §4.2). NumDependencies is the count of distinct
// non-historical dst_keys; emission happens when the accumulator counter
// reaches this value.
type ResolverSpec struct {
	SrcStreams       []string
	Deps             []DependencySpec
	OutputStreamName string
	NumDependencies  int
}

// GeneratorSpec is the concrete configuration of one FieldGenerator stage
// (spec.md §4.3).
type GeneratorSpec struct {
	InputStream     string
	OutputStream    string
	FieldName       string
	GeneratorKey    string
	Mode            string
	ReturnType      string
	Deps            []DependencySpec
	UsesStoreHandle []string
}

// Stage is one compiled unit of work: exactly one of Splitter, Resolver, or
// Generator is non-nil, selected by Kind.
type Stage struct {
	Kind      Kind
	Name      string
	GroupName string
	Workers   int

	Splitter  *SplitterSpec
	Resolver  *ResolverSpec
	Generator *GeneratorSpec
}
