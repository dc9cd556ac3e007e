// Package model decodes and compiles a static model description (spec.md
// §6.1) into a concrete set of stage specifications (internal/stage) plus
// stream bindings.
package model

// FieldSpec declares one field of an input kind.
type FieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Input declares one raw input kind: its entity-identifying field and the
// shape of its payload.
type Input struct {
	Name    string      `yaml:"name"`
	IDField string      `yaml:"id_field"`
	Fields  []FieldSpec `yaml:"fields"`
}

// Dep declares one contributor to a derived field or output: a source
// reference and, for historical deps, how many past values to retain.
//
// Source is either "input_name.field_name" (an input field), a bare
// derived-field name (another artificial field's output), or the
// enclosing ArtificialField's own name (a self-referential historical
// dependency, spec.md §9 "Cyclic model references").
type Dep struct {
	ParamName     string `yaml:"param_name"`
	Source        string `yaml:"source"`
	HistoryLength int    `yaml:"history_length"`
}

// Historical reports whether this dependency is declared with a bounded
// history rather than a plain current-value join.
func (d Dep) Historical() bool { return d.HistoryLength > 0 }

// ArtificialField declares one derived field: the generator function to
// invoke, its dispatch mode, and its dependency list.
type ArtificialField struct {
	Name            string   `yaml:"name"`
	Generator       string   `yaml:"generator"`
	Mode            string   `yaml:"mode"` // "cooperative" | "blocking"
	ReturnType      string   `yaml:"return_type"`
	Deps            []Dep    `yaml:"deps"`
	UsesStoreHandle []string `yaml:"uses_store_handle"`
}

// OutputField binds one output record field to a source.
type OutputField struct {
	DstName string `yaml:"dst_name"`
	Source  string `yaml:"source"`
}

// Output declares one terminal report: the named subset of fields gathered
// into a single joined record.
type Output struct {
	Name   string        `yaml:"name"`
	Fields []OutputField `yaml:"fields"`
}

// WorkerConfig overrides the worker count for one consumer group.
type WorkerConfig struct {
	Workers int `yaml:"workers"`
}

// Description is the static value accepted by the compiler (spec.md §6.1).
type Description struct {
	Inputs           []Input                 `yaml:"inputs"`
	ArtificialFields []ArtificialField       `yaml:"artificial_fields"`
	Outputs          []Output                `yaml:"outputs"`
	WorkerConfig     map[string]WorkerConfig `yaml:"worker_config"`
}
