// Package validation detects illegal cycles in a model's derived-field
// dependency graph via Kahn's algorithm, used by internal/model to reject
// circular references between artificial_fields and outputs (spec.md §9,
// "Cyclic model references") while still letting a field declare a
// historical dependency on its own prior value.
package validation

import (
	"fmt"
	"strings"
)

// FieldNode is one artificial_field or output in a model's dependency graph:
// its name plus the names of the fields/inputs it reads. A self-reference
// (Field appearing in DependsOn) denotes a historical read of the field's own
// value from the previous record and is never a cycle edge.
type FieldNode struct {
	Field     string
	DependsOn []string
}

// FieldCycleReport is the result of checking a model's fields for circular
// (non-historical) dependencies.
type FieldCycleReport struct {
	HasCycle     bool
	CyclePath    []string // field names involved in the cycle, if found
	SortedOrder  []string // a valid compute order, if no cycle
	ErrorMessage string
}

// DetectFieldCycles topologically sorts a model's fields with Kahn's
// algorithm, treating a field's declared dependency on its own prior value
// (DependsOn containing its own Field name) as satisfied rather than as a
// graph edge, so that declaration never registers as a cycle. Any other
// field->field->...->field chain that returns to its start is reported.
func DetectFieldCycles(fields []FieldNode) FieldCycleReport {
	if len(fields) == 0 {
		return FieldCycleReport{HasCycle: false, SortedOrder: []string{}}
	}

	// Build adjacency list and in-degree map: dependency -> dependents.
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	declared := make(map[string]bool)

	for _, f := range fields {
		declared[f.Field] = true
		if _, exists := inDegree[f.Field]; !exists {
			inDegree[f.Field] = 0
		}
		if _, exists := dependents[f.Field]; !exists {
			dependents[f.Field] = []string{}
		}
	}

	for _, f := range fields {
		for _, dep := range f.DependsOn {
			if dep == f.Field {
				// historical self-reference, not a graph edge
				continue
			}
			if !declared[dep] {
				// reads an input or upstream value outside this field set;
				// nothing for the cycle check to resolve against
				continue
			}
			dependents[dep] = append(dependents[dep], f.Field)
			inDegree[f.Field]++
		}
	}

	queue := []string{}
	for node, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}

	sortedOrder := []string{}
	processedCount := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		sortedOrder = append(sortedOrder, current)
		processedCount++

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processedCount == len(declared) {
		return FieldCycleReport{
			HasCycle:    false,
			SortedOrder: sortedOrder,
		}
	}

	// A cycle remains among the fields whose in-degree never reached zero.
	stuck := []string{}
	for node, degree := range inDegree {
		if degree > 0 {
			stuck = append(stuck, node)
		}
	}

	cyclePath := findFieldCyclePath(dependents, stuck)

	return FieldCycleReport{
		HasCycle:     true,
		CyclePath:    cyclePath,
		ErrorMessage: fmt.Sprintf("circular field dependency detected: %s", strings.Join(cyclePath, " -> ")),
	}
}

// findFieldCyclePath walks the dependency graph by DFS from each field still
// stuck in the cycle to recover the actual loop for the error message,
// rather than just reporting the unordered set of fields involved.
func findFieldCyclePath(dependents map[string][]string, stuck []string) []string {
	if len(stuck) == 0 {
		return []string{}
	}

	stuckSet := make(map[string]bool, len(stuck))
	for _, n := range stuck {
		stuckSet[n] = true
	}

	var visited map[string]bool
	path := []string{}

	var dfs func(node string, currentPath []string) []string
	dfs = func(node string, currentPath []string) []string {
		if visited[node] {
			for i, n := range currentPath {
				if n == node {
					return append(currentPath[i:], node)
				}
			}
			return nil
		}

		if !stuckSet[node] {
			return nil
		}

		visited[node] = true
		currentPath = append(currentPath, node)

		for _, next := range dependents[node] {
			if stuckSet[next] {
				if result := dfs(next, currentPath); result != nil {
					return result
				}
			}
		}

		return nil
	}

	for _, start := range stuck {
		visited = make(map[string]bool)
		if result := dfs(start, path); result != nil && len(result) > 1 {
			return result
		}
	}

	// Couldn't isolate a single loop (e.g. several independent cycles); report
	// the full stuck set rather than fail silently.
	return stuck
}

// ValidateModelFields returns an error naming the offending field chain if
// fields contains a non-historical cycle, and nil otherwise. internal/model's
// compiler calls this once per model load, before any worker is built.
func ValidateModelFields(fields []FieldNode) error {
	report := DetectFieldCycles(fields)
	if report.HasCycle {
		return fmt.Errorf("%s", report.ErrorMessage)
	}
	return nil
}
