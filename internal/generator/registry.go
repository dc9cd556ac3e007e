package generator

import "context"

// BuiltinRegistry returns the generator functions exercised by this
// repository's own scenario tests — a stand-in for the user-authored
// functions a deployment's model would declare. Real deployments wire
// their own Registry in cmd/fieldflow.
func BuiltinRegistry() Registry {
	return Registry{
		"sum": func(ctx context.Context, rec Record) (interface{}, error) {
			a, _ := rec.Values["a"].(float64)
			b, _ := rec.Values["b"].(float64)
			return a + b, nil
		},
		"increment": func(ctx context.Context, rec Record) (interface{}, error) {
			x, _ := rec.Values["x"].(float64)
			prev := -1.0
			if hist, ok := rec.Values["prev"].([]interface{}); ok && len(hist) > 0 {
				if v, ok := hist[len(hist)-1].(float64); ok {
					prev = v
				}
			}
			_ = x
			return prev + 1, nil
		},
	}
}
