package expressions

import "context"

// Engine evaluates expressions against run and request data.
// Three implementations: CEL (webhook filters), GoJQ (payload extraction),
// Expr (template references).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
